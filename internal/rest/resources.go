package rest

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/protocol"
)

type conversationList struct {
	Conversations []protocol.Conversation `json:"conversations"`
}

type messageList struct {
	Messages []protocol.Message `json:"messages"`
}

type sendRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id,omitempty"`
}

type editRequest struct {
	Content string `json:"content"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type flagRequest struct {
	Value bool `json:"value"`
}

// ListConversations returns the archived or non-archived conversations.
func (c *Client) ListConversations(ctx context.Context, archived bool) ([]*model.Conversation, error) {
	var out conversationList
	q := url.Values{"archived": {strconv.FormatBool(archived)}}
	if err := c.do(ctx, http.MethodGet, "/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	convs := make([]*model.Conversation, 0, len(out.Conversations))
	for i := range out.Conversations {
		convs = append(convs, out.Conversations[i].ToModel())
	}
	return convs, nil
}

// Messages returns up to limit of the newest messages, oldest first. The
// API answers newest first.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	var out messageList
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), q, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]*model.Message, 0, len(out.Messages))
	for i := range out.Messages {
		m := out.Messages[i].ToModel()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		msgs = append(msgs, m)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// SendMessage posts a message. clientID correlates it with the local
// placeholder.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, clientID string) (*model.Message, error) {
	return c.message(ctx, http.MethodPost, conversationID, conversationPath(conversationID, "messages"), nil,
		sendRequest{Content: content, ClientID: clientID})
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (*model.Message, error) {
	return c.message(ctx, http.MethodPut, conversationID, conversationPath(conversationID, "messages", messageID), nil,
		editRequest{Content: content})
}

// DeleteMessage deletes a message for everyone. The answer may be empty.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	return c.message(ctx, http.MethodDelete, conversationID, conversationPath(conversationID, "messages", messageID),
		url.Values{"scope": {"all"}}, nil)
}

// AddReaction adds the viewer's emoji.
func (c *Client) AddReaction(ctx context.Context, conversationID, messageID, emoji string) (*model.Message, error) {
	return c.message(ctx, http.MethodPost, conversationID, conversationPath(conversationID, "messages", messageID, "reactions"), nil,
		reactionRequest{Emoji: emoji})
}

// RemoveReaction removes the viewer's emoji.
func (c *Client) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (*model.Message, error) {
	return c.message(ctx, http.MethodDelete, conversationID, conversationPath(conversationID, "messages", messageID, "reactions", emoji), nil, nil)
}

// MarkRead confirms the viewer has read the message.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	return c.message(ctx, http.MethodPost, conversationID, conversationPath(conversationID, "messages", messageID, "read"), nil, nil)
}

// SetFlag sets one of the conversation's flags and returns the canonical
// conversation.
func (c *Client) SetFlag(ctx context.Context, conversationID string, flag model.Flag, value bool) (*model.Conversation, error) {
	var out protocol.Conversation
	if err := c.do(ctx, http.MethodPut, conversationPath(conversationID, "flags", string(flag)), nil, flagRequest{Value: value}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	return out.ToModel(), nil
}

// message performs a call answered by a single message. A nil message with
// a nil error means the backend sent no body.
func (c *Client) message(ctx context.Context, method, conversationID, path string, q url.Values, body any) (*model.Message, error) {
	var out protocol.Message
	if err := c.do(ctx, method, path, q, body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, nil
	}
	m := out.ToModel()
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return m, nil
}
