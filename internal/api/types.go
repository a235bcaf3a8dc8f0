package api

import (
	"time"

	"github.com/campusnet/chatsync/internal/engine"
	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/search"
)

// Conversation is the wire view of a conversation.
type Conversation struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	GroupID            string     `json:"group_id,omitempty"`
	Title              string     `json:"title,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	UnreadCount        int        `json:"unread_count"`
	Pinned             bool       `json:"pinned,omitempty"`
	Archived           bool       `json:"archived,omitempty"`
	Favorite           bool       `json:"favorite,omitempty"`
	Muted              bool       `json:"muted,omitempty"`
}

// Reaction is one (user, emoji) pair.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// Message is the wire view of a message with its seen indicator.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name,omitempty"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedForAll  bool       `json:"deleted_for_all,omitempty"`
	ReadBy         []string   `json:"read_by,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	Pending        bool       `json:"pending,omitempty"`
	Failed         bool       `json:"failed,omitempty"`
	Mark           string     `json:"mark,omitempty"`
}

// Typist is a user typing in a conversation.
type Typist struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// SearchHit is one search result.
type SearchHit struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Snippet        string    `json:"snippet"`
}

// Event is one bus event as streamed by WatchEvents. Only the fields that
// belong to Kind are set.
type Event struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	OccurredAt     time.Time `json:"occurred_at"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	State          string    `json:"state,omitempty"`
	Typing         []Typist  `json:"typing,omitempty"`
	Message        *Message  `json:"message,omitempty"`
	Op             string    `json:"op,omitempty"`
	Error          string    `json:"error,omitempty"`
}

type (
	GetStatusRequest  struct{}
	GetStatusResponse struct {
		Session         string `json:"session"`
		Viewer          string `json:"viewer"`
		ConversationID  string `json:"conversation_id,omitempty"`
		ChannelState    string `json:"channel_state"`
		Conversations   int    `json:"conversations"`
		IndexedMessages int    `json:"indexed_messages"`
		UptimeMs        int64  `json:"uptime_ms"`
	}

	ListConversationsRequest struct {
		Filter string `json:"filter,omitempty"`
	}
	ListConversationsResponse struct {
		Conversations []Conversation `json:"conversations"`
	}

	OpenConversationRequest struct {
		ConversationID string `json:"conversation_id"`
	}
	OpenConversationResponse struct{}

	CloseConversationRequest  struct{}
	CloseConversationResponse struct{}

	ListMessagesRequest struct {
		ConversationID string `json:"conversation_id,omitempty"`
	}
	ListMessagesResponse struct {
		Messages []Message `json:"messages"`
		Typing   []Typist  `json:"typing,omitempty"`
	}

	SendMessageRequest struct {
		Content string `json:"content"`
	}
	SendMessageResponse struct {
		Message Message `json:"message"`
	}

	ResendMessageRequest struct {
		MessageID string `json:"message_id"`
	}

	EditMessageRequest struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	EditMessageResponse struct{}

	DeleteMessageRequest struct {
		MessageID string `json:"message_id"`
	}
	DeleteMessageResponse struct{}

	ToggleReactionRequest struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	ToggleReactionResponse struct {
		Present bool `json:"present"`
	}

	TypingInputRequest  struct{}
	TypingInputResponse struct{}

	ToggleFlagRequest struct {
		ConversationID string `json:"conversation_id"`
		Flag           string `json:"flag"`
	}
	ToggleFlagResponse struct {
		Value bool `json:"value"`
	}

	SearchMessagesRequest struct {
		Query          string `json:"query"`
		ConversationID string `json:"conversation_id,omitempty"`
		Limit          int    `json:"limit,omitempty"`
	}
	SearchMessagesResponse struct {
		Hits []SearchHit `json:"hits"`
	}

	WatchEventsRequest struct {
		// Prefix selects event kinds; empty means "engine.".
		Prefix string `json:"prefix,omitempty"`
	}
)

func conversationFromModel(c *model.Conversation) Conversation {
	out := Conversation{
		ID:                 c.ID,
		Kind:               string(c.Kind),
		GroupID:            c.GroupID,
		Title:              c.Title,
		LastMessagePreview: c.LastMessagePreview,
		UnreadCount:        c.UnreadCount,
		Pinned:             c.Flags.Pinned,
		Archived:           c.Flags.Archived,
		Favorite:           c.Flags.Favorite,
		Muted:              c.Flags.Muted,
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

func messageFromModel(m *model.Message, mark model.Mark) Message {
	out := Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		DeletedForAll:  m.DeletedForAll,
		ReadBy:         m.ReadBy,
		Pending:        m.Pending,
		Failed:         m.Failed,
		Mark:           string(mark),
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, Reaction{UserID: r.UserID, Emoji: r.Emoji})
	}
	return out
}

func messagesFromViews(views []engine.MessageView) []Message {
	out := make([]Message, 0, len(views))
	for _, v := range views {
		out = append(out, messageFromModel(v.Message, v.Mark))
	}
	return out
}

func typistsFromModel(ts []model.Typist) []Typist {
	var out []Typist
	for _, t := range ts {
		out = append(out, Typist{UserID: t.UserID, DisplayName: t.DisplayName, ExpiresAt: t.ExpiresAt})
	}
	return out
}

func hitsFromSearch(hits []search.Hit) []SearchHit {
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchHit{
			ConversationID: h.ConversationID,
			MessageID:      h.MessageID,
			SenderID:       h.SenderID,
			SenderName:     h.SenderName,
			Content:        h.Content,
			CreatedAt:      h.CreatedAt,
			Snippet:        h.Snippet,
		})
	}
	return out
}
