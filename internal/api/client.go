package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed client of the Chat service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to a daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c, "GetStatus", &GetStatusRequest{})
}

func (c *Client) ListConversations(ctx context.Context, filter string) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, "ListConversations", &ListConversationsRequest{Filter: filter})
}

func (c *Client) OpenConversation(ctx context.Context, conversationID string) error {
	_, err := invoke[OpenConversationResponse](ctx, c, "OpenConversation", &OpenConversationRequest{ConversationID: conversationID})
	return err
}

func (c *Client) CloseConversation(ctx context.Context) error {
	_, err := invoke[CloseConversationResponse](ctx, c, "CloseConversation", &CloseConversationRequest{})
	return err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", &ListMessagesRequest{ConversationID: conversationID})
}

func (c *Client) SendMessage(ctx context.Context, content string) (*Message, error) {
	resp, err := invoke[SendMessageResponse](ctx, c, "SendMessage", &SendMessageRequest{Content: content})
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) ResendMessage(ctx context.Context, messageID string) (*Message, error) {
	resp, err := invoke[SendMessageResponse](ctx, c, "ResendMessage", &ResendMessageRequest{MessageID: messageID})
	if err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) error {
	_, err := invoke[EditMessageResponse](ctx, c, "EditMessage", &EditMessageRequest{MessageID: messageID, Content: content})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := invoke[DeleteMessageResponse](ctx, c, "DeleteMessage", &DeleteMessageRequest{MessageID: messageID})
	return err
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	resp, err := invoke[ToggleReactionResponse](ctx, c, "ToggleReaction", &ToggleReactionRequest{MessageID: messageID, Emoji: emoji})
	if err != nil {
		return false, err
	}
	return resp.Present, nil
}

func (c *Client) TypingInput(ctx context.Context) error {
	_, err := invoke[TypingInputResponse](ctx, c, "TypingInput", &TypingInputRequest{})
	return err
}

func (c *Client) ToggleFlag(ctx context.Context, conversationID, flag string) (bool, error) {
	resp, err := invoke[ToggleFlagResponse](ctx, c, "ToggleFlag", &ToggleFlagRequest{ConversationID: conversationID, Flag: flag})
	if err != nil {
		return false, err
	}
	return resp.Value, nil
}

func (c *Client) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]SearchHit, error) {
	resp, err := invoke[SearchMessagesResponse](ctx, c, "SearchMessages", &SearchMessagesRequest{
		Query:          query,
		ConversationID: conversationID,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Hits, nil
}

var watchEventsStreamDesc = &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// WatchEvents opens an event stream. Recv blocks until the next event;
// cancel ctx to stop.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (grpc.ServerStreamingClient[Event], error) {
	stream, err := c.cc.NewStream(ctx, watchEventsStreamDesc, fullMethod("WatchEvents"), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchEventsRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(&WatchEventsRequest{Prefix: prefix}); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
