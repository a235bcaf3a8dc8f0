package engine

import (
	"context"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/realtime"
)

// Stream is the realtime connection of one conversation.
type Stream interface {
	SendMessage(ctx context.Context, content, clientID string) (string, error)
	SetTyping(ctx context.Context, active bool) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
	Close()
}

// Channel opens streams. At most one stream is open at a time.
type Channel interface {
	Connect(ctx context.Context, conversationID string) Stream
}

// Backend is the REST collaborator. Every mutation answers with the
// canonical resource; a nil resource with a nil error means no body.
type Backend interface {
	ListConversations(ctx context.Context, archived bool) ([]*model.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
	SendMessage(ctx context.Context, conversationID, content, clientID string) (*model.Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) (*model.Message, error)
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) (*model.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	SetFlag(ctx context.Context, conversationID string, flag model.Flag, value bool) (*model.Conversation, error)
}

type realtimeChannel struct {
	client *realtime.Client
}

// RealtimeChannel adapts the realtime client to Channel.
func RealtimeChannel(c *realtime.Client) Channel {
	return realtimeChannel{client: c}
}

func (r realtimeChannel) Connect(ctx context.Context, conversationID string) Stream {
	return r.client.Connect(ctx, conversationID)
}

// Observer receives engine instrumentation.
type Observer interface {
	Merged(source, outcome string)
	Conflict()
	Notice(op string)
	RESTCall(op string, err error)
}

type nopObserver struct{}

func (nopObserver) Merged(string, string) {}
func (nopObserver) Conflict() {}
func (nopObserver) Notice(string) {}
func (nopObserver) RESTCall(string, error) {}
