package engine

import (
	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/status"
)

// Event kinds published on the bus.
const (
	EventPrefix               = "engine."
	EventConversationsChanged = "engine.conversations_changed"
	EventMessagesChanged      = "engine.messages_changed"
	EventTypingChanged        = "engine.typing_changed"
	EventMessageMerged        = "engine.message_merged"
	EventChannelState         = "engine.channel_state"
	EventNotice               = "engine.notice"
)

// ConversationsChanged is published whenever the list or its order changed.
type ConversationsChanged struct{}

// MessagesChanged is published when a conversation's sequence changed.
type MessagesChanged struct {
	ConversationID string
}

// TypingChanged carries the new typing set of a conversation.
type TypingChanged struct {
	ConversationID string
	Typists        []model.Typist
}

// MessageMerged carries the merged state of one authoritative message.
type MessageMerged struct {
	Message *model.Message
}

// ChannelState mirrors a realtime state change of the open conversation.
type ChannelState struct {
	ConversationID string
	State          status.State
}
