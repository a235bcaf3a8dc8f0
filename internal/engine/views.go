package engine

import (
	"context"

	"github.com/campusnet/chatsync/internal/convstore"
	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/status"
)

// MessageView is a message together with its derived seen indicator.
type MessageView struct {
	Message *model.Message
	Mark    model.Mark
}

// Status describes the open conversation and its channel.
type Status struct {
	Viewer         string
	ConversationID string
	State          status.State
	Conversations  int
}

// Conversations returns the conversation list under filter, sorted. While
// the list has never loaded, a read also starts a background reload that
// reports back through engine.conversations_changed.
func (e *Engine) Conversations(ctx context.Context, filter convstore.Filter) ([]*model.Conversation, error) {
	var out []*model.Conversation
	err := e.loop.Call(ctx, func() {
		if !e.listed {
			e.refreshConversations()
		}
		out = e.convs.List(filter)
	})
	return out, err
}

// Messages returns the ordered messages of conversationID, or of the open
// conversation when it is empty.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]MessageView, error) {
	var out []MessageView
	err := e.call(ctx, func() error {
		id := conversationID
		if id == "" {
			id = e.current
		}
		if id == "" {
			return ErrNoConversation
		}
		for _, m := range e.rec.Messages(id) {
			out = append(out, MessageView{Message: m, Mark: e.receipts.Mark(m)})
		}
		return nil
	})
	return out, err
}

// Typing returns who is typing in conversationID.
func (e *Engine) Typing(ctx context.Context, conversationID string) ([]model.Typist, error) {
	var out []model.Typist
	err := e.loop.Call(ctx, func() { out = e.presence.Typing(conversationID) })
	return out, err
}

// Mark returns the seen indicator of one message.
func (e *Engine) Mark(ctx context.Context, conversationID, messageID string) (model.Mark, bool, error) {
	var (
		mark model.Mark
		ok   bool
	)
	err := e.loop.Call(ctx, func() {
		if m := e.rec.Get(conversationID, messageID); m != nil {
			mark, ok = e.receipts.Mark(m), true
		}
	})
	return mark, ok, err
}

// Status returns a snapshot of the engine.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.loop.Call(ctx, func() {
		st = Status{
			Viewer:         e.cfg.Viewer,
			ConversationID: e.current,
			State:          e.state,
			Conversations:  e.convs.Len(),
		}
	})
	return st, err
}

// Live reports whether the open conversation's channel is live.
func (e *Engine) Live(ctx context.Context) bool {
	st, err := e.Status(ctx)
	return err == nil && st.State == status.Live
}

// Current returns the open conversation id, or "".
func (e *Engine) Current(ctx context.Context) string {
	st, _ := e.Status(ctx)
	return st.ConversationID
}

// Viewer returns the current user id.
func (e *Engine) Viewer() string { return e.cfg.Viewer }
