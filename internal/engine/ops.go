package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/presence"
	"github.com/campusnet/chatsync/internal/reconcile"
	"github.com/campusnet/chatsync/internal/status"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// call runs fn on the loop and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	var err error
	if cerr := e.loop.Call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

// Bootstrap loads the conversation list, active and archived.
func (e *Engine) Bootstrap(ctx context.Context) error {
	all, err := e.fetchConversations(ctx)
	if err != nil {
		_ = e.loop.Call(ctx, func() { e.notify("bootstrap", "", "", err) })
		return err
	}
	return e.call(ctx, func() error {
		e.storeConversations(all)
		return nil
	})
}

func (e *Engine) fetchConversations(ctx context.Context) ([]*model.Conversation, error) {
	var all []*model.Conversation
	for _, archived := range []bool{false, true} {
		convs, err := e.backend.ListConversations(ctx, archived)
		if err = e.rest("list_conversations", err); err != nil {
			return nil, err
		}
		all = append(all, convs...)
	}
	return all, nil
}

// storeConversations merges a fetched list on the loop.
func (e *Engine) storeConversations(all []*model.Conversation) {
	e.convs.Upsert(all...)
	for _, c := range all {
		e.refreshSummary(c.ID)
	}
	e.listed = true
	e.bus.Emit(EventConversationsChanged, ConversationsChanged{})
	e.logger.Info("conversations loaded", zap.Int("count", len(all)))
}

// refreshConversations reloads the list in the background. At most one
// reload is in flight.
func (e *Engine) refreshConversations() {
	if e.listing {
		return
	}
	e.listing = true
	e.goNet(func(ctx context.Context) func() {
		all, err := e.fetchConversations(ctx)
		return func() {
			e.listing = false
			if err != nil {
				e.notify("list_conversations", "", "", err)
				return
			}
			e.storeConversations(all)
		}
	})
}

// Open makes conversationID the open conversation. Opening the conversation
// that is already open is a no-op. A conversation missing from the list is
// looked up again on the backend before Open gives up on it.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	err := e.call(ctx, func() error { return e.open(conversationID) })
	if !errors.Is(err, syncerr.ErrNotFound) {
		return err
	}
	all, ferr := e.fetchConversations(ctx)
	if ferr != nil {
		return fmt.Errorf("open %s: %w", conversationID, ferr)
	}
	return e.call(ctx, func() error {
		e.storeConversations(all)
		return e.open(conversationID)
	})
}

func (e *Engine) open(id string) error {
	if id == e.current {
		return nil
	}
	if e.convs.Get(id) == nil {
		return fmt.Errorf("open %s: %w", id, syncerr.ErrNotFound)
	}
	e.closeCurrent()

	e.current = id
	e.openGen++
	gen := e.openGen
	e.state = status.Connecting

	for _, ch := range e.rec.Load(id) {
		e.apply(ch, reconcile.SourceLocal)
	}
	e.typing = presence.NewOutbound(e.loop, e.cfg.TypingIdle, e.cfg.TypingRefresh, e.sendTyping)
	if e.rec.Stale(id, e.cfg.StaleAfter) {
		e.fetchHistory(id)
	}

	parent := e.ctx
	e.loop.Go(func() {
		s := e.channel.Connect(parent, id)
		e.loop.Post(func() {
			if gen != e.openGen {
				s.Close()
				return
			}
			e.stream = s
		})
	})
	e.schedulePoll()

	e.markOpenRead()
	if e.convs.MarkRead(id) {
		e.bus.Emit(EventConversationsChanged, ConversationsChanged{})
	}
	e.bus.Emit(EventMessagesChanged, MessagesChanged{ConversationID: id})
	e.logger.Info("conversation opened", zap.String("conversation_id", id))
	return nil
}

// Close closes the open conversation, if any.
func (e *Engine) Close(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.closeCurrent()
		return nil
	})
}

func (e *Engine) closeCurrent() {
	id := e.current
	if id == "" {
		return
	}
	if e.typing != nil {
		e.typing.Cancel()
		e.typing = nil
	}
	e.presence.Clear(id)
	e.publishTyping(id)
	if s := e.stream; s != nil {
		e.loop.Go(s.Close)
		e.stream = nil
	}
	e.stopPoll()
	e.rec.Release(id)

	e.current = ""
	e.openGen++
	e.state = status.Idle
	e.wasLive = false
	e.logger.Info("conversation closed", zap.String("conversation_id", id))
}

func (e *Engine) markOpenRead() {
	for _, m := range e.rec.Messages(e.current) {
		e.markReadIfNeeded(e.current, m.ID)
	}
}

// fetchHistory pulls the latest page of id through the merge path.
func (e *Engine) fetchHistory(id string) {
	e.goNet(func(ctx context.Context) func() {
		msgs, err := e.backend.Messages(ctx, id, e.cfg.HistoryLimit)
		err = e.rest("messages", err)
		return func() {
			if err != nil {
				e.notify("fetch_history", id, "", err)
				return
			}
			for _, m := range msgs {
				if m.ConversationID == "" {
					m.ConversationID = id
				}
				e.ingest(m, reconcile.SourceREST)
			}
			e.rec.MarkFetched(id)
			if id == e.current {
				e.markOpenRead()
			}
		}
	})
}

// schedulePoll arms the REST poll of the open conversation. The poll keeps
// re-arming itself until the channel is live again.
func (e *Engine) schedulePoll() {
	if e.pollTimer != nil || e.current == "" {
		return
	}
	e.pollGen++
	gen := e.pollGen
	e.pollTimer = e.loop.AfterFunc(e.cfg.PollInterval, func() {
		if gen != e.pollGen {
			return
		}
		e.pollTimer = nil
		if e.current == "" || e.state == status.Live {
			return
		}
		e.fetchHistory(e.current)
		e.refreshConversations()
		e.schedulePoll()
	})
}

func (e *Engine) stopPoll() {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
	e.pollGen++
}

// live returns the stream to use for a push, or nil when the channel is
// not live.
func (e *Engine) live() Stream {
	if e.state != status.Live {
		return nil
	}
	return e.stream
}

// Send posts content to the open conversation. The returned placeholder
// is visible at once; delivery failures arrive as an engine.notice.
func (e *Engine) Send(ctx context.Context, content string) (*model.Message, error) {
	var ph *model.Message
	err := e.call(ctx, func() error {
		if strings.TrimSpace(content) == "" {
			return ErrEmptyMessage
		}
		if e.current == "" {
			return ErrNoConversation
		}
		var ok bool
		ph, ok = e.rec.AddPlaceholder(e.current, e.cfg.Viewer, content)
		if !ok {
			return ErrNoConversation
		}
		e.obs.Merged(string(reconcile.SourceLocal), string(reconcile.Inserted))
		e.bus.Emit(EventMessagesChanged, MessagesChanged{ConversationID: e.current})
		e.refreshSummary(e.current)
		if e.typing != nil {
			e.typing.Stop()
		}
		e.deliver(ph)
		return nil
	})
	return ph, err
}

// Resend retries a failed placeholder.
func (e *Engine) Resend(ctx context.Context, id string) (*model.Message, error) {
	var ph *model.Message
	err := e.call(ctx, func() error {
		if e.current == "" {
			return ErrNoConversation
		}
		var ok bool
		if ph, ok = e.rec.Resend(e.current, id); !ok {
			return fmt.Errorf("resend %s: %w", id, syncerr.ErrNotFound)
		}
		e.bus.Emit(EventMessagesChanged, MessagesChanged{ConversationID: e.current})
		e.deliver(ph)
		return nil
	})
	return ph, err
}

// deliver pushes a placeholder over the channel, falling back to REST when
// the channel is not available. A channel send is confirmed by the echo.
func (e *Engine) deliver(ph *model.Message) {
	stream := e.live()
	e.goNet(func(ctx context.Context) func() {
		if stream != nil {
			serverID, err := stream.SendMessage(ctx, ph.Content, ph.ClientID)
			if err == nil {
				if serverID == "" {
					return nil
				}
				return func() {
					e.apply(e.rec.Acknowledge(ph.ConversationID, ph.ID, serverID), reconcile.SourceChannel)
				}
			}
			if !errors.Is(err, syncerr.ErrTransportUnavailable) {
				return func() { e.sendFailed(ph, err) }
			}
		}
		canonical, err := e.backend.SendMessage(ctx, ph.ConversationID, ph.Content, ph.ClientID)
		err = e.rest("send_message", err)
		return func() {
			if err != nil {
				e.sendFailed(ph, err)
				return
			}
			if canonical != nil {
				if canonical.ConversationID == "" {
					canonical.ConversationID = ph.ConversationID
				}
				if canonical.ClientID == "" {
					canonical.ClientID = ph.ClientID
				}
				e.ingest(canonical, reconcile.SourceREST)
			}
		}
	})
}

func (e *Engine) sendFailed(ph *model.Message, err error) {
	e.apply(e.rec.MarkFailed(ph.ConversationID, ph.ID), reconcile.SourceLocal)
	e.notify("send_message", ph.ConversationID, ph.ID, fmt.Errorf("%w: %w", syncerr.ErrSendFailed, err))
}

// authored returns the viewer's message messageID in the open conversation.
func (e *Engine) authored(messageID string) (*model.Message, error) {
	if e.current == "" {
		return nil, ErrNoConversation
	}
	m := e.rec.Get(e.current, messageID)
	if m == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, syncerr.ErrNotFound)
	}
	if m.SenderID != e.cfg.Viewer {
		return nil, ErrNotAuthor
	}
	if m.Pending || m.Failed {
		return nil, fmt.Errorf("message %s is not delivered yet", messageID)
	}
	return m, nil
}

// Edit replaces the content of one of the viewer's messages. The change is
// applied when the backend answers.
func (e *Engine) Edit(ctx context.Context, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	var conv string
	err := e.call(ctx, func() error {
		m, err := e.authored(messageID)
		if err != nil {
			return err
		}
		if m.DeletedForAll {
			return fmt.Errorf("edit %s: message was deleted", messageID)
		}
		conv = m.ConversationID
		return nil
	})
	if err != nil {
		return err
	}
	canonical, err := e.backend.EditMessage(ctx, conv, messageID, content)
	return e.settleMutation(ctx, "edit_message", conv, messageID, canonical, e.rest("edit_message", err))
}

// DeleteForAll tombstones one of the viewer's messages for everyone.
func (e *Engine) DeleteForAll(ctx context.Context, messageID string) error {
	var conv string
	err := e.call(ctx, func() error {
		m, err := e.authored(messageID)
		if err != nil {
			return err
		}
		conv = m.ConversationID
		return nil
	})
	if err != nil {
		return err
	}
	canonical, err := e.backend.DeleteMessage(ctx, conv, messageID)
	err = e.rest("delete_message", err)
	if err == nil && canonical == nil {
		// No body: the backend accepted the delete, apply it ourselves.
		return e.call(ctx, func() error {
			e.apply(e.rec.Delete(conv, messageID), reconcile.SourceREST)
			return nil
		})
	}
	return e.settleMutation(ctx, "delete_message", conv, messageID, canonical, err)
}

func (e *Engine) settleMutation(ctx context.Context, op, conv, messageID string, canonical *model.Message, err error) error {
	cerr := e.call(ctx, func() error {
		if err != nil {
			e.notify(op, conv, messageID, err)
			return nil
		}
		if canonical != nil {
			if canonical.ConversationID == "" {
				canonical.ConversationID = conv
			}
			e.ingest(canonical, reconcile.SourceREST)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return cerr
}

// ToggleReaction adds the viewer's emoji reaction, or removes it when it is
// already there. It reports whether the reaction is now present.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, emoji string) (bool, error) {
	var present bool
	err := e.call(ctx, func() error {
		if e.current == "" {
			return ErrNoConversation
		}
		m := e.rec.Get(e.current, messageID)
		if m == nil {
			return fmt.Errorf("message %s: %w", messageID, syncerr.ErrNotFound)
		}
		present = !m.HasReaction(e.cfg.Viewer, emoji)
		return e.react(messageID, emoji, present)
	})
	return present, err
}

// AddReaction adds the viewer's emoji reaction.
func (e *Engine) AddReaction(ctx context.Context, messageID, emoji string) error {
	return e.call(ctx, func() error { return e.react(messageID, emoji, true) })
}

// RemoveReaction removes the viewer's emoji reaction.
func (e *Engine) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return e.call(ctx, func() error { return e.react(messageID, emoji, false) })
}

// react applies a reaction optimistically and pushes it. On failure the
// inverse is applied unless a later change already moved the pair.
func (e *Engine) react(messageID, emoji string, add bool) error {
	if e.current == "" {
		return ErrNoConversation
	}
	if emoji == "" {
		return fmt.Errorf("react %s: empty emoji", messageID)
	}
	conv := e.current
	if m := e.rec.Get(conv, messageID); m == nil || m.Pending || m.Failed {
		return fmt.Errorf("message %s: %w", messageID, syncerr.ErrNotFound)
	}
	at := e.loop.Now()
	e.apply(e.reaction(conv, messageID, emoji, add, at), reconcile.SourceLocal)

	op := "remove_reaction"
	if add {
		op = "add_reaction"
	}
	stream := e.live()
	e.goNet(func(ctx context.Context) func() {
		if stream != nil {
			var err error
			if add {
				err = stream.AddReaction(ctx, messageID, emoji)
			} else {
				err = stream.RemoveReaction(ctx, messageID, emoji)
			}
			if err == nil {
				return nil
			}
			if !errors.Is(err, syncerr.ErrTransportUnavailable) {
				return func() { e.revertReaction(op, conv, messageID, emoji, add, at, err) }
			}
		}
		var canonical *model.Message
		var err error
		if add {
			canonical, err = e.backend.AddReaction(ctx, conv, messageID, emoji)
		} else {
			canonical, err = e.backend.RemoveReaction(ctx, conv, messageID, emoji)
		}
		err = e.rest(op, err)
		return func() {
			if err != nil {
				e.revertReaction(op, conv, messageID, emoji, add, at, err)
				return
			}
			if canonical != nil {
				if canonical.ConversationID == "" {
					canonical.ConversationID = conv
				}
				e.ingest(canonical, reconcile.SourceREST)
			}
		}
	})
	return nil
}

func (e *Engine) reaction(conv, messageID, emoji string, add bool, at time.Time) reconcile.Change {
	if add {
		return e.rec.AddReaction(conv, messageID, e.cfg.Viewer, emoji, at)
	}
	return e.rec.RemoveReaction(conv, messageID, e.cfg.Viewer, emoji, at)
}

func (e *Engine) revertReaction(op, conv, messageID, emoji string, add bool, at time.Time, err error) {
	if m := e.rec.Get(conv, messageID); m != nil && m.HasReaction(e.cfg.Viewer, emoji) == add {
		revertAt := e.loop.Now()
		if !revertAt.After(at) {
			revertAt = at.Add(time.Nanosecond)
		}
		e.apply(e.reaction(conv, messageID, emoji, !add, revertAt), reconcile.SourceLocal)
	}
	e.notify(op, conv, messageID, err)
}

// TypingInput records a keystroke in the open conversation's composer.
func (e *Engine) TypingInput(ctx context.Context) error {
	return e.call(ctx, func() error {
		if e.typing == nil {
			return ErrNoConversation
		}
		e.typing.Input()
		return nil
	})
}

// sendTyping is best effort: typing has no REST equivalent.
func (e *Engine) sendTyping(active bool) {
	stream := e.live()
	if stream == nil {
		return
	}
	conv := e.current
	e.goNet(func(ctx context.Context) func() {
		if err := stream.SetTyping(ctx, active); err != nil {
			e.logger.Debug("set_typing failed", zap.String("conversation_id", conv), zap.Error(err))
		}
		return nil
	})
}

// ToggleFlag flips a conversation flag optimistically and reports the new
// value. A backend failure rolls the flag back and publishes a notice.
func (e *Engine) ToggleFlag(ctx context.Context, conversationID string, flag model.Flag) (bool, error) {
	var value bool
	err := e.call(ctx, func() error {
		op, err := e.convs.Toggle(conversationID, flag)
		if err != nil {
			return err
		}
		value = op.Value
		e.bus.Emit(EventConversationsChanged, ConversationsChanged{})
		e.goNet(func(ctx context.Context) func() {
			canonical, err := e.backend.SetFlag(ctx, conversationID, flag, op.Value)
			err = e.rest("set_flag", err)
			return func() {
				if err != nil {
					e.convs.Rollback(op)
					e.notify("set_flag", conversationID, "", err)
				} else {
					e.convs.Confirm(op, canonical)
				}
				e.bus.Emit(EventConversationsChanged, ConversationsChanged{})
			}
		})
		return nil
	})
	return value, err
}
