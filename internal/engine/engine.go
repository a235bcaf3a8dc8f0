// Package engine orchestrates conversation sync. It owns the event loop:
// realtime frames, REST continuations, timers and user operations are all
// applied on it, and every message mutation goes through one ingest path
// whatever transport delivered it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusnet/chatsync/internal/bus"
	"github.com/campusnet/chatsync/internal/convstore"
	"github.com/campusnet/chatsync/internal/loop"
	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/presence"
	"github.com/campusnet/chatsync/internal/protocol"
	"github.com/campusnet/chatsync/internal/realtime"
	"github.com/campusnet/chatsync/internal/receipts"
	"github.com/campusnet/chatsync/internal/reconcile"
	"github.com/campusnet/chatsync/internal/status"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

var (
	// ErrNoConversation is returned by operations that need an open conversation.
	ErrNoConversation = errors.New("no conversation open")
	// ErrNotAuthor is returned when editing or deleting someone else's message.
	ErrNotAuthor = errors.New("only the sender can change a message")
	// ErrEmptyMessage is returned for a send with blank content.
	ErrEmptyMessage = errors.New("message is empty")
)

// Config tunes the engine.
type Config struct {
	Viewer        string
	HistoryLimit  int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	TypingTimeout time.Duration
	TypingIdle    time.Duration
	TypingRefresh time.Duration
	BufferLimit   int
	MatchWindow   time.Duration
	// NetworkTimeout bounds every transport call.
	NetworkTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Minute
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = presence.DefaultTimeout
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = 3 * time.Second
	}
	if c.NetworkTimeout <= 0 {
		c.NetworkTimeout = 20 * time.Second
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver installs instrumentation.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// Engine is the sync orchestrator. Its exported methods are safe for
// concurrent use; everything else runs on the loop.
type Engine struct {
	cfg     Config
	loop    *loop.Loop
	bus     *bus.Bus
	channel Channel
	backend Backend
	logger  *zap.Logger
	obs     Observer

	rec      *reconcile.Reconciler
	convs    *convstore.Store
	presence *presence.Tracker
	receipts *receipts.Aggregator

	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state of the conversation list.
	listed  bool
	listing bool

	// Loop-owned state of the open conversation.
	current   string
	openGen   uint64
	stream    Stream
	state     status.State
	wasLive   bool
	typing    *presence.Outbound
	pollTimer loop.Timer
	pollGen   uint64
}

// New wires an engine. Call Start to run it.
func New(cfg Config, l *loop.Loop, b *bus.Bus, ch Channel, backend Backend, logger *zap.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		loop:     l,
		bus:      b,
		channel:  ch,
		backend:  backend,
		logger:   logger,
		obs:      nopObserver{},
		convs:    convstore.New(logger.Named("convstore")),
		receipts: receipts.New(cfg.Viewer),
		state:    status.Idle,
		ctx:      context.Background(),
		cancel:   func() {},
	}
	for _, o := range opts {
		o(e)
	}
	e.rec = reconcile.New(reconcile.Config{
		Viewer:      cfg.Viewer,
		BufferLimit: cfg.BufferLimit,
		MatchWindow: cfg.MatchWindow,
	}, l.Now, logger.Named("reconcile"))
	e.presence = presence.New(l, cfg.Viewer, cfg.TypingTimeout, e.typingExpired)
	return e
}

// Start runs the loop and routes realtime events onto it until ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx
	events, unsub := e.bus.Subscribe(realtime.EventPrefix, 256)

	go e.loop.Run(ctx)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				e.loop.Post(func() { e.handle(evt) })
			case <-ctx.Done():
				return
			}
		}
	}()
	e.logger.Info("sync engine started", zap.String("viewer", e.cfg.Viewer))
}

// Stop closes the open conversation and stops the loop.
func (e *Engine) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.loop.Call(ctx, e.closeCurrent)
	e.cancel()
	e.logger.Info("sync engine stopped")
}

// handle applies one realtime event. Frames for a conversation that is
// still loaded after navigating away are merged, but only the open
// conversation gets presence and read side effects. Anything else is
// dropped.
func (e *Engine) handle(evt bus.Event) {
	if evt.Kind == status.EventKind {
		if change, ok := evt.Payload.(status.Change); ok {
			e.onChannelState(change)
		}
		return
	}
	pe, ok := evt.Payload.(protocol.Event)
	if !ok || pe.ConversationID == "" {
		return
	}
	conv := pe.ConversationID
	open := conv == e.current
	if !open && !e.rec.Loaded(conv) {
		return
	}

	switch body := pe.Body.(type) {
	case *protocol.Message:
		m := body.ToModel()
		m.ConversationID = conv
		e.ingest(m, reconcile.SourceChannel)
		if !open {
			return
		}
		if e.presence.Signal(conv, m.SenderID, "", false) {
			e.publishTyping(conv)
		}
		e.markReadIfNeeded(conv, m.ID)
	case *protocol.Typing:
		if open && e.presence.Signal(conv, body.UserID, body.DisplayName, body.Active) {
			e.publishTyping(conv)
		}
	case *protocol.ReadReceipt:
		e.receipts.OnReceipt(body.MessageID, body.UserID)
		e.apply(e.rec.AddReceipt(conv, body.MessageID, body.UserID), reconcile.SourceChannel)
	case *protocol.ReactionEvent:
		if pe.Type == protocol.TypeReactionRemoved {
			e.apply(e.rec.RemoveReaction(conv, body.MessageID, body.UserID, body.Emoji, body.At), reconcile.SourceChannel)
		} else {
			e.apply(e.rec.AddReaction(conv, body.MessageID, body.UserID, body.Emoji, body.At), reconcile.SourceChannel)
		}
	case *protocol.MessageEdited:
		e.apply(e.rec.Edit(conv, body.MessageID, body.Content, body.EditedAt), reconcile.SourceChannel)
	case *protocol.MessageDeleted:
		e.apply(e.rec.Delete(conv, body.MessageID), reconcile.SourceChannel)
	}
}

func (e *Engine) onChannelState(change status.Change) {
	if change.ConversationID != e.current || e.current == "" {
		return
	}
	e.state = change.To
	e.bus.Emit(EventChannelState, ChannelState{ConversationID: change.ConversationID, State: change.To})

	switch change.To {
	case status.Live:
		e.stopPoll()
		if e.wasLive {
			// Catch up on whatever the channel missed while it was down.
			e.fetchHistory(e.current)
			e.refreshConversations()
		}
		e.wasLive = true
	case status.Reconnecting, status.Fallback:
		e.schedulePoll()
	}
}

// ingest is the single merge entry point for full message records.
func (e *Engine) ingest(m *model.Message, src reconcile.Source) {
	e.receipts.Observe(m)
	ch := e.rec.Ingest(m, src)
	if ch.Outcome == reconcile.Buffered && m.SenderID != e.cfg.Viewer {
		if e.convs.NoteIncoming(m.ConversationID, m.CreatedAt, m.Content) {
			e.bus.Emit(EventConversationsChanged, ConversationsChanged{})
		}
	}
	e.apply(ch, src)
}

// apply publishes the consequences of one reconciler change.
func (e *Engine) apply(ch reconcile.Change, src reconcile.Source) {
	e.obs.Merged(string(src), string(ch.Outcome))
	if ch.Conflict != nil {
		e.obs.Conflict()
	}
	if !ch.Changed() {
		return
	}
	if m := e.rec.Get(ch.ConversationID, ch.MessageID); m != nil && !m.Pending && !m.Failed {
		e.bus.Emit(EventMessageMerged, MessageMerged{Message: m})
	}
	e.bus.Emit(EventMessagesChanged, MessagesChanged{ConversationID: ch.ConversationID})
	e.refreshSummary(ch.ConversationID)
}

func (e *Engine) refreshSummary(conversationID string) {
	sum, ok := e.rec.Summary(conversationID)
	if !ok {
		return
	}
	if e.convs.ApplySummary(sum) {
		e.bus.Emit(EventConversationsChanged, ConversationsChanged{})
	}
}

// markReadIfNeeded confirms a message the viewer has now seen.
func (e *Engine) markReadIfNeeded(conversationID, messageID string) {
	m := e.rec.Get(conversationID, messageID)
	if m == nil || !e.receipts.MarkRead(m) {
		return
	}
	e.apply(e.rec.AddReceipt(conversationID, messageID, e.cfg.Viewer), reconcile.SourceLocal)
	e.goNet(func(ctx context.Context) func() {
		canonical, err := e.backend.MarkRead(ctx, conversationID, messageID)
		return func() {
			if err != nil {
				e.receipts.Unmark(messageID)
				e.notify("mark_read", conversationID, messageID, err)
				return
			}
			if canonical != nil {
				e.ingest(canonical, reconcile.SourceREST)
			}
		}
	})
}

func (e *Engine) typingExpired(conversationID string) {
	e.publishTyping(conversationID)
}

func (e *Engine) publishTyping(conversationID string) {
	e.bus.Emit(EventTypingChanged, TypingChanged{
		ConversationID: conversationID,
		Typists:        e.presence.Typing(conversationID),
	})
}

// notify logs err and publishes a notice when the user needs to know.
func (e *Engine) notify(op, conversationID, messageID string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	visible := syncerr.UserVisible(err) || errors.Is(err, syncerr.ErrTransportUnavailable)
	e.logger.Warn("operation failed",
		zap.String("op", op),
		zap.String("conversation_id", conversationID),
		zap.String("msg_id", messageID),
		zap.Bool("notice", visible),
		zap.Error(err))
	if !visible {
		return
	}
	e.obs.Notice(op)
	e.bus.Emit(EventNotice, syncerr.Notice{Op: op, ConversationID: conversationID, MessageID: messageID, Err: err})
}

// goNet runs work off the loop with a bounded context. The returned
// continuation, if any, is posted back onto the loop.
func (e *Engine) goNet(work func(ctx context.Context) func()) {
	parent := e.ctx
	e.loop.Go(func() {
		ctx, cancel := context.WithTimeout(parent, e.cfg.NetworkTimeout)
		defer cancel()
		cont := work(ctx)
		if cont != nil {
			e.loop.Post(cont)
		}
	})
}

// rest wraps a backend call for instrumentation.
func (e *Engine) rest(op string, err error) error {
	e.obs.RESTCall(op, err)
	if err != nil {
		return fmt.Errorf("rest %s: %w", op, err)
	}
	return nil
}
