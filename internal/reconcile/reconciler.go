// Package reconcile merges messages arriving from the realtime channel, REST
// responses and optimistic local sends into one ordered, deduplicated
// sequence per conversation. Every merge is idempotent and monotonic, so
// the result does not depend on which transport delivered what first.
package reconcile

import (
	"time"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source is the transport a record arrived on.
type Source string

const (
	SourceChannel Source = "channel"
	SourceREST    Source = "rest"
	SourceLocal   Source = "local"
)

// Outcome describes what an operation did to the merged state.
type Outcome string

const (
	Inserted  Outcome = "inserted"
	Updated   Outcome = "updated"
	Unchanged Outcome = "unchanged"
	Buffered  Outcome = "buffered"
	Parked    Outcome = "parked"
)

// Change is the result of one operation.
type Change struct {
	ConversationID string
	MessageID      string
	Outcome        Outcome
	// Replaced is the placeholder id an authoritative record took over.
	Replaced string
	// Conflict wraps syncerr.ErrMergeConflictIgnored when part of the
	// update was dropped to keep a monotonic field from regressing.
	Conflict error
	// Evicted counts buffered or parked ops dropped to stay within the
	// buffer bound.
	Evicted int
}

// Changed reports whether the merged sequence is different afterwards.
func (c Change) Changed() bool {
	return c.Outcome == Inserted || c.Outcome == Updated
}

// Summary is what the conversation list needs to know about a thread.
type Summary struct {
	ConversationID     string
	LastMessageAt      *time.Time
	LastMessagePreview string
	UnreadCount        int
	Count              int
}

// Config tunes a Reconciler.
type Config struct {
	Viewer      string        // current user id
	BufferLimit int           // ops kept per conversation that is not loaded
	MatchWindow time.Duration // placeholder correlation window
}

// PlaceholderPrefix starts every locally generated message id.
const PlaceholderPrefix = "tmp-"

// Reconciler owns the per-conversation message sequences. It is not safe
// for concurrent use; the engine drives it from its event loop.
type Reconciler struct {
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
	threads map[string]*thread
	buffers map[string][]op
}

// New creates a Reconciler. now supplies arrival time.
func New(cfg Config, now func() time.Time, logger *zap.Logger) *Reconciler {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = 200
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cfg:     cfg,
		now:     now,
		logger:  logger,
		threads: make(map[string]*thread),
		buffers: make(map[string][]op),
	}
}

// Load makes a conversation's thread available, replaying anything buffered
// while it was not loaded. Loading an already loaded conversation only
// clears its release time.
func (r *Reconciler) Load(conversationID string) []Change {
	t, ok := r.threads[conversationID]
	if !ok {
		t = newThread()
		r.threads[conversationID] = t
	}
	t.releasedAt = time.Time{}

	buffered := r.buffers[conversationID]
	delete(r.buffers, conversationID)
	var changes []Change
	for _, o := range buffered {
		changes = append(changes, r.apply(conversationID, t, o))
	}
	return changes
}

// Loaded reports whether the conversation has a thread.
func (r *Reconciler) Loaded(conversationID string) bool {
	_, ok := r.threads[conversationID]
	return ok
}

// Release records that the conversation is no longer viewed. Its state is
// kept so that returning to it does not need a re-fetch unless stale.
func (r *Reconciler) Release(conversationID string) {
	if t, ok := r.threads[conversationID]; ok {
		t.releasedAt = r.now()
	}
}

// MarkFetched records that a REST history fetch was merged. Deltas parked
// longer than the match window for messages the fetch did not return are
// expired.
func (r *Reconciler) MarkFetched(conversationID string) {
	t, ok := r.threads[conversationID]
	if !ok {
		return
	}
	t.fetched = true
	if n := t.expireParked(r.now().Add(-r.cfg.MatchWindow)); n > 0 {
		r.logger.Debug("expired parked deltas",
			zap.String("conversation_id", conversationID),
			zap.Int("count", n))
	}
}

// Parked returns the number of deltas waiting for their message.
func (r *Reconciler) Parked(conversationID string) int {
	if t, ok := r.threads[conversationID]; ok {
		return len(t.parked)
	}
	return 0
}

// Stale reports whether the conversation should be re-fetched: it was never
// fetched, or it was released longer than after ago.
func (r *Reconciler) Stale(conversationID string, after time.Duration) bool {
	t, ok := r.threads[conversationID]
	if !ok || !t.fetched {
		return true
	}
	return !t.releasedAt.IsZero() && r.now().Sub(t.releasedAt) > after
}

// Buffered returns the number of ops waiting for the conversation to load.
func (r *Reconciler) Buffered(conversationID string) int {
	return len(r.buffers[conversationID])
}

// Ingest merges a full message record.
func (r *Reconciler) Ingest(m *model.Message, src Source) Change {
	return r.submit(op{kind: opUpsert, conversationID: m.ConversationID, messageID: m.ID, msg: m.Clone(), src: src})
}

// Edit replaces a message's content if editedAt is newer than what is stored.
func (r *Reconciler) Edit(conversationID, messageID, content string, editedAt time.Time) Change {
	return r.submit(op{kind: opEdit, conversationID: conversationID, messageID: messageID, content: content, at: editedAt})
}

// Delete tombstones a message for everyone. Its position is kept.
func (r *Reconciler) Delete(conversationID, messageID string) Change {
	return r.submit(op{kind: opDelete, conversationID: conversationID, messageID: messageID})
}

// AddReaction adds the (userID, emoji) pair. at orders it against competing
// operations on the same pair; zero means arrival time.
func (r *Reconciler) AddReaction(conversationID, messageID, userID, emoji string, at time.Time) Change {
	return r.submit(op{kind: opReactAdd, conversationID: conversationID, messageID: messageID, userID: userID, emoji: emoji, at: at})
}

// RemoveReaction removes the (userID, emoji) pair.
func (r *Reconciler) RemoveReaction(conversationID, messageID, userID, emoji string, at time.Time) Change {
	return r.submit(op{kind: opReactRemove, conversationID: conversationID, messageID: messageID, userID: userID, emoji: emoji, at: at})
}

// AddReceipt records that userID has seen the message.
func (r *Reconciler) AddReceipt(conversationID, messageID, userID string) Change {
	return r.submit(op{kind: opReceipt, conversationID: conversationID, messageID: messageID, userID: userID})
}

// AddPlaceholder inserts an optimistic message authored by senderID. The
// conversation must be loaded.
func (r *Reconciler) AddPlaceholder(conversationID, senderID, content string) (*model.Message, bool) {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil, false
	}
	now := r.now()
	token := uuid.NewString()
	m := &model.Message{
		ID:             PlaceholderPrefix + token,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
		ClientID:       token,
		Pending:        true,
	}
	t.insert(m)
	t.sentAt[m.ID] = now
	return m.Clone(), true
}

// MarkFailed flags a pending placeholder as failed.
func (r *Reconciler) MarkFailed(conversationID, id string) Change {
	ch := Change{ConversationID: conversationID, MessageID: id, Outcome: Unchanged}
	t, ok := r.threads[conversationID]
	if !ok {
		return ch
	}
	m := t.byID[id]
	if m == nil || !m.Pending {
		return ch
	}
	m.Pending = false
	m.Failed = true
	ch.Outcome = Updated
	return ch
}

// Acknowledge records the server id a channel ack assigned to a pending
// placeholder, so the record that later arrives under that id takes the
// placeholder's place. When that record is already merged, the placeholder
// is retired at once.
func (r *Reconciler) Acknowledge(conversationID, placeholderID, serverID string) Change {
	ch := Change{ConversationID: conversationID, MessageID: serverID, Outcome: Unchanged}
	t, ok := r.threads[conversationID]
	if !ok || serverID == "" {
		return ch
	}
	ph := t.byID[placeholderID]
	if _, pending := t.sentAt[placeholderID]; !pending || ph == nil {
		return ch
	}
	stored := t.byID[serverID]
	if stored == nil {
		t.acked[serverID] = placeholderID
		return ch
	}
	stored.ReadBy, _ = model.UnionReaders(stored.ReadBy, ph.ReadBy)
	if stored.ClientID == "" {
		stored.ClientID = ph.ClientID
	}
	t.remove(ph)
	ch.Outcome = Updated
	ch.Replaced = ph.ID
	return ch
}

// Resend moves a failed placeholder back to pending and restarts its
// correlation window.
func (r *Reconciler) Resend(conversationID, id string) (*model.Message, bool) {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil, false
	}
	m := t.byID[id]
	if m == nil || !m.Failed {
		return nil, false
	}
	m.Failed = false
	m.Pending = true
	t.sentAt[id] = r.now()
	return m.Clone(), true
}

// Messages returns a copy of the conversation's ordered sequence.
func (r *Reconciler) Messages(conversationID string) []*model.Message {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]*model.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a copy of one message, or nil.
func (r *Reconciler) Get(conversationID, messageID string) *model.Message {
	t, ok := r.threads[conversationID]
	if !ok {
		return nil
	}
	if m := t.byID[messageID]; m != nil {
		return m.Clone()
	}
	return nil
}

// Summary derives the conversation list fields from a loaded thread.
func (r *Reconciler) Summary(conversationID string) (Summary, bool) {
	t, ok := r.threads[conversationID]
	if !ok {
		return Summary{}, false
	}
	s := Summary{ConversationID: conversationID, Count: len(t.msgs)}
	if n := len(t.msgs); n > 0 {
		last := t.msgs[n-1]
		at := last.CreatedAt
		s.LastMessageAt = &at
		s.LastMessagePreview = last.Content
	}
	for _, m := range t.msgs {
		if m.SenderID != r.cfg.Viewer && !m.Pending && !m.IsReadBy(r.cfg.Viewer) {
			s.UnreadCount++
		}
	}
	return s, true
}

func (r *Reconciler) submit(o op) Change {
	t, ok := r.threads[o.conversationID]
	if ok {
		return r.apply(o.conversationID, t, o)
	}
	buf := append(r.buffers[o.conversationID], o)
	evicted := 0
	if over := len(buf) - r.cfg.BufferLimit; over > 0 {
		evicted = over
		buf = append([]op(nil), buf[over:]...)
		r.logger.Warn("dropping buffered ops for unloaded conversation",
			zap.String("conversation_id", o.conversationID),
			zap.Int("dropped", over),
			zap.Int("limit", r.cfg.BufferLimit))
	}
	r.buffers[o.conversationID] = buf
	return Change{ConversationID: o.conversationID, MessageID: o.messageID, Outcome: Buffered, Evicted: evicted}
}
