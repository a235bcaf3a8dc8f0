// Package convstore keeps the session's conversation list, sorted and
// filtered the way the conversation tabs present it.
package convstore

import (
	"fmt"
	"slices"
	"time"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/reconcile"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// Filter selects a conversation tab.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterGroup    Filter = "group"
	FilterPrivate  Filter = "private"
	FilterArchived Filter = "archived"
)

// ParseFilter validates a filter name. The empty string means FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterGroup, FilterPrivate, FilterArchived:
		return f, nil
	}
	return "", fmt.Errorf("unknown conversation filter %q", s)
}

// Store is the in-memory conversation arena. It is not safe for concurrent
// use; the engine drives it from its event loop.
type Store struct {
	logger *zap.Logger

	convs  map[string]*model.Conversation
	sorted []*model.Conversation

	// inconsistent holds ids whose kind and group reference disagree.
	inconsistent map[string]bool

	pending map[string]map[model.Flag]*Op
	seq     uint64
}

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:       logger,
		convs:        make(map[string]*model.Conversation),
		inconsistent: make(map[string]bool),
		pending:      make(map[string]map[model.Flag]*Op),
	}
}

// Upsert merges canonical records from the backend. Flags with an
// optimistic toggle in flight keep their local value, and last_message_at
// never moves backwards.
func (s *Store) Upsert(convs ...*model.Conversation) {
	for _, in := range convs {
		c := in.Clone()
		if prev, ok := s.convs[c.ID]; ok {
			if after(prev.LastMessageAt, c.LastMessageAt) {
				c.LastMessageAt = prev.LastMessageAt
				c.LastMessagePreview = prev.LastMessagePreview
			}
			for flag := range s.pending[c.ID] {
				c.Flags = c.Flags.With(flag, prev.Flags.Get(flag))
			}
		}
		s.convs[c.ID] = c
		s.check(c)
	}
	s.resort()
}

// check logs a kind/group disagreement once per conversation.
func (s *Store) check(c *model.Conversation) {
	ok := consistent(c)
	switch {
	case !ok && !s.inconsistent[c.ID]:
		s.inconsistent[c.ID] = true
		s.logger.Warn("conversation kind and group reference disagree",
			zap.String("conversation_id", c.ID),
			zap.String("kind", string(c.Kind)),
			zap.String("group_id", c.GroupID))
	case ok:
		delete(s.inconsistent, c.ID)
	}
}

func consistent(c *model.Conversation) bool {
	switch c.Kind {
	case model.KindGroup:
		return c.GroupID != ""
	case model.KindPrivate:
		return c.GroupID == ""
	}
	return false
}

// Get returns a copy of the conversation, or nil.
func (s *Store) Get(id string) *model.Conversation {
	if c, ok := s.convs[id]; ok {
		return c.Clone()
	}
	return nil
}

// Len returns the number of known conversations.
func (s *Store) Len() int { return len(s.convs) }

// List returns the conversations visible under filter, in sort order.
func (s *Store) List(filter Filter) []*model.Conversation {
	out := make([]*model.Conversation, 0, len(s.sorted))
	for _, c := range s.sorted {
		if s.matches(c, filter) {
			out = append(out, c.Clone())
		}
	}
	return out
}

func (s *Store) matches(c *model.Conversation, filter Filter) bool {
	switch filter {
	case FilterArchived:
		return c.Flags.Archived
	case FilterGroup:
		return !c.Flags.Archived && c.Kind == model.KindGroup && c.GroupID != ""
	case FilterPrivate:
		return !c.Flags.Archived && c.Kind == model.KindPrivate && c.GroupID == ""
	default:
		return !c.Flags.Archived
	}
}

// ApplySummary copies the fields the reconciler derives for a loaded
// conversation. It reports whether anything changed.
func (s *Store) ApplySummary(sum reconcile.Summary) bool {
	c, ok := s.convs[sum.ConversationID]
	if !ok {
		return false
	}
	changed := false
	if sum.LastMessageAt != nil && !after(c.LastMessageAt, sum.LastMessageAt) {
		if c.LastMessageAt == nil || !c.LastMessageAt.Equal(*sum.LastMessageAt) || c.LastMessagePreview != sum.LastMessagePreview {
			at := *sum.LastMessageAt
			c.LastMessageAt = &at
			c.LastMessagePreview = sum.LastMessagePreview
			changed = true
		}
	}
	if c.UnreadCount != sum.UnreadCount {
		c.UnreadCount = sum.UnreadCount
		changed = true
	}
	if changed {
		s.resort()
	}
	return changed
}

// NoteIncoming records a message for a conversation whose thread is not
// loaded: one more unread and a newer last message.
func (s *Store) NoteIncoming(conversationID string, at time.Time, preview string) bool {
	c, ok := s.convs[conversationID]
	if !ok {
		return false
	}
	c.UnreadCount++
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		c.LastMessageAt = &at
		c.LastMessagePreview = preview
	}
	s.resort()
	return true
}

// MarkRead zeroes the unread count.
func (s *Store) MarkRead(conversationID string) bool {
	c, ok := s.convs[conversationID]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	s.resort()
	return true
}

func (s *Store) lookup(id string) (*model.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, syncerr.ErrNotFound)
	}
	return c, nil
}

func (s *Store) resort() {
	s.sorted = s.sorted[:0]
	for _, c := range s.convs {
		s.sorted = append(s.sorted, c)
	}
	slices.SortFunc(s.sorted, compare)
}

// after reports whether a is strictly later than b. A nil time is earliest.
func after(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}
