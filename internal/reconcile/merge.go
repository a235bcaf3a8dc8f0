package reconcile

import (
	"fmt"
	"time"

	"github.com/campusnet/chatsync/internal/model"
	"github.com/campusnet/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

type opKind int

const (
	opUpsert opKind = iota
	opEdit
	opDelete
	opReactAdd
	opReactRemove
	opReceipt
)

// op is one buffered or parked mutation.
type op struct {
	kind           opKind
	conversationID string
	messageID      string
	msg            *model.Message
	src            Source
	userID         string
	emoji          string
	content        string
	at             time.Time
}

func (r *Reconciler) apply(conversationID string, t *thread, o op) Change {
	if o.kind == opUpsert {
		return r.upsert(conversationID, t, o.msg, o.src)
	}
	ch := Change{ConversationID: conversationID, MessageID: o.messageID, Outcome: Unchanged}
	m := t.byID[o.messageID]
	if m == nil {
		if o.at.IsZero() && (o.kind == opReactAdd || o.kind == opReactRemove || o.kind == opEdit) {
			o.at = r.now()
		}
		ch.Outcome = Parked
		if ch.Evicted = t.park(o, r.now(), r.cfg.BufferLimit); ch.Evicted > 0 {
			r.logger.Warn("dropping parked deltas",
				zap.String("conversation_id", conversationID),
				zap.Int("dropped", ch.Evicted),
				zap.Int("limit", r.cfg.BufferLimit))
		}
		return ch
	}

	switch o.kind {
	case opEdit:
		ch.Conflict = r.edit(m, o.content, o.at, &ch)
	case opDelete:
		if !m.DeletedForAll {
			m.DeletedForAll = true
			m.Content = ""
			ch.Outcome = Updated
		}
	case opReactAdd, opReactRemove:
		if r.react(t, m, o) {
			ch.Outcome = Updated
		}
	case opReceipt:
		var added bool
		m.ReadBy, added = model.AddReader(m.ReadBy, o.userID)
		if added {
			ch.Outcome = Updated
		}
	}
	r.logConflict(ch)
	return ch
}

func (r *Reconciler) edit(m *model.Message, content string, at time.Time, ch *Change) error {
	if at.IsZero() {
		at = r.now()
	}
	if m.DeletedForAll {
		return conflict(m.ID, "edit of deleted message")
	}
	if m.EditedAt != nil && !at.After(*m.EditedAt) {
		if at.Equal(*m.EditedAt) && content == m.Content {
			return nil
		}
		return conflict(m.ID, "edit older than stored edited_at")
	}
	m.Content = content
	m.EditedAt = &at
	ch.Outcome = Updated
	return nil
}

// react applies a reaction delta under the pair's last-writer-wins register.
// On equal timestamps removal wins so that every order converges.
func (r *Reconciler) react(t *thread, m *model.Message, o op) bool {
	at := o.at
	if at.IsZero() {
		at = r.now()
	}
	present := o.kind == opReactAdd
	pair := model.Reaction{UserID: o.userID, Emoji: o.emoji}
	if reg, ok := t.register(m.ID, pair); ok {
		if at.Before(reg.at) || (at.Equal(reg.at) && present && !reg.present) {
			return false
		}
	}
	t.setRegister(m.ID, pair, register{present: present, at: at})

	var changed bool
	if present {
		m.Reactions, changed = model.AddReaction(m.Reactions, pair)
	} else {
		m.Reactions, changed = model.RemoveReaction(m.Reactions, pair)
	}
	return changed
}

func (r *Reconciler) upsert(conversationID string, t *thread, in *model.Message, src Source) Change {
	ch := Change{ConversationID: conversationID, MessageID: in.ID, Outcome: Unchanged}

	if existing := t.byID[in.ID]; existing != nil {
		changed, err := r.merge(t, existing, in)
		if changed {
			ch.Outcome = Updated
		}
		ch.Conflict = err
		r.logConflict(ch)
		return ch
	}

	in.Pending = false
	in.Failed = false
	if ph := t.matchPlaceholder(in, r.now(), r.cfg.MatchWindow); ph != nil {
		in.ReadBy, _ = model.UnionReaders(in.ReadBy, ph.ReadBy)
		if in.ClientID == "" {
			in.ClientID = ph.ClientID
		}
		t.remove(ph)
		ch.Replaced = ph.ID
		r.logger.Debug("placeholder reconciled",
			zap.String("conversation_id", conversationID),
			zap.String("placeholder_id", ph.ID),
			zap.String("msg_id", in.ID),
			zap.String("source", string(src)))
	}
	if in.DeletedForAll {
		in.Content = ""
	}
	in.Reactions = r.filterGoverned(t, in.ID, in.Reactions)
	t.insert(in)
	ch.Outcome = Inserted

	for _, o := range t.unpark(in.ID) {
		sub := r.apply(conversationID, t, o)
		if sub.Conflict != nil && ch.Conflict == nil {
			ch.Conflict = sub.Conflict
		}
	}
	return ch
}

// merge folds an incoming record into a stored one without letting any
// monotonic field regress.
func (r *Reconciler) merge(t *thread, stored, in *model.Message) (bool, error) {
	changed := false
	var conflictErr error
	note := func(what string) {
		if conflictErr == nil {
			conflictErr = conflict(stored.ID, what)
		}
	}

	if !in.CreatedAt.IsZero() && !in.CreatedAt.Equal(stored.CreatedAt) {
		note("created_at is immutable")
	}

	switch {
	case in.DeletedForAll && !stored.DeletedForAll:
		stored.DeletedForAll = true
		stored.Content = ""
		changed = true
	case !in.DeletedForAll && stored.DeletedForAll:
		note("deleted_for_all cannot be cleared")
	}

	if !stored.DeletedForAll {
		switch {
		case newer(in.EditedAt, stored.EditedAt):
			stored.Content = in.Content
			t := *in.EditedAt
			stored.EditedAt = &t
			changed = true
		case newer(stored.EditedAt, in.EditedAt):
			note("edited_at older than stored")
		case in.Content != stored.Content:
			note("content differs at the same edit version")
		}
	}

	var grew bool
	stored.ReadBy, grew = model.UnionReaders(stored.ReadBy, in.ReadBy)
	changed = changed || grew

	for _, pair := range r.filterGoverned(t, stored.ID, in.Reactions) {
		var added bool
		stored.Reactions, added = model.AddReaction(stored.Reactions, pair)
		changed = changed || added
	}

	if stored.Pending || stored.Failed {
		stored.Pending = false
		stored.Failed = false
		changed = true
	}
	if stored.SenderName == "" && in.SenderName != "" {
		stored.SenderName = in.SenderName
		changed = true
	}
	if stored.ClientID == "" && in.ClientID != "" {
		stored.ClientID = in.ClientID
	}
	return changed, conflictErr
}

// filterGoverned drops pairs whose state is decided by an explicit delta.
func (r *Reconciler) filterGoverned(t *thread, messageID string, pairs []model.Reaction) []model.Reaction {
	if len(t.registers[messageID]) == 0 {
		return pairs
	}
	out := pairs[:0:0]
	for _, p := range pairs {
		if _, ok := t.register(messageID, p); !ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Reconciler) logConflict(ch Change) {
	if ch.Conflict == nil {
		return
	}
	r.logger.Info("merge conflict ignored",
		zap.String("conversation_id", ch.ConversationID),
		zap.String("msg_id", ch.MessageID),
		zap.Error(ch.Conflict))
}

func newer(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	return b == nil || a.After(*b)
}

func conflict(messageID, what string) error {
	return fmt.Errorf("%w: message %s: %s", syncerr.ErrMergeConflictIgnored, messageID, what)
}
