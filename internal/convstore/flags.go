package convstore

import (
	"github.com/campusnet/chatsync/internal/model"
)

// Op is an optimistic flag change awaiting the backend's answer.
type Op struct {
	ConversationID string
	Flag           model.Flag
	Value          bool

	prev bool
	seq  uint64
}

// Toggle flips flag locally and returns the pending Op.
func (s *Store) Toggle(conversationID string, flag model.Flag) (*Op, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	return s.SetFlag(conversationID, flag, !c.Flags.Get(flag))
}

// SetFlag sets flag to value locally. The change is visible in List at
// once and stays until Confirm or Rollback.
func (s *Store) SetFlag(conversationID string, flag model.Flag, value bool) (*Op, error) {
	c, err := s.lookup(conversationID)
	if err != nil {
		return nil, err
	}
	s.seq++
	op := &Op{
		ConversationID: conversationID,
		Flag:           flag,
		Value:          value,
		prev:           c.Flags.Get(flag),
		seq:            s.seq,
	}
	if ops := s.pending[conversationID]; ops != nil {
		// A toggle on top of a pending one rolls back to the original value.
		if older := ops[flag]; older != nil {
			op.prev = older.prev
		}
	} else {
		s.pending[conversationID] = make(map[model.Flag]*Op)
	}
	s.pending[conversationID][flag] = op
	c.Flags = c.Flags.With(flag, value)
	s.resort()
	return op, nil
}

// Pending reports whether flag has an unconfirmed local change.
func (s *Store) Pending(conversationID string, flag model.Flag) bool {
	return s.pending[conversationID][flag] != nil
}

// Confirm settles op with the canonical record returned by the backend. A
// nil record keeps the optimistic value. If a newer toggle of the same flag
// is still in flight, that toggle keeps deciding the flag.
func (s *Store) Confirm(op *Op, canonical *model.Conversation) {
	s.settle(op)
	if canonical != nil {
		s.Upsert(canonical)
	}
}

// Rollback restores the value flag had before op. It is a no-op when a
// newer change to the same flag superseded op.
func (s *Store) Rollback(op *Op) {
	if !s.settle(op) {
		return
	}
	c, ok := s.convs[op.ConversationID]
	if !ok {
		return
	}
	c.Flags = c.Flags.With(op.Flag, op.prev)
	s.resort()
}

// settle clears op if it is the latest change to its flag.
func (s *Store) settle(op *Op) bool {
	ops := s.pending[op.ConversationID]
	if ops == nil || ops[op.Flag] == nil || ops[op.Flag].seq != op.seq {
		return false
	}
	delete(ops, op.Flag)
	if len(ops) == 0 {
		delete(s.pending, op.ConversationID)
	}
	return true
}
