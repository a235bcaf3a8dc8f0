package reconcile

import (
	"slices"
	"time"

	"github.com/campusnet/chatsync/internal/model"
)

// register is the last-writer-wins state of one (user, emoji) pair.
type register struct {
	present bool
	at      time.Time
}

// thread is the merged, ordered message sequence of one loaded conversation.
type thread struct {
	msgs []*model.Message
	byID map[string]*model.Message

	// sentAt is the local send time of each placeholder still in msgs.
	sentAt map[string]time.Time

	// acked maps a server id reported by a channel ack to its placeholder.
	acked map[string]string

	// parked holds deltas for message ids that have not arrived yet,
	// oldest first.
	parked []parkedOp

	registers map[string]map[model.Reaction]register

	fetched    bool
	releasedAt time.Time
}

func newThread() *thread {
	return &thread{
		byID:      make(map[string]*model.Message),
		sentAt:    make(map[string]time.Time),
		acked:     make(map[string]string),
		registers: make(map[string]map[model.Reaction]register),
	}
}

func (t *thread) insert(m *model.Message) {
	i, _ := slices.BinarySearchFunc(t.msgs, m, model.Compare)
	t.msgs = slices.Insert(t.msgs, i, m)
	t.byID[m.ID] = m
}

func (t *thread) remove(m *model.Message) {
	i, ok := slices.BinarySearchFunc(t.msgs, m, model.Compare)
	if ok && t.msgs[i] == m {
		t.msgs = slices.Delete(t.msgs, i, i+1)
	}
	delete(t.byID, m.ID)
	if _, ok := t.sentAt[m.ID]; ok {
		delete(t.sentAt, m.ID)
		for serverID, phID := range t.acked {
			if phID == m.ID {
				delete(t.acked, serverID)
			}
		}
	}
}

// matchPlaceholder finds the optimistic placeholder an authoritative record
// stands for. In order: the placeholder whose ack carried the record's id,
// an exact client id match, or else the oldest placeholder with the same
// sender and content that was sent within window of now and of the
// record's creation time. A record carrying some other client id never
// matches by content.
func (t *thread) matchPlaceholder(in *model.Message, now time.Time, window time.Duration) *model.Message {
	if len(t.sentAt) == 0 {
		return nil
	}
	if ph := t.byID[t.acked[in.ID]]; ph != nil {
		return ph
	}
	if in.ClientID != "" {
		for id := range t.sentAt {
			if ph := t.byID[id]; ph != nil && ph.ClientID == in.ClientID {
				return ph
			}
		}
	}
	var best *model.Message
	var bestAt time.Time
	for id, sent := range t.sentAt {
		ph := t.byID[id]
		if ph == nil || ph.SenderID != in.SenderID || ph.Content != in.Content {
			continue
		}
		if in.ClientID != "" && ph.ClientID != "" {
			continue
		}
		if now.Sub(sent) > window || (!in.CreatedAt.IsZero() && absDuration(in.CreatedAt.Sub(sent)) > window) {
			continue
		}
		if best == nil || sent.Before(bestAt) || (sent.Equal(bestAt) && ph.ID < best.ID) {
			best, bestAt = ph, sent
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (t *thread) register(messageID string, r model.Reaction) (register, bool) {
	regs := t.registers[messageID]
	if regs == nil {
		return register{}, false
	}
	reg, ok := regs[r]
	return reg, ok
}

func (t *thread) setRegister(messageID string, r model.Reaction, reg register) {
	regs := t.registers[messageID]
	if regs == nil {
		regs = make(map[model.Reaction]register)
		t.registers[messageID] = regs
	}
	regs[r] = reg
}

type parkedOp struct {
	op
	at time.Time
}

// park holds o until its message arrives. Past limit the oldest parked ops
// go first; park returns how many were evicted.
func (t *thread) park(o op, at time.Time, limit int) int {
	t.parked = append(t.parked, parkedOp{op: o, at: at})
	over := len(t.parked) - limit
	if over <= 0 {
		return 0
	}
	t.parked = append([]parkedOp(nil), t.parked[over:]...)
	return over
}

func (t *thread) unpark(messageID string) []op {
	var out []op
	kept := t.parked[:0]
	for _, p := range t.parked {
		if p.messageID == messageID {
			out = append(out, p.op)
		} else {
			kept = append(kept, p)
		}
	}
	t.parked = kept
	return out
}

// expireParked drops ops parked before cutoff.
func (t *thread) expireParked(cutoff time.Time) int {
	kept := t.parked[:0]
	for _, p := range t.parked {
		if !p.at.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	n := len(t.parked) - len(kept)
	t.parked = kept
	return n
}
