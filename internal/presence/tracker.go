// Package presence tracks who is typing. Entries expire on their own after
// a fixed timeout, so a dropped "stopped typing" signal never leaves a
// stale indicator behind.
package presence

import (
	"slices"
	"strings"
	"time"

	"github.com/campusnet/chatsync/internal/loop"
	"github.com/campusnet/chatsync/internal/model"
)

// DefaultTimeout is how long a typing signal stays visible.
const DefaultTimeout = 3 * time.Second

type entry struct {
	name      string
	expiresAt time.Time
	timer     loop.Timer
	gen       uint64
}

// Tracker owns the typing set of every conversation. It is not safe for
// concurrent use; timers must fire on the goroutine that drives it.
type Tracker struct {
	sched    loop.Scheduler
	self     string
	timeout  time.Duration
	onChange func(conversationID string)

	typing map[string]map[string]*entry
	gen    uint64
}

// New creates a Tracker. Signals from self are ignored. onChange, if set, is
// called whenever a conversation's typing set shrinks because of expiry.
func New(sched loop.Scheduler, self string, timeout time.Duration, onChange func(conversationID string)) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if onChange == nil {
		onChange = func(string) {}
	}
	return &Tracker{
		sched:    sched,
		self:     self,
		timeout:  timeout,
		onChange: onChange,
		typing:   make(map[string]map[string]*entry),
	}
}

// Signal applies a typing signal and reports whether the visible set
// changed. active=true (re)starts the user's expiry timer.
func (t *Tracker) Signal(conversationID, userID, displayName string, active bool) bool {
	if userID == "" || userID == t.self {
		return false
	}
	users := t.typing[conversationID]
	prev := users[userID]
	if !active {
		if prev == nil {
			return false
		}
		t.drop(conversationID, userID)
		return true
	}

	if users == nil {
		users = make(map[string]*entry)
		t.typing[conversationID] = users
	}
	if prev != nil {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	e := &entry{
		name:      displayName,
		expiresAt: t.sched.Now().Add(t.timeout),
		gen:       gen,
	}
	e.timer = t.sched.AfterFunc(t.timeout, func() { t.expire(conversationID, userID, gen) })
	users[userID] = e
	return prev == nil || prev.name != displayName
}

func (t *Tracker) expire(conversationID, userID string, gen uint64) {
	e := t.typing[conversationID][userID]
	if e == nil || e.gen != gen {
		return
	}
	t.drop(conversationID, userID)
	t.onChange(conversationID)
}

func (t *Tracker) drop(conversationID, userID string) {
	users := t.typing[conversationID]
	if e := users[userID]; e != nil {
		e.timer.Stop()
		delete(users, userID)
	}
	if len(users) == 0 {
		delete(t.typing, conversationID)
	}
}

// Typing returns the users currently typing, ordered by user id. Entries
// past their expiry are hidden even if their timer has not fired yet.
func (t *Tracker) Typing(conversationID string) []model.Typist {
	now := t.sched.Now()
	var out []model.Typist
	for id, e := range t.typing[conversationID] {
		if !now.Before(e.expiresAt) {
			continue
		}
		out = append(out, model.Typist{UserID: id, DisplayName: e.name, ExpiresAt: e.expiresAt})
	}
	slices.SortFunc(out, func(a, b model.Typist) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Clear drops every entry for the conversation and cancels their timers.
func (t *Tracker) Clear(conversationID string) {
	for id := range t.typing[conversationID] {
		t.drop(conversationID, id)
	}
}
