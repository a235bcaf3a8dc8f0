// Package receipts aggregates read receipts and decides when the viewer's
// own read confirmation goes out.
package receipts

import (
	"github.com/campusnet/chatsync/internal/model"
)

// Aggregator is not safe for concurrent use.
type Aggregator struct {
	viewer string
	readBy map[string][]string
	marked map[string]bool
}

// New creates an Aggregator for the given viewer.
func New(viewer string) *Aggregator {
	return &Aggregator{
		viewer: viewer,
		readBy: make(map[string][]string),
		marked: make(map[string]bool),
	}
}

// OnReceipt records that userID has read the message. Receipts only add.
func (a *Aggregator) OnReceipt(messageID, userID string) bool {
	if messageID == "" || userID == "" {
		return false
	}
	var added bool
	a.readBy[messageID], added = model.AddReader(a.readBy[messageID], userID)
	return added
}

// Observe seeds the readers from a message record.
func (a *Aggregator) Observe(m *model.Message) bool {
	if len(m.ReadBy) == 0 {
		return false
	}
	var grew bool
	a.readBy[m.ID], grew = model.UnionReaders(a.readBy[m.ID], m.ReadBy)
	return grew
}

// ReadBy returns the known readers of a message.
func (a *Aggregator) ReadBy(messageID string) []string {
	return append([]string(nil), a.readBy[messageID]...)
}

// MarkRead reports whether a read confirmation should be sent for m. It
// returns true at most once per message id, and never for the viewer's own
// messages or for placeholders.
func (a *Aggregator) MarkRead(m *model.Message) bool {
	if m.SenderID == a.viewer || m.Pending || m.Failed || a.marked[m.ID] {
		return false
	}
	a.marked[m.ID] = true
	return true
}

// Unmark lets a later MarkRead for messageID fire again, after the
// confirmation could not be delivered.
func (a *Aggregator) Unmark(messageID string) {
	delete(a.marked, messageID)
}

// Mark derives the seen indicator: double when the viewer sent the message
// and someone has read it, single otherwise.
func (a *Aggregator) Mark(m *model.Message) model.Mark {
	if m.SenderID != a.viewer {
		return model.MarkSingle
	}
	if len(a.readBy[m.ID]) > 0 || len(m.ReadBy) > 0 {
		return model.MarkDouble
	}
	return model.MarkSingle
}
