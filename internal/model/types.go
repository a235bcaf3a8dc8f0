package model

import (
	"slices"
	"strings"
	"time"
)

// Kind distinguishes private conversations from group-bound ones.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

// Participant is a member of a conversation.
type Participant struct {
	UserID      string
	JoinedAt    time.Time
	UnreadCount int
}

// Flags are the independently togglable per-conversation booleans.
type Flags struct {
	Pinned   bool
	Archived bool
	Favorite bool
	Muted    bool
}

// Flag names one of the Flags fields.
type Flag string

const (
	FlagPinned   Flag = "pinned"
	FlagArchived Flag = "archived"
	FlagFavorite Flag = "favorite"
	FlagMuted    Flag = "muted"
)

// ParseFlag validates a flag name.
func ParseFlag(s string) (Flag, bool) {
	switch f := Flag(strings.ToLower(s)); f {
	case FlagPinned, FlagArchived, FlagFavorite, FlagMuted:
		return f, true
	}
	return "", false
}

// Get returns the value of flag f.
func (fl Flags) Get(f Flag) bool {
	switch f {
	case FlagPinned:
		return fl.Pinned
	case FlagArchived:
		return fl.Archived
	case FlagFavorite:
		return fl.Favorite
	case FlagMuted:
		return fl.Muted
	}
	return false
}

// With returns a copy of fl with flag f set to v.
func (fl Flags) With(f Flag, v bool) Flags {
	switch f {
	case FlagPinned:
		fl.Pinned = v
	case FlagArchived:
		fl.Archived = v
	case FlagFavorite:
		fl.Favorite = v
	case FlagMuted:
		fl.Muted = v
	}
	return fl
}

// Conversation is a thread between two or more participants.
// GroupID is empty when the conversation has no group reference.
type Conversation struct {
	ID                 string
	Kind               Kind
	GroupID            string
	Title              string
	Participants       []Participant
	LastMessageAt      *time.Time
	LastMessagePreview string
	Flags              Flags
	UnreadCount        int
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return &out
}

// Reaction is one (user, emoji) pair on a message.
type Reaction struct {
	UserID string
	Emoji  string
}

// Message is a single message in a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      time.Time
	EditedAt       *time.Time
	DeletedForAll  bool
	ReadBy         []string   // sorted, unique
	Reactions      []Reaction // sorted by emoji then user, unique
	ClientID       string     // correlation token of an optimistic send
	Pending        bool
	Failed         bool
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	out := *m
	out.ReadBy = slices.Clone(m.ReadBy)
	out.Reactions = slices.Clone(m.Reactions)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return &out
}

// Before reports whether m sorts before o in conversation order:
// created_at ascending, id as tiebreak.
func (m *Message) Before(o *Message) bool {
	return Compare(m, o) < 0
}

// Compare orders messages by (CreatedAt, ID).
func Compare(a, b *Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// HasReaction reports whether the (user, emoji) pair is present.
func (m *Message) HasReaction(userID, emoji string) bool {
	_, ok := slices.BinarySearchFunc(m.Reactions, Reaction{UserID: userID, Emoji: emoji}, compareReaction)
	return ok
}

// IsReadBy reports whether userID is in ReadBy.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := slices.BinarySearch(m.ReadBy, userID)
	return ok
}

// Mark is the derived "seen" indicator of a message.
type Mark string

const (
	MarkSingle Mark = "single"
	MarkDouble Mark = "double"
)

// Typist is a user currently typing in a conversation.
type Typist struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time
}
