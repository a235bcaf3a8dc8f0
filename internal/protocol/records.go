package protocol

import (
	"time"

	"github.com/campusnet/chatsync/internal/model"
)

// Message is the wire form of a message, used by channel frames and REST.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name,omitempty"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedForAll  bool       `json:"deleted_for_all,omitempty"`
	ReadBy         []string   `json:"read_by,omitempty"`
	Reactions      []Reaction `json:"reactions,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
}

// Reaction is the wire form of a (user, emoji) pair.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ToModel converts a wire message, normalizing its sets.
func (m *Message) ToModel() *model.Message {
	out := &model.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		DeletedForAll:  m.DeletedForAll,
		ReadBy:         model.NormalizeReaders(m.ReadBy),
		ClientID:       m.ClientID,
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if out.DeletedForAll {
		out.Content = ""
	}
	rs := make([]model.Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		rs = append(rs, model.Reaction{UserID: r.UserID, Emoji: r.Emoji})
	}
	out.Reactions = model.NormalizeReactions(rs)
	return out
}

// MessageFromModel converts a model message to its wire form.
func MessageFromModel(m *model.Message) *Message {
	out := &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		DeletedForAll:  m.DeletedForAll,
		ReadBy:         m.ReadBy,
		ClientID:       m.ClientID,
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, Reaction{UserID: r.UserID, Emoji: r.Emoji})
	}
	return out
}

// Participant is the wire form of a conversation member.
type Participant struct {
	UserID      string    `json:"user_id"`
	JoinedAt    time.Time `json:"joined_at"`
	UnreadCount int       `json:"unread_count"`
}

// Conversation is the wire form of a conversation as returned by REST.
type Conversation struct {
	ID                 string        `json:"id"`
	Kind               string        `json:"kind"`
	GroupID            *string       `json:"group_id"`
	Title              string        `json:"title,omitempty"`
	Participants       []Participant `json:"participants,omitempty"`
	LastMessageAt      *time.Time    `json:"last_message_at"`
	LastMessagePreview string        `json:"last_message_preview,omitempty"`
	Pinned             bool          `json:"pinned"`
	Archived           bool          `json:"archived"`
	Favorite           bool          `json:"favorite"`
	Muted              bool          `json:"muted"`
	UnreadCount        int           `json:"unread_count"`
}

// ToModel converts a wire conversation. A null group_id becomes "".
func (c *Conversation) ToModel() *model.Conversation {
	out := &model.Conversation{
		ID:                 c.ID,
		Kind:               model.Kind(c.Kind),
		Title:              c.Title,
		LastMessagePreview: c.LastMessagePreview,
		Flags: model.Flags{
			Pinned:   c.Pinned,
			Archived: c.Archived,
			Favorite: c.Favorite,
			Muted:    c.Muted,
		},
		UnreadCount: max(c.UnreadCount, 0),
	}
	if c.GroupID != nil {
		out.GroupID = *c.GroupID
	}
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	for _, p := range c.Participants {
		out.Participants = append(out.Participants, model.Participant{
			UserID:      p.UserID,
			JoinedAt:    p.JoinedAt,
			UnreadCount: p.UnreadCount,
		})
	}
	return out
}
