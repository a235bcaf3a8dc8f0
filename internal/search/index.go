package search

import (
	"context"
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/campusnet/chatsync/internal/model"
)

// Hit is one search result.
type Hit struct {
	ConversationID string
	MessageID      string
	SenderID       string
	SenderName     string
	Content        string
	CreatedAt      time.Time
	Snippet        string
}

const snippetRadius = 32

// Put indexes the merged state of m. Tombstones and placeholders are
// removed from the index instead.
func (x *Index) Put(ctx context.Context, m *model.Message) error {
	if m.DeletedForAll || m.Pending || m.Failed || m.Content == "" {
		return x.Delete(ctx, m.ConversationID, m.ID)
	}
	var edited sql.NullInt64
	if m.EditedAt != nil {
		edited = sql.NullInt64{Int64: m.EditedAt.UnixMilli(), Valid: true}
	}
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, sender_id, sender_name, content, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, message_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			edited_at = excluded.edited_at`,
		m.ConversationID, m.ID, m.SenderID, m.SenderName, m.Content, m.CreatedAt.UnixMilli(), edited)
	return err
}

// Delete removes one message.
func (x *Index) Delete(ctx context.Context, conversationID, messageID string) error {
	_, err := x.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND message_id = ?`,
		conversationID, messageID)
	return err
}

// Count returns the number of indexed messages.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Search returns messages whose content contains query, ignoring case,
// newest first. An empty conversationID searches every conversation.
func (x *Index) Search(ctx context.Context, query, conversationID string, limit int) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT conversation_id, message_id, sender_id, sender_name, content, created_at
		FROM messages
		WHERE content LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY created_at DESC, message_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var created int64
		if err := rows.Scan(&h.ConversationID, &h.MessageID, &h.SenderID, &h.SenderName, &h.Content, &created); err != nil {
			return nil, err
		}
		h.CreatedAt = time.UnixMilli(created).UTC()
		h.Snippet = snippet(h.Content, query)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet cuts content around the first match and marks it with << >>.
func snippet(content, query string) string {
	lower := strings.ToLower(content)
	i := strings.Index(lower, strings.ToLower(query))
	if i < 0 || len(lower) != len(content) {
		return content
	}
	j := i + len(query)
	start, end := i, j
	for n := 0; n < snippetRadius && start > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(content[:start])
		start -= size
	}
	for n := 0; n < snippetRadius && end < len(content); n++ {
		_, size := utf8.DecodeRuneInString(content[end:])
		end += size
	}
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:i])
	b.WriteString("<<")
	b.WriteString(content[i:j])
	b.WriteString(">>")
	b.WriteString(content[j:end])
	if end < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
