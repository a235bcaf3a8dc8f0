package convstore

import (
	"cmp"
	"strings"

	"github.com/campusnet/chatsync/internal/model"
)

// compare orders the list: pinned first, then conversations with unread
// messages (higher count first), then most recent activity, then id.
func compare(a, b *model.Conversation) int {
	if a.Flags.Pinned != b.Flags.Pinned {
		if a.Flags.Pinned {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(b.UnreadCount, a.UnreadCount); c != 0 {
		return c
	}
	switch {
	case after(a.LastMessageAt, b.LastMessageAt):
		return -1
	case after(b.LastMessageAt, a.LastMessageAt):
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
