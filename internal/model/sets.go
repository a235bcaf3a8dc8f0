package model

import (
	"slices"
	"strings"
)

func compareReaction(a, b Reaction) int {
	if c := strings.Compare(a.Emoji, b.Emoji); c != 0 {
		return c
	}
	return strings.Compare(a.UserID, b.UserID)
}

// AddReader inserts userID into the sorted set. Returns false if present.
func AddReader(set []string, userID string) ([]string, bool) {
	i, ok := slices.BinarySearch(set, userID)
	if ok {
		return set, false
	}
	return slices.Insert(set, i, userID), true
}

// UnionReaders merges b into a. Returns the merged set and whether a grew.
func UnionReaders(a, b []string) ([]string, bool) {
	grew := false
	for _, u := range b {
		var added bool
		a, added = AddReader(a, u)
		grew = grew || added
	}
	return a, grew
}

// AddReaction inserts r into the sorted set. Returns false if present.
func AddReaction(set []Reaction, r Reaction) ([]Reaction, bool) {
	i, ok := slices.BinarySearchFunc(set, r, compareReaction)
	if ok {
		return set, false
	}
	return slices.Insert(set, i, r), true
}

// RemoveReaction drops r from the sorted set. Returns false if absent.
func RemoveReaction(set []Reaction, r Reaction) ([]Reaction, bool) {
	i, ok := slices.BinarySearchFunc(set, r, compareReaction)
	if !ok {
		return set, false
	}
	return slices.Delete(set, i, i+1), true
}

// NormalizeReaders sorts and dedups a reader list from the wire.
func NormalizeReaders(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// NormalizeReactions sorts and dedups a reaction list from the wire.
func NormalizeReactions(in []Reaction) []Reaction {
	out := slices.Clone(in)
	slices.SortFunc(out, compareReaction)
	return slices.CompactFunc(out, func(a, b Reaction) bool { return compareReaction(a, b) == 0 })
}
