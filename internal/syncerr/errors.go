// Package syncerr holds the error taxonomy shared by the sync engine.
// None of these are fatal: callers degrade to stale state and surface a
// Notice where the user needs to know.
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable means the realtime channel is down. Callers
	// fall back to REST and only surface it when REST fails too.
	ErrTransportUnavailable = errors.New("realtime transport unavailable")

	// ErrSendFailed marks a message send that failed on every transport.
	// The placeholder is marked failed and is not retried automatically.
	ErrSendFailed = errors.New("send failed")

	// ErrMergeConflictIgnored reports an update that would have regressed a
	// monotonic field. It is logged and dropped.
	ErrMergeConflictIgnored = errors.New("merge conflict ignored")

	// ErrUnauthorized is returned by the REST collaborator for 401/403.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned by the REST collaborator for 404.
	ErrNotFound = errors.New("not found")
)

// UserVisible reports whether err should be shown to the end user.
func UserVisible(err error) bool {
	return errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound)
}

// Notice is a user-visible failure published by the engine.
type Notice struct {
	Op             string
	ConversationID string
	MessageID      string
	Err            error
}

func (n Notice) Error() string {
	if n.MessageID != "" {
		return fmt.Sprintf("%s %s/%s: %v", n.Op, n.ConversationID, n.MessageID, n.Err)
	}
	if n.ConversationID != "" {
		return fmt.Sprintf("%s %s: %v", n.Op, n.ConversationID, n.Err)
	}
	return fmt.Sprintf("%s: %v", n.Op, n.Err)
}

func (n Notice) Unwrap() error { return n.Err }
