package session

import (
	"os"
	"strings"

	"github.com/campusnet/chatsync/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv names the session when no --session flag is given.
const SessionEnv = "CHATSYNC_SESSION"

// Source records which setting chose the session name.
type Source string

const (
	FromFlag    Source = "--session"
	FromEnv     Source = "$" + SessionEnv
	FromConfig  Source = "default_session"
	FromDefault Source = "built-in default"
)

// Resolve picks the session name: the flag value, then $CHATSYNC_SESSION,
// then default_session in config.toml, then "main". Blank values are
// skipped. An unreadable config file counts as unset.
func Resolve(flagValue string) (string, Source) {
	if name := strings.TrimSpace(flagValue); name != "" {
		return name, FromFlag
	}
	if name := strings.TrimSpace(os.Getenv(SessionEnv)); name != "" {
		return name, FromEnv
	}
	if cfg, err := config.Load(ConfigPath()); err == nil {
		if name := strings.TrimSpace(cfg.DefaultSession); name != "" {
			return name, FromConfig
		}
	}
	return DefaultSessionName, FromDefault
}
