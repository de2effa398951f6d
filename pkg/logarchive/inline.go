package logarchive

import (
	"context"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// MaxInlineBytes is the largest log tail kept by InlineArchiver.
const MaxInlineBytes = 64 << 10

// InlinePrefix prefixes references returned by InlineArchiver.
const InlinePrefix = "inline:"

// LogStore persists run logs in the database.
type LogStore interface {
	SaveRunLog(ctx context.Context, runID, content string, truncated bool) error
}

// InlineArchiver keeps the trailing MaxInlineBytes of each log in the database.
type InlineArchiver struct {
	store  LogStore
	logger zerolog.Logger
}

// NewInlineArchiver creates an inline archiver.
func NewInlineArchiver(store LogStore, logger zerolog.Logger) *InlineArchiver {
	return &InlineArchiver{
		store:  store,
		logger: logger.With().Str("component", "log-archive").Str("kind", string(KindInline)).Logger(),
	}
}

// Archive stores the tail of logs and returns "inline:<run id>".
func (a *InlineArchiver) Archive(ctx context.Context, runID string, logs string) (string, error) {
	content, truncated := Tail(logs, MaxInlineBytes)
	if err := a.store.SaveRunLog(ctx, runID, content, truncated); err != nil {
		return "", err
	}
	if truncated {
		a.logger.Debug().
			Str("run_id", runID).
			Int("size", len(logs)).
			Int("kept", len(content)).
			Msg("Run log truncated")
	}
	return InlinePrefix + runID, nil
}

// Tail returns at most max trailing bytes of s, starting on a rune boundary,
// and whether anything was cut.
func Tail(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:], true
}
