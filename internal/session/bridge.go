// ABOUTME: Context bridge: rewrites follow-up requests that lean on a prior turn.
// ABOUTME: Detects referring expressions and appends bracketed context; never blocks or fails.

package session

import (
	"fmt"
	"log/slog"
	"regexp"
)

// referringExpr matches the fixed set of referring expressions as whole words,
// case-insensitively. This is a best-effort heuristic, not a coreference
// resolver; the list is tunable, not a correctness contract.
var referringExpr = regexp.MustCompile(`(?i)\b(?:it|that|this|they|them|the above|the previous|the data)\b`)

// Truncation bounds for the enrichment suffix.
const (
	maxPriorQueryChars      = 200
	DefaultMaxResponseChars = 150
)

// Bridge resolves cross-turn references before a request reaches the scorer.
type Bridge struct {
	store            *Store
	maxResponseChars int
	logger           *slog.Logger
}

// NewBridge creates a Bridge over the given store. maxResponseChars bounds the
// prior-response excerpt in the enrichment suffix; non-positive values fall
// back to DefaultMaxResponseChars.
func NewBridge(store *Store, maxResponseChars int, logger *slog.Logger) *Bridge {
	if maxResponseChars <= 0 {
		maxResponseChars = DefaultMaxResponseChars
	}
	return &Bridge{store: store, maxResponseChars: maxResponseChars, logger: logger}
}

// Enrich returns the query to forward downstream. When the query contains a
// referring expression and the session has at least one prior turn, the query
// gains a bracketed context suffix; the original text is always preserved as
// the prefix so literal keyword matching still works. In every other case the
// query passes through unchanged. Enrich never fails.
func (b *Bridge) Enrich(sessionID, query string) (string, bool) {
	if sessionID == "" || !referringExpr.MatchString(query) {
		return query, false
	}

	last, ok := b.store.LastTurn(sessionID)
	if !ok {
		// Referring expression with no context to inject: forward as-is.
		return query, false
	}

	enriched := fmt.Sprintf("%s [Context: Previous query was '%s' with response about: %s]",
		query,
		truncate(last.UserQuery, maxPriorQueryChars),
		truncate(last.AgentResponse, b.maxResponseChars),
	)
	b.logger.Debug("enriched query with prior turn",
		"session_id", sessionID,
		"prior_agent", last.AgentID,
	)
	return enriched, true
}

// truncate shortens s to at most max runes, appending "..." when it cuts.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
