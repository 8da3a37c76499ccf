// ABOUTME: In-memory session context store: per-conversation turn history with a TTL.
// ABOUTME: Lazy eviction on access plus an optional cron-scheduled sweep for memory bounding.

package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTTL is the inactivity window after which a session is evicted.
const DefaultTTL = 24 * time.Hour

// Turn is one completed exchange: the user's query as originally phrased and
// the agent's final assembled response. Turns are append-only.
type Turn struct {
	Timestamp     time.Time `json:"timestamp"`
	UserQuery     string    `json:"user_query"`
	AgentID       string    `json:"agent_id"`
	AgentResponse string    `json:"agent_response"`
	Confidence    float64   `json:"confidence"`
}

// session is owned exclusively by the Store. Its mutex serializes turn appends
// so concurrent requests for the same session cannot interleave turn ordering;
// requests for different sessions never touch each other's lock.
type session struct {
	mu         sync.Mutex
	turns      []Turn
	lastActive time.Time
}

// Info summarizes one live session for stats reporting.
type Info struct {
	SessionID  string    `json:"session_id"`
	TurnCount  int       `json:"turn_count"`
	LastActive time.Time `json:"last_active"`
}

// Stats is an aggregate snapshot of the store.
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	TotalTurns     int    `json:"total_turns"`
	Sessions       []Info `json:"sessions"`
}

// Store holds one session per session_id, created lazily on first use and
// evicted after the TTL of inactivity. Eviction is checked opportunistically
// on access; Sweep exists only to bound memory.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	ttl      time.Duration
	logger   *slog.Logger

	sweeper *cron.Cron
	nowFn   func() time.Time
}

// NewStore creates a session store with the given inactivity TTL.
// A non-positive ttl falls back to DefaultTTL.
func NewStore(ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		sessions: make(map[string]*session),
		ttl:      ttl,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// StartSweeper schedules periodic Sweep calls using a cron expression
// (descriptors like "@every 1h" are accepted). Correctness does not depend on
// the sweeper; it only bounds memory between accesses.
func (s *Store) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if removed := s.Sweep(); removed > 0 {
			s.logger.Info("swept expired sessions", "removed", removed)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	s.sweeper = c
	return nil
}

// Close stops the background sweeper, if one was started.
func (s *Store) Close() {
	if s.sweeper != nil {
		ctx := s.sweeper.Stop()
		<-ctx.Done()
		s.sweeper = nil
	}
}

// AppendTurn records a completed turn for the session, creating the session if
// needed. The append serializes on the session's own lock, never the map lock.
func (s *Store) AppendTurn(sessionID string, turn Turn) {
	sess := s.getOrCreate(sessionID)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.turns = append(sess.turns, turn)
	sess.lastActive = s.nowFn()
}

// LastTurn returns a copy of the session's most recent turn. The second result
// is false when the session is unknown, expired, or has no turns yet.
// Reading refreshes the session's activity window.
func (s *Store) LastTurn(sessionID string) (Turn, bool) {
	sess := s.lookup(sessionID)
	if sess == nil {
		return Turn{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.turns) == 0 {
		return Turn{}, false
	}
	sess.lastActive = s.nowFn()
	return sess.turns[len(sess.turns)-1], true
}

// Turns returns a copy of every turn recorded for the session, oldest first.
func (s *Store) Turns(sessionID string) []Turn {
	sess := s.lookup(sessionID)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]Turn, len(sess.turns))
	copy(out, sess.turns)
	return out
}

// Len returns the number of live (unexpired) sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFn()
	n := 0
	for _, sess := range s.sessions {
		if !s.expired(sess, now) {
			n++
		}
	}
	return n
}

// Sweep removes every expired session and returns how many were evicted.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Stats reports a snapshot of live sessions, sorted by session id for
// reproducible output.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFn()
	stats := Stats{Sessions: make([]Info, 0, len(s.sessions))}
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			continue
		}
		sess.mu.Lock()
		info := Info{SessionID: id, TurnCount: len(sess.turns), LastActive: sess.lastActive}
		sess.mu.Unlock()
		stats.ActiveSessions++
		stats.TotalTurns += info.TurnCount
		stats.Sessions = append(stats.Sessions, info)
	}
	sort.Slice(stats.Sessions, func(i, j int) bool {
		return stats.Sessions[i].SessionID < stats.Sessions[j].SessionID
	})
	return stats
}

// lookup returns the live session for id, or nil. Expired sessions are left in
// place for getOrCreate or Sweep to collect.
func (s *Store) lookup(sessionID string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || s.expired(sess, s.nowFn()) {
		return nil
	}
	return sess
}

// getOrCreate returns the live session for id, replacing an expired one with a
// fresh empty session.
func (s *Store) getOrCreate(sessionID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	if ok && !s.expired(sess, s.nowFn()) {
		s.mu.RUnlock()
		return sess
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok = s.sessions[sessionID]
	if ok && !s.expired(sess, s.nowFn()) {
		return sess
	}
	if ok {
		s.logger.Debug("evicting expired session", "session_id", sessionID)
	}
	sess = &session{lastActive: s.nowFn()}
	s.sessions[sessionID] = sess
	return sess
}

// expired reports whether the session's inactivity window has lapsed.
// Callers hold the map lock; the session lock guards lastActive.
func (s *Store) expired(sess *session, now time.Time) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return now.Sub(sess.lastActive) > s.ttl
}
