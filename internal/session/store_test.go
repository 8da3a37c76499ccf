// ABOUTME: Tests for the session context store: turn ordering, TTL eviction, sweep, stats.
// ABOUTME: Time is injected so expiry paths run without sleeping.

package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTurn(query, response string) Turn {
	return Turn{
		Timestamp:     time.Now(),
		UserQuery:     query,
		AgentID:       "weather_agent",
		AgentResponse: response,
		Confidence:    0.9,
	}
}

func TestStore_AppendAndLastTurn(t *testing.T) {
	store := NewStore(DefaultTTL, discardLogger())

	_, ok := store.LastTurn("s1")
	assert.False(t, ok)

	store.AppendTurn("s1", testTurn("first", "one"))
	store.AppendTurn("s1", testTurn("second", "two"))

	last, ok := store.LastTurn("s1")
	require.True(t, ok)
	assert.Equal(t, "second", last.UserQuery)

	turns := store.Turns("s1")
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].UserQuery)
}

func TestStore_UnknownSessionIsNotAnError(t *testing.T) {
	store := NewStore(DefaultTTL, discardLogger())

	assert.Nil(t, store.Turns("never-seen"))
	_, ok := store.LastTurn("never-seen")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}

func TestStore_LazyEviction(t *testing.T) {
	store := NewStore(time.Hour, discardLogger())

	now := time.Now()
	store.nowFn = func() time.Time { return now }
	store.AppendTurn("s1", testTurn("old question", "old answer"))

	// Within the window the turn is visible.
	_, ok := store.LastTurn("s1")
	require.True(t, ok)

	// After the inactivity window, access finds nothing and the next write
	// starts a fresh session.
	now = now.Add(2 * time.Hour)
	_, ok = store.LastTurn("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())

	store.AppendTurn("s1", testTurn("new question", "new answer"))
	turns := store.Turns("s1")
	require.Len(t, turns, 1)
	assert.Equal(t, "new question", turns[0].UserQuery)
}

func TestStore_AccessRefreshesActivity(t *testing.T) {
	store := NewStore(time.Hour, discardLogger())

	now := time.Now()
	store.nowFn = func() time.Time { return now }
	store.AppendTurn("s1", testTurn("q", "a"))

	// Keep reading just inside the window; the session must stay alive well
	// past the original TTL.
	for i := 0; i < 3; i++ {
		now = now.Add(50 * time.Minute)
		_, ok := store.LastTurn("s1")
		require.True(t, ok)
	}
}

func TestStore_Sweep(t *testing.T) {
	store := NewStore(time.Hour, discardLogger())

	now := time.Now()
	store.nowFn = func() time.Time { return now }
	store.AppendTurn("stale-1", testTurn("q", "a"))
	store.AppendTurn("stale-2", testTurn("q", "a"))

	now = now.Add(90 * time.Minute)
	store.AppendTurn("fresh", testTurn("q", "a"))

	removed := store.Sweep()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 0, store.Sweep())
}

func TestStore_Stats(t *testing.T) {
	store := NewStore(DefaultTTL, discardLogger())

	store.AppendTurn("b", testTurn("q1", "a1"))
	store.AppendTurn("a", testTurn("q2", "a2"))
	store.AppendTurn("a", testTurn("q3", "a3"))

	stats := store.Stats()
	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 3, stats.TotalTurns)
	require.Len(t, stats.Sessions, 2)
	assert.Equal(t, "a", stats.Sessions[0].SessionID)
	assert.Equal(t, 2, stats.Sessions[0].TurnCount)
	assert.Equal(t, "b", stats.Sessions[1].SessionID)
}

func TestStore_ConcurrentSessionsDoNotInterleave(t *testing.T) {
	store := NewStore(DefaultTTL, discardLogger())

	const perSession = 50
	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				store.AppendTurn(id, testTurn(fmt.Sprintf("%s-q%d", id, i), "a"))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		turns := store.Turns(id)
		require.Len(t, turns, perSession)
		for i, turn := range turns {
			assert.Equal(t, fmt.Sprintf("%s-q%d", id, i), turn.UserQuery)
		}
	}
}

func TestStore_SweeperLifecycle(t *testing.T) {
	store := NewStore(DefaultTTL, discardLogger())

	require.NoError(t, store.StartSweeper("@every 1h"))
	store.Close()

	err := NewStore(DefaultTTL, discardLogger()).StartSweeper("not a schedule")
	assert.Error(t, err)
}
