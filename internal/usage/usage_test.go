package usage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsPerModelAndAgent(t *testing.T) {
	tr := NewTracker(nil)

	tr.Record(Event{RequestID: "r1", Agent: "coder", Model: "coder-7b", LatencyMs: 800, Tokens: 120, Success: true})
	tr.Record(Event{RequestID: "r2", Agent: "coder", Model: "coder-7b", LatencyMs: 400, Tokens: 80, Success: true})
	tr.Record(Event{RequestID: "r3", Agent: "chatty", Model: "chat-3b", LatencyMs: 200, Tokens: 20, Success: false, FallbackUsed: true})

	s := tr.Snapshot()
	assert.Equal(t, int64(3), s.TotalRequests)
	assert.Equal(t, int64(1), s.TotalFailures)

	coder := s.Models["coder-7b"]
	assert.Equal(t, int64(2), coder.Requests)
	assert.Equal(t, int64(0), coder.Failures)
	assert.InDelta(t, 600.0, coder.AvgLatencyMs, 1e-9)
	assert.Equal(t, int64(200), coder.Tokens)

	chat := s.Models["chat-3b"]
	assert.Equal(t, int64(1), chat.Failures)
	assert.Equal(t, int64(1), chat.Fallbacks)

	assert.Equal(t, int64(2), s.Agents["coder"].Requests)
	assert.Equal(t, int64(1), s.Agents["chatty"].Requests)
}

func TestTrackerConcurrentRecord(t *testing.T) {
	tr := NewTracker(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(Event{Agent: "a", Model: "m", LatencyMs: 10, Tokens: 1, Success: true})
		}()
	}
	wg.Wait()

	s := tr.Snapshot()
	assert.Equal(t, int64(50), s.TotalRequests)
	assert.Equal(t, int64(50), s.Models["m"].Requests)
	assert.Equal(t, int64(50), s.Agents["a"].Requests)
}

func TestTopModels(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 3; i++ {
		tr.Record(Event{Model: "busy", Agent: "a", Success: true})
	}
	tr.Record(Event{Model: "idle", Agent: "a", Success: true})

	assert.Equal(t, []string{"busy", "idle"}, tr.TopModels())
}

func TestStorePersistsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	tr := NewTracker(store)
	tr.Record(Event{
		RequestID: "req-1",
		Agent:     "coder",
		Model:     "coder-7b",
		LatencyMs: 500,
		Tokens:    64,
		Retries:   1,
		Success:   true,
		Timestamp: time.Now(),
	})
	tr.Record(Event{RequestID: "req-2", Agent: "coder", Model: "coder-7b", Success: false})

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Insert(Event{RequestID: "r", Timestamp: time.Now()}))
	require.NoError(t, store.Close())

	// Reopening keeps the existing rows.
	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
