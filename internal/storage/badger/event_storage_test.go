package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/converge/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	dir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err, "failed to open badger store")
	t.Cleanup(func() { store.Close() })

	// High retry cap: correctness tests hammer single keys on purpose
	return &BadgerDB{store: store, logger: arbor.NewLogger(), txnRetries: 64}
}

func mustPayload(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "failed to marshal payload")
	return data
}

func TestEventAppend_SequentialIDs(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		evt, err := storage.Append(ctx, "run-1", models.EventStepStarted, mustPayload(t, map[string]int{"step": int(want)}))
		require.NoError(t, err)
		assert.Equal(t, want, evt.ID)
	}

	latest, err := storage.GetLatestEventID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest)
}

func TestEventAppend_ConcurrentAppenders(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	const goroutines = 6
	const perGoroutine = 5
	const total = goroutines * perGoroutine

	var wg sync.WaitGroup
	ids := make(chan uint64, total)
	errs := make(chan error, total)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				payload := []byte(fmt.Sprintf(`{"appender":%d,"n":%d}`, g, i))
				evt, err := storage.Append(ctx, "run-hot", models.EventStepStarted, payload)
				if err != nil {
					errs <- err
					return
				}
				ids <- evt.ID
			}
		}(g)
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err, "concurrent Append failed")
	}

	// Every id in 1..total assigned exactly once
	seen := make(map[uint64]bool, total)
	for id := range ids {
		require.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	require.Len(t, seen, total)
	for want := uint64(1); want <= total; want++ {
		assert.True(t, seen[want], "id %d never assigned", want)
	}

	latest, err := storage.GetLatestEventID(ctx, "run-hot")
	require.NoError(t, err)
	assert.Equal(t, uint64(total), latest)
}

func TestEventAppend_IndependentRunSequences(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	evtA, err := storage.Append(ctx, "run-a", models.EventRunStarted, mustPayload(t, "a"))
	require.NoError(t, err)
	evtA2, err := storage.Append(ctx, "run-a", models.EventStepStarted, mustPayload(t, "a2"))
	require.NoError(t, err)
	evtB, err := storage.Append(ctx, "run-b", models.EventRunStarted, mustPayload(t, "b"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), evtA.ID)
	assert.Equal(t, uint64(2), evtA2.ID)
	assert.Equal(t, uint64(1), evtB.ID, "sequences are per run")
}

func TestGetEventsAfter(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	types := []string{
		models.EventRunStarted,   // id 1
		models.EventTokenDelta,   // id 2
		models.EventStepStarted,  // id 3
		models.EventTokenDelta,   // id 4
		models.EventRunCompleted, // id 5
	}
	for i, typ := range types {
		_, err := storage.Append(ctx, "run-1", typ, mustPayload(t, i))
		require.NoError(t, err)
	}

	// Full replay with tokens
	all, err := storage.GetEventsAfter(ctx, "run-1", 0, true)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, event := range all {
		assert.Equal(t, uint64(i+1), event.ID, "events must replay in ascending id order")
	}

	// Replay resumes strictly after the given id
	after2, err := storage.GetEventsAfter(ctx, "run-1", 2, true)
	require.NoError(t, err)
	require.Len(t, after2, 3)
	assert.Equal(t, uint64(3), after2[0].ID)

	// Token filter drops token.* but keeps everything else
	filtered, err := storage.GetEventsAfter(ctx, "run-1", 0, false)
	require.NoError(t, err)
	require.Len(t, filtered, 3)
	for _, event := range filtered {
		assert.False(t, models.IsTokenEventType(event.Type), "token event %d leaked through filter", event.ID)
	}

	// Unknown run replays empty, not an error
	none, err := storage.GetEventsAfter(ctx, "run-unknown", 0, true)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetLatestEventID_EmptyRun(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())

	latest, err := storage.GetLatestEventID(context.Background(), "run-none")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest)
}

func TestGetEventCount(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := storage.Append(ctx, "run-1", models.EventJobCompleted, mustPayload(t, i))
		require.NoError(t, err)
	}
	_, err := storage.Append(ctx, "run-1", models.EventRunStarted, mustPayload(t, "x"))
	require.NoError(t, err)

	total, err := storage.GetEventCount(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	byType, err := storage.GetEventCount(ctx, "run-1", models.EventJobCompleted)
	require.NoError(t, err)
	assert.Equal(t, 3, byType)
}

func TestDeleteEventsForRun(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := storage.Append(ctx, "run-del", models.EventStepStarted, mustPayload(t, i))
		require.NoError(t, err)
	}
	_, err := storage.Append(ctx, "run-keep", models.EventRunStarted, mustPayload(t, "keep"))
	require.NoError(t, err)

	deleted, err := storage.DeleteEventsForRun(ctx, "run-del")
	require.NoError(t, err)
	assert.Equal(t, 4, deleted)

	remaining, err := storage.GetEventsAfter(ctx, "run-del", 0, true)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// Other runs untouched
	kept, err := storage.GetEventsAfter(ctx, "run-keep", 0, true)
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	// Sequence went with the events
	latest, err := storage.GetLatestEventID(ctx, "run-del")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest)
}

func TestEventAppend_RequiresRunAndType(t *testing.T) {
	db := newTestDB(t)
	storage := NewEventStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.Append(ctx, "", models.EventRunStarted, []byte("{}"))
	assert.Error(t, err, "Append with empty run ID should fail")

	_, err = storage.Append(ctx, "run-1", "", []byte("{}"))
	assert.Error(t, err, "Append with empty event type should fail")
}

func TestEventKeyOrderingAtScale(t *testing.T) {
	// Composite keys must sort lexicographically in id order even when the
	// id crosses digit-count boundaries.
	k9 := models.EventKey("run-1", 9)
	k10 := models.EventKey("run-1", 10)
	k100 := models.EventKey("run-1", 100)
	assert.True(t, k9 < k10 && k10 < k100, "event keys out of order: %s, %s, %s", k9, k10, k100)
	assert.Equal(t, fmt.Sprintf("%s_%020d", "run-1", uint64(9)), k9)
}
