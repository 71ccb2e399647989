package broker

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestOutbox(t *testing.T, path string) *Outbox {
	t.Helper()
	ob, err := OpenOutbox(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })
	return ob
}

// TestOutboxDrainOrder tests that buffered publishes replay in enqueue order
func TestOutboxDrainOrder(t *testing.T) {
	ob := openTestOutbox(t, filepath.Join(t.TempDir(), "outbox.db"))

	subjects := []string{"events.a.one", "events.a.two", "events.a.three"}
	for i, s := range subjects {
		require.NoError(t, ob.Append(s, []byte{byte(i)}))
	}

	n, err := ob.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var replayed []string
	drained, err := ob.Drain(func(subject string, data []byte) error {
		replayed = append(replayed, subject)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, drained)
	assert.Equal(t, subjects, replayed)

	n, err = ob.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestOutboxDrainStopsOnError tests that a failed replay keeps the remainder
// buffered in order
func TestOutboxDrainStopsOnError(t *testing.T) {
	ob := openTestOutbox(t, filepath.Join(t.TempDir(), "outbox.db"))

	require.NoError(t, ob.Append("events.a.one", nil))
	require.NoError(t, ob.Append("events.a.two", nil))
	require.NoError(t, ob.Append("events.a.three", nil))

	calls := 0
	drained, err := ob.Drain(func(subject string, data []byte) error {
		calls++
		if calls == 2 {
			return errors.New("transport down")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, drained)

	// The failed record and its successor are still queued, in order.
	var rest []string
	drained, err = ob.Drain(func(subject string, data []byte) error {
		rest = append(rest, subject)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, drained)
	assert.Equal(t, []string{"events.a.two", "events.a.three"}, rest)
}

// TestOutboxSurvivesReopen tests persistence across process restarts
func TestOutboxSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	ob, err := OpenOutbox(path)
	require.NoError(t, err)
	require.NoError(t, ob.Append("events.persist.x", []byte("payload")))
	require.NoError(t, ob.Close())

	ob = openTestOutbox(t, path)
	var got [][]byte
	_, err = ob.Drain(func(subject string, data []byte) error {
		got = append(got, data)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("payload"), got[0])
}

// TestOutboxScan tests that inspection leaves the buffer untouched
func TestOutboxScan(t *testing.T) {
	ob := openTestOutbox(t, filepath.Join(t.TempDir(), "outbox.db"))

	require.NoError(t, ob.Append("events.a.one", []byte("xy")))
	require.NoError(t, ob.Append("events.a.two", []byte("xyz")))

	var seqs []uint64
	var sizes []int
	before := time.Now().Add(-time.Minute)
	err := ob.Scan(func(seq uint64, subject string, enqueuedAt time.Time, size int) error {
		seqs = append(seqs, seq)
		sizes = append(sizes, size)
		assert.True(t, enqueuedAt.After(before))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Equal(t, []int{2, 3}, sizes)

	n, err := ob.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// TestOutboxPrune tests that only records older than the cutoff are dropped
func TestOutboxPrune(t *testing.T) {
	ob := openTestOutbox(t, filepath.Join(t.TempDir(), "outbox.db"))

	require.NoError(t, ob.Append("events.a.stale", nil))
	cutoff := time.Now().Add(50 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, ob.Append("events.a.fresh", nil))

	pruned, err := ob.Prune(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	var rest []string
	_, err = ob.Drain(func(subject string, data []byte) error {
		rest = append(rest, subject)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"events.a.fresh"}, rest)
}
