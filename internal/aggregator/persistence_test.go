package aggregator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "usage-buffer.json")
	store := NewSnapshotStore(path)

	at := time.Date(2026, 8, 29, 10, 15, 0, 0, time.UTC)
	b := frozenBuffer(at)
	b.Accumulate(testResource, testPlan, testDim, 20)
	b.Accumulate(testResource, testPlan, "pro-plus", 4)

	dead := NewDeadLetter(8)
	parked := Bucket{
		Key:          NewKey(testResource, "starter", "free", at.Add(-3*time.Hour)),
		Quantity:     9,
		FirstSeen:    at.Add(-3 * time.Hour),
		AttemptCount: 5,
	}
	dead.Park(parked, "permanent rejection: status 400", at)

	require.NoError(t, store.Save(Snapshot{Buckets: b.Export(), DeadLetter: dead.Entries()}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Buckets, 2)
	require.Len(t, loaded.DeadLetter, 1)

	restored := NewBuffer()
	restored.Restore(loaded.Buckets)

	original := b.Export()
	got := restored.Export()
	require.Len(t, got, len(original))
	for i := range original {
		assert.Equal(t, original[i].Key, got[i].Key)
		assert.Equal(t, original[i].Quantity, got[i].Quantity)
	}

	assert.Equal(t, parked.Key, loaded.DeadLetter[0].Bucket.Key)
	assert.Equal(t, int64(9), loaded.DeadLetter[0].Bucket.Quantity)
	assert.Equal(t, "permanent rejection: status 400", loaded.DeadLetter[0].Reason)
}

func TestSnapshotStore_MissingFile(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "absent.json"))
	snapshot, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, snapshot.Buckets)
	assert.Empty(t, snapshot.DeadLetter)
}

func TestSnapshotStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage-buffer.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewSnapshotStore(path).Load()
	assert.Error(t, err)
}

func TestSnapshotStore_AtomicOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage-buffer.json")
	store := NewSnapshotStore(path)

	require.NoError(t, store.Save(Snapshot{Buckets: []Bucket{{
		Key:      NewKey(testResource, testPlan, testDim, time.Now().Add(-time.Hour)),
		Quantity: 1,
	}}}))
	require.NoError(t, store.Save(Snapshot{}))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.Buckets, "later save must fully replace the snapshot")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must not linger")
}
