package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/internal/marketplace"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit", "metered-audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_RecordAndRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	hour := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	for i, status := range []int{200, 500, 409} {
		err := store.Record(ctx, marketplace.AuditEntry{
			RequestJSON:  []byte(`{"dimension":"pro","quantity":20}`),
			ResponseJSON: []byte(`{"status":"ok"}`),
			StatusCode:   status,
			RunBy:        "emitter",
			UsageHour:    hour,
			RecordedAt:   hour.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.Equal(t, 409, records[0].StatusCode)
	assert.Equal(t, 500, records[1].StatusCode)
	assert.Equal(t, 200, records[2].StatusCode)

	assert.Equal(t, `{"dimension":"pro","quantity":20}`, records[0].RequestJSON)
	assert.Equal(t, "emitter", records[0].RunBy)
	assert.Equal(t, hour, records[0].UsageHour)
	assert.NotEmpty(t, records[0].ID)
}

func TestStore_RecentLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, marketplace.AuditEntry{
			RequestJSON: []byte(`{}`),
			StatusCode:  200,
			RunBy:       "emitter",
			UsageHour:   time.Now(),
		}))
	}

	records, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_ReopenKeepsRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metered-audit.db")

	store, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), marketplace.AuditEntry{
		RequestJSON: []byte(`{}`),
		StatusCode:  200,
		RunBy:       "emitter",
		UsageHour:   time.Now(),
	}))
	require.NoError(t, store.Close())

	store, err = Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	records, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
