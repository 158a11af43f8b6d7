package aggregator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetter_CapacityDropsOldest(t *testing.T) {
	d := NewDeadLetter(2)
	now := time.Now()

	for i := 0; i < 3; i++ {
		d.Park(Bucket{
			Key: NewKey(testResource, testPlan, fmt.Sprintf("dim-%d", i), now),
		}, "attempt ceiling reached", now)
	}

	entries := d.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "dim-1", entries[0].Bucket.Key.Dimension)
	assert.Equal(t, "dim-2", entries[1].Bucket.Key.Dimension)
}

func TestDeadLetter_Restore(t *testing.T) {
	d := NewDeadLetter(2)
	now := time.Now().UTC()

	d.Restore([]DeadBucket{
		{Bucket: Bucket{Key: NewKey(testResource, testPlan, "a", now)}, Reason: "x", ParkedAt: now},
		{Bucket: Bucket{Key: NewKey(testResource, testPlan, "b", now)}, Reason: "x", ParkedAt: now},
		{Bucket: Bucket{Key: NewKey(testResource, testPlan, "c", now)}, Reason: "x", ParkedAt: now},
	})

	entries := d.Entries()
	require.Len(t, entries, 2, "restore respects capacity, newest win")
	assert.Equal(t, "b", entries[0].Bucket.Key.Dimension)
	assert.Equal(t, "c", entries[1].Bucket.Key.Dimension)
}
