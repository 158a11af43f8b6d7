package aggregator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meterflow/meterflow/internal/metrics"
)

// DeadLetter holds buckets that will never succeed through retry alone:
// permanent API rejections and buckets that exceeded the attempt ceiling.
// It is capacity-bounded; when full, the oldest entry is dropped.
type DeadLetter struct {
	mu       sync.Mutex
	entries  []DeadBucket
	capacity int
}

// NewDeadLetter creates a dead-letter set with the given capacity.
func NewDeadLetter(capacity int) *DeadLetter {
	if capacity < 1 {
		capacity = 1
	}
	return &DeadLetter{
		entries:  make([]DeadBucket, 0, capacity),
		capacity: capacity,
	}
}

// Park moves a bucket into the dead-letter set. The caller removes it from
// the live buffer.
func (d *DeadLetter) Park(bucket Bucket, reason string, at time.Time) {
	d.mu.Lock()
	if len(d.entries) >= d.capacity {
		dropped := d.entries[0]
		d.entries = d.entries[1:]
		log.Error().
			Str("key", dropped.Bucket.Key.String()).
			Int64("quantity", dropped.Bucket.Quantity).
			Msg("Dead-letter set full, dropping oldest parked bucket")
	}
	d.entries = append(d.entries, DeadBucket{
		Bucket:   bucket,
		Reason:   reason,
		ParkedAt: at.UTC(),
	})
	d.mu.Unlock()

	metrics.DeadLetteredBuckets.Inc()
	log.Error().
		Str("key", bucket.Key.String()).
		Int64("quantity", bucket.Quantity).
		Int("attempts", bucket.AttemptCount).
		Str("reason", reason).
		Msg("Usage bucket dead-lettered; operator intervention required")
}

// Entries returns a copy of the parked buckets, oldest first.
func (d *DeadLetter) Entries() []DeadBucket {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadBucket, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len returns the number of parked buckets.
func (d *DeadLetter) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Restore reloads persisted dead-letter entries at startup, respecting
// capacity (newest entries win).
func (d *DeadLetter) Restore(entries []DeadBucket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entries...)
	if excess := len(d.entries) - d.capacity; excess > 0 {
		d.entries = d.entries[excess:]
	}
}
