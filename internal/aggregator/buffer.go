package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meterflow/meterflow/internal/metrics"
)

// Buffer is the in-memory keyed accumulator. Accumulate may be called
// concurrently from many message-handling goroutines; the flush cycle reads
// and removes buckets through the same lock, so increments are never lost.
type Buffer struct {
	mu      sync.Mutex
	buckets map[Key]*Bucket

	now func() time.Time
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		buckets: make(map[Key]*Bucket),
		now:     time.Now,
	}
}

// Accumulate adds quantity to the bucket for the current hour, creating it
// on first use. At most one bucket exists per key.
func (b *Buffer) Accumulate(resourceID, planID, dimension string, quantity int64) {
	if resourceID == "" || planID == "" || dimension == "" {
		log.Error().
			Str("resource_id", resourceID).
			Str("plan_id", planID).
			Str("dimension", dimension).
			Msg("Dropping usage with missing identity")
		return
	}
	if quantity <= 0 {
		return
	}

	now := b.now()
	key := NewKey(resourceID, planID, dimension, now)

	b.mu.Lock()
	bucket, ok := b.buckets[key]
	if !ok {
		bucket = &Bucket{Key: key, FirstSeen: now.UTC()}
		b.buckets[key] = bucket
		metrics.OpenBuckets.Set(float64(len(b.buckets)))
	}
	bucket.Quantity += quantity
	total := bucket.Quantity
	b.mu.Unlock()

	metrics.MessagesAccumulated.WithLabelValues(dimension).Add(float64(quantity))
	log.Debug().
		Str("key", key.String()).
		Int64("quantity", total).
		Msg("Accumulated usage")
}

// ClosedBuckets returns copies of every bucket whose hour has fully
// elapsed, ordered deterministically by key. The in-progress hour is never
// included.
func (b *Buffer) ClosedBuckets(now time.Time) []Bucket {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Bucket, 0, len(b.buckets))
	for key, bucket := range b.buckets {
		if key.Closed(now) {
			out = append(out, *bucket)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// MarkAttempt records a failed emission attempt against the bucket and
// returns its updated attempt count. Unknown keys return 0.
func (b *Buffer) MarkAttempt(key Key, at time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket, ok := b.buckets[key]
	if !ok {
		return 0
	}
	bucket.AttemptCount++
	bucket.LastEmitAttempt = at.UTC()
	return bucket.AttemptCount
}

// Remove deletes a bucket after a confirmed (or duplicate-confirmed)
// emission, or when it is moved to the dead-letter set.
func (b *Buffer) Remove(key Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
	metrics.OpenBuckets.Set(float64(len(b.buckets)))
}

// Len returns the number of open buckets.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Export returns copies of all open buckets for persistence and stats,
// ordered deterministically.
func (b *Buffer) Export() []Bucket {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Bucket, 0, len(b.buckets))
	for _, bucket := range b.buckets {
		out = append(out, *bucket)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Restore merges persisted buckets back into the buffer at startup.
// Quantities for keys already present are summed so a load after partial
// accumulation cannot lose usage.
func (b *Buffer) Restore(buckets []Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, loaded := range buckets {
		key := NewKey(loaded.Key.ResourceID, loaded.Key.PlanID, loaded.Key.Dimension, loaded.Key.HourStart)
		if existing, ok := b.buckets[key]; ok {
			existing.Quantity += loaded.Quantity
			if loaded.FirstSeen.Before(existing.FirstSeen) {
				existing.FirstSeen = loaded.FirstSeen
			}
			continue
		}
		restored := loaded
		restored.Key = key
		b.buckets[key] = &restored
	}
	metrics.OpenBuckets.Set(float64(len(b.buckets)))
}
