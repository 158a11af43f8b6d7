// Package aggregator accumulates per-subscription message counts into
// hourly buckets and flushes completed hours to the Marketplace metering
// API on an hour-aligned schedule.
//
// The metering API accepts one event per resource, plan, dimension, and
// hour, so many messages collapse into a single bucket whose quantity is
// emitted once the hour has closed.
package aggregator

import (
	"fmt"
	"time"
)

// Key identifies one aggregation bucket. Immutable once created.
type Key struct {
	ResourceID string    `json:"resourceId"`
	PlanID     string    `json:"planId"`
	Dimension  string    `json:"dimension"`
	HourStart  time.Time `json:"hourStart"`
}

// NewKey builds the bucket key for a message observed at the given time.
// HourStart is truncated to the hour in UTC so keys compare by wall clock.
func NewKey(resourceID, planID, dimension string, at time.Time) Key {
	return Key{
		ResourceID: resourceID,
		PlanID:     planID,
		Dimension:  dimension,
		HourStart:  at.UTC().Truncate(time.Hour),
	}
}

// Closed reports whether the bucket's hour has fully elapsed. Buckets for
// the in-progress hour must never be emitted; messages may still arrive.
func (k Key) Closed(now time.Time) bool {
	return !now.Before(k.HourStart.Add(time.Hour))
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%d", k.ResourceID, k.PlanID, k.Dimension, k.HourStart.Unix())
}

// Bucket is one open aggregate: all usage for a key, waiting for emission.
type Bucket struct {
	Key             Key       `json:"key"`
	Quantity        int64     `json:"quantity"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastEmitAttempt time.Time `json:"lastEmitAttempt,omitzero"`
	AttemptCount    int       `json:"attemptCount"`
}

// DeadBucket is a bucket parked after a permanent rejection or too many
// failed attempts. Parked buckets are kept for operator inspection and are
// never retried automatically.
type DeadBucket struct {
	Bucket   Bucket    `json:"bucket"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parkedAt"`
}

// Snapshot is the persisted buffer state: every open bucket plus the
// dead-letter set.
type Snapshot struct {
	SavedAt    time.Time    `json:"savedAt"`
	Buckets    []Bucket     `json:"buckets"`
	DeadLetter []DeadBucket `json:"deadLetter,omitempty"`
}
