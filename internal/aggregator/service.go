package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meterflow/meterflow/internal/marketplace"
	"github.com/meterflow/meterflow/internal/metrics"
)

// Emitter is the slice of the marketplace client the scheduler needs.
type Emitter interface {
	EmitUsage(ctx context.Context, event marketplace.UsageEvent) marketplace.Result
}

// Service ties the buffer, emitter, dead-letter set, and snapshot store
// together behind an hour-aligned flush schedule.
type Service struct {
	buffer  *Buffer
	dead    *DeadLetter
	store   *SnapshotStore
	emitter Emitter
	clock   Clock

	// deadLetterAfter parks a bucket once its total failed attempts reach
	// this count, so a bucket stuck on 500s does not retry forever.
	deadLetterAfter int

	// flushMu guarantees flush cycles never overlap; a tick arriving while
	// a cycle runs is skipped, not queued.
	flushMu sync.Mutex

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Buffer          *Buffer
	DeadLetter      *DeadLetter
	Store           *SnapshotStore
	Emitter         Emitter
	Clock           Clock // nil means wall clock
	DeadLetterAfter int
}

// NewService constructs the aggregation service.
func NewService(cfg ServiceConfig) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &Service{
		buffer:          cfg.Buffer,
		dead:            cfg.DeadLetter,
		store:           cfg.Store,
		emitter:         cfg.Emitter,
		clock:           clock,
		deadLetterAfter: cfg.DeadLetterAfter,
	}
}

// Load restores the persisted snapshot into the buffer and dead-letter
// set. Call before Start so the first tick sees recovered buckets.
func (s *Service) Load() error {
	snapshot, err := s.store.Load()
	if err != nil {
		return err
	}
	s.buffer.Restore(snapshot.Buckets)
	s.dead.Restore(snapshot.DeadLetter)
	if len(snapshot.Buckets) > 0 || len(snapshot.DeadLetter) > 0 {
		log.Info().
			Int("buckets", len(snapshot.Buckets)).
			Int("dead_letter", len(snapshot.DeadLetter)).
			Time("saved_at", snapshot.SavedAt).
			Msg("Restored usage buffer from snapshot")
	}
	return nil
}

// Start launches the hour-aligned flush loop. The first cycle runs at the
// next minute-zero boundary.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := nextHourBoundary(s.clock.Now()).Sub(s.clock.Now())
			log.Debug().Dur("wait", wait).Msg("Scheduler sleeping until next hour boundary")
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(wait):
				s.FlushOnce()
			}
		}
	}()

	log.Info().Msg("Usage aggregation scheduler started (hourly at minute 0)")
}

// Stop halts the scheduler, waits for any in-flight cycle, runs a final
// flush of closed buckets, and saves the buffer. An unclean exit after
// Stop returns loses nothing that was accumulated before it was called.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.FlushOnce()
		s.persist()
		log.Info().Msg("Usage aggregation scheduler stopped")
	})
}

// FlushOnce runs a single flush cycle: emit every closed bucket
// sequentially, then persist. Cycles never overlap; if one is already
// running this returns immediately.
//
// Emission uses a background context so a shutdown signal lets the
// in-flight cycle finish; each HTTP call is individually bounded by the
// client's request timeout.
func (s *Service) FlushOnce() {
	if !s.flushMu.TryLock() {
		metrics.FlushCyclesSkipped.Inc()
		log.Warn().Msg("Previous flush cycle still running, skipping this tick")
		return
	}
	defer s.flushMu.Unlock()

	now := s.clock.Now()
	closed := s.buffer.ClosedBuckets(now)
	if len(closed) == 0 {
		log.Debug().Msg("No closed buckets to emit")
		s.persist()
		return
	}

	log.Info().Int("buckets", len(closed)).Msg("Flushing closed usage buckets")

	ctx := context.Background()
	var emitted, failed, parked int
	for _, bucket := range closed {
		result := s.emitter.EmitUsage(ctx, marketplace.UsageEvent{
			ResourceID:         bucket.Key.ResourceID,
			Quantity:           bucket.Quantity,
			Dimension:          bucket.Key.Dimension,
			EffectiveStartTime: bucket.Key.HourStart,
			PlanID:             bucket.Key.PlanID,
		})
		metrics.EmissionResults.WithLabelValues(string(result.Outcome)).Inc()

		switch {
		case result.Billed():
			s.buffer.Remove(bucket.Key)
			emitted++

		case result.Outcome == marketplace.OutcomeSkippedDisabled:
			// Metering is off; keep buckets without burning attempts and
			// stop early, every remaining bucket would skip too.
			log.Debug().Msg("Metering disabled, retaining closed buckets")
			s.persist()
			return

		default:
			failed++
			attempts := s.buffer.MarkAttempt(bucket.Key, now)
			switch {
			case marketplace.IsPermanent(result.Err):
				s.park(bucket.Key, "permanent rejection: "+result.Err.Error(), now)
				parked++
			case attempts >= s.deadLetterAfter:
				s.park(bucket.Key, "attempt ceiling reached", now)
				parked++
			default:
				log.Warn().
					Str("key", bucket.Key.String()).
					Int("attempts", attempts).
					Err(result.Err).
					Msg("Usage emission failed, bucket retained for next cycle")
			}
		}
	}

	log.Info().
		Int("emitted", emitted).
		Int("failed", failed).
		Int("parked", parked).
		Int("remaining", s.buffer.Len()).
		Msg("Flush cycle complete")

	s.persist()
}

// park moves a bucket from the live buffer to the dead-letter set.
func (s *Service) park(key Key, reason string, now time.Time) {
	for _, bucket := range s.buffer.Export() {
		if bucket.Key == key {
			s.dead.Park(bucket, reason, now)
			break
		}
	}
	s.buffer.Remove(key)
}

func (s *Service) persist() {
	err := s.store.Save(Snapshot{
		Buckets:    s.buffer.Export(),
		DeadLetter: s.dead.Entries(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to save usage buffer snapshot")
	}
}

// Stats describes the current buffer for introspection.
type Stats struct {
	OpenBuckets int          `json:"openBuckets"`
	DeadLetter  int          `json:"deadLetter"`
	Buckets     []Bucket     `json:"buckets"`
	Parked      []DeadBucket `json:"parked,omitempty"`
}

// Stats returns a point-in-time view of the buffer and dead-letter set.
func (s *Service) Stats() Stats {
	buckets := s.buffer.Export()
	parked := s.dead.Entries()
	return Stats{
		OpenBuckets: len(buckets),
		DeadLetter:  len(parked),
		Buckets:     buckets,
		Parked:      parked,
	}
}
