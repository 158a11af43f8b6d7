// Package usage is the seam between message handling and billing: each
// assistant message is resolved to a subscription, classified into a
// dimension, and folded into the aggregation buffer.
package usage

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/meterflow/meterflow/internal/subscription"
)

// Accumulator is the slice of the aggregation buffer the tracker needs.
type Accumulator interface {
	Accumulate(resourceID, planID, dimension string, quantity int64)
}

// Tracker records billable usage for handled messages. It never blocks or
// fails the message path: every error is logged and swallowed.
type Tracker struct {
	resolver   subscription.Resolver
	classifier *subscription.Classifier
	buffer     Accumulator
}

// NewTracker wires a tracker.
func NewTracker(resolver subscription.Resolver, classifier *subscription.Classifier, buffer Accumulator) *Tracker {
	return &Tracker{resolver: resolver, classifier: classifier, buffer: buffer}
}

// TrackMessage records one handled message for the given user. Users
// without a billable subscription, and plans that are not metered, are
// silently skipped.
func (t *Tracker) TrackMessage(ctx context.Context, userID string) {
	sub, err := t.resolver.ActiveSubscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, subscription.ErrNoSubscription) {
			log.Warn().Err(err).Str("user_id", userID).Msg("Subscription lookup failed, message not metered")
		}
		return
	}
	if !sub.Billable() {
		log.Debug().Str("plan_id", sub.PlanID).Msg("Subscription not billable, message not metered")
		return
	}

	dimension, metered := t.classifier.Classify(sub)
	if !metered {
		log.Debug().Str("plan_id", sub.PlanID).Msg("Plan is unmetered, message not counted")
		return
	}

	t.buffer.Accumulate(sub.ResourceID, sub.PlanID, dimension, 1)
}
