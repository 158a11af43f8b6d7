// Package subscription defines the narrow view of Marketplace SaaS
// subscriptions the metering pipeline needs, and the plan-to-dimension
// classification rules.
//
// Subscription storage itself (the SaaS Accelerator database) lives
// outside this service; callers supply a Resolver.
package subscription

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSubscription is returned when a user has no active subscription.
var ErrNoSubscription = errors.New("no active subscription")

// Status is the Marketplace subscription lifecycle state.
type Status string

const (
	StatusSubscribed   Status = "Subscribed"
	StatusSuspended    Status = "Suspended"
	StatusUnsubscribed Status = "Unsubscribed"
)

// Subscription is the billing identity attached to a user.
type Subscription struct {
	// ResourceID is the Marketplace SaaS subscription ID (GUID), used as
	// the metering API resourceId.
	ResourceID string
	// PlanID is the purchased Partner Center plan.
	PlanID string
	Status Status
}

// Billable reports whether usage for this subscription should be metered.
func (s Subscription) Billable() bool {
	return s.Status == StatusSubscribed
}

// Resolver looks up the active subscription for a user. Implementations
// must be safe for concurrent use.
type Resolver interface {
	ActiveSubscription(ctx context.Context, userID string) (Subscription, error)
}

// StaticResolver is an in-memory Resolver for tests and config-driven
// single-tenant deployments.
type StaticResolver struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

// NewStaticResolver creates a resolver over a fixed user-to-subscription map.
func NewStaticResolver(subs map[string]Subscription) *StaticResolver {
	copied := make(map[string]Subscription, len(subs))
	for user, sub := range subs {
		copied[user] = sub
	}
	return &StaticResolver{subs: copied}
}

// ActiveSubscription implements Resolver.
func (r *StaticResolver) ActiveSubscription(ctx context.Context, userID string) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[userID]
	if !ok {
		return Subscription{}, ErrNoSubscription
	}
	return sub, nil
}

// Set adds or replaces a user's subscription.
func (r *StaticResolver) Set(userID string, sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[userID] = sub
}
