// Package marketplace implements the Azure Marketplace metering API client:
// OAuth client-credentials token acquisition and validated, retried usage
// event emission with audit logging.
//
// The metering API accepts at most one event per resource, dimension, and
// hour; duplicates come back as 409 and are treated as already billed.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UsageEvent is the POST body for the usage event endpoint.
type UsageEvent struct {
	// ResourceID is the Marketplace SaaS subscription ID (a GUID).
	ResourceID string `json:"resourceId"`
	// Quantity is the number of units consumed during the hour.
	Quantity int64 `json:"quantity"`
	// Dimension identifies the meter configured in Partner Center.
	Dimension string `json:"dimension"`
	// EffectiveStartTime is the start of the hour being billed.
	EffectiveStartTime time.Time `json:"effectiveStartTime"`
	// PlanID is the purchased plan.
	PlanID string `json:"planId"`
}

// Validate checks the event before any network call. Validation failures
// are permanent: the event can never be accepted as-is.
func (e UsageEvent) Validate(now time.Time) error {
	if _, err := uuid.Parse(e.ResourceID); err != nil {
		return fmt.Errorf("%w: resourceId %q is not a GUID", ErrInvalidEvent, e.ResourceID)
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidEvent, e.Quantity)
	}
	if strings.TrimSpace(e.Dimension) == "" {
		return fmt.Errorf("%w: dimension is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.PlanID) == "" {
		return fmt.Errorf("%w: planId is required", ErrInvalidEvent)
	}
	if now.Sub(e.EffectiveStartTime) > 24*time.Hour {
		return fmt.Errorf("%w: effectiveStartTime %s", ErrStaleEvent, e.EffectiveStartTime.Format(time.RFC3339))
	}
	return nil
}

// UsageResponse is the metering API's acknowledgement of an accepted event.
type UsageResponse struct {
	UsageEventID       string    `json:"usageEventId"`
	Status             string    `json:"status"`
	MessageTime        time.Time `json:"messageTime"`
	ResourceID         string    `json:"resourceId"`
	Quantity           float64   `json:"quantity"`
	Dimension          string    `json:"dimension"`
	EffectiveStartTime time.Time `json:"effectiveStartTime"`
	PlanID             string    `json:"planId"`
}

// apiErrorBody is the error payload shape; on 409 additionalInfo carries
// the previously accepted event.
type apiErrorBody struct {
	Message        string `json:"message"`
	Code           string `json:"code"`
	AdditionalInfo struct {
		AcceptedMessage json.RawMessage `json:"acceptedMessage"`
	} `json:"additionalInfo"`
}

// Outcome is the terminal result category of one emission.
type Outcome string

const (
	// OutcomeAccepted means the API accepted the event.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeDuplicate means the API already had an event for this
	// resource/dimension/hour; billing-wise this is success.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkippedDisabled means metering is disabled and no call was made.
	OutcomeSkippedDisabled Outcome = "skipped_disabled"
	// OutcomeFailed means the event was not accepted; Err says why.
	OutcomeFailed Outcome = "failed"
)

// Result reports what happened to a single usage event.
type Result struct {
	Outcome  Outcome
	Response *UsageResponse // set when Outcome is OutcomeAccepted
	Err      error          // set when Outcome is OutcomeFailed
}

// Billed reports whether the event no longer needs to be retried.
func (r Result) Billed() bool {
	return r.Outcome == OutcomeAccepted || r.Outcome == OutcomeDuplicate
}

// AuditEntry is one emission attempt recorded for diagnostics. The audit
// trail is write-only from the emitter's point of view and never feeds back
// into aggregation.
type AuditEntry struct {
	RequestJSON  []byte
	ResponseJSON []byte
	StatusCode   int
	RunBy        string
	UsageHour    time.Time
	RecordedAt   time.Time
}

// AuditSink receives emission audit entries. Implementations must be safe
// for concurrent use; failures are the sink's problem, never the emitter's.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}
