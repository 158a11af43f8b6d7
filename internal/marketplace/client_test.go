package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	mu          sync.Mutex
	token       string
	err         error
	invalidated int
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.err
}

func (s *staticTokens) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

type memoryAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *memoryAudit) Record(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryAudit) statuses() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.StatusCode)
	}
	return out
}

// statusSequenceServer answers with the scripted status codes in order,
// repeating the last one once exhausted.
func statusSequenceServer(t *testing.T, statuses []int, hits *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("x-ms-requestid"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		idx := *hits
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		*hits++

		status := statuses[idx]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			json.NewEncoder(w).Encode(UsageResponse{
				UsageEventID: "evt-123",
				Status:       "Accepted",
				Dimension:    "pro",
				Quantity:     20,
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"message": http.StatusText(status)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string, audit AuditSink) (*Client, *staticTokens, *[]time.Duration) {
	t.Helper()
	tokens := &staticTokens{token: "tok"}
	settings := testMarketplaceSettings("")
	settings.MeteringURL = url
	c := NewClient(settings, tokens, audit)

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, tokens, &delays
}

func validEvent() UsageEvent {
	return UsageEvent{
		ResourceID:         uuid.New().String(),
		Quantity:           20,
		Dimension:          "pro",
		EffectiveStartTime: time.Now().Truncate(time.Hour).Add(-time.Hour),
		PlanID:             "professional",
	}
}

func TestEmitUsage_Disabled(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{200}, &hits)

	settings := testMarketplaceSettings("")
	settings.Enabled = false
	settings.MeteringURL = srv.URL
	c := NewClient(settings, &staticTokens{token: "tok"}, nil)

	res := c.EmitUsage(context.Background(), validEvent())
	assert.Equal(t, OutcomeSkippedDisabled, res.Outcome)
	assert.Equal(t, 0, hits, "disabled metering must not touch the network")
}

func TestEmitUsage_ValidationRejects(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{200}, &hits)
	c, _, _ := newTestClient(t, srv.URL, nil)

	tests := []struct {
		name   string
		mutate func(*UsageEvent)
		target error
	}{
		{"bad guid", func(e *UsageEvent) { e.ResourceID = "not-a-guid" }, ErrInvalidEvent},
		{"zero quantity", func(e *UsageEvent) { e.Quantity = 0 }, ErrInvalidEvent},
		{"empty dimension", func(e *UsageEvent) { e.Dimension = " " }, ErrInvalidEvent},
		{"empty plan", func(e *UsageEvent) { e.PlanID = "" }, ErrInvalidEvent},
		{"stale", func(e *UsageEvent) { e.EffectiveStartTime = time.Now().Add(-25 * time.Hour) }, ErrStaleEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(&ev)
			res := c.EmitUsage(context.Background(), ev)
			require.Equal(t, OutcomeFailed, res.Outcome)
			assert.ErrorIs(t, res.Err, tt.target)
			assert.True(t, IsPermanent(res.Err))
		})
	}
	assert.Equal(t, 0, hits, "validation failures must not touch the network")
}

func TestEmitUsage_Accepted(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{200}, &hits)
	audit := &memoryAudit{}
	c, _, delays := newTestClient(t, srv.URL, audit)

	res := c.EmitUsage(context.Background(), validEvent())

	require.Equal(t, OutcomeAccepted, res.Outcome)
	assert.True(t, res.Billed())
	require.NotNil(t, res.Response)
	assert.Equal(t, "evt-123", res.Response.UsageEventID)
	assert.Equal(t, 1, hits)
	assert.Empty(t, *delays)
	assert.Equal(t, []int{200}, audit.statuses())
}

func TestEmitUsage_DuplicateIsBilled(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{409}, &hits)
	audit := &memoryAudit{}
	c, _, _ := newTestClient(t, srv.URL, audit)

	res := c.EmitUsage(context.Background(), validEvent())

	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.True(t, res.Billed())
	assert.Equal(t, 1, hits, "409 must not be retried")
	assert.Equal(t, []int{409}, audit.statuses())
}

func TestEmitUsage_ServerErrorExhaustsRetries(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{500, 500, 500}, &hits)
	audit := &memoryAudit{}
	c, _, delays := newTestClient(t, srv.URL, audit)

	res := c.EmitUsage(context.Background(), validEvent())

	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 3, hits)
	assert.ErrorIs(t, res.Err, ErrServer)
	assert.True(t, IsRetryable(res.Err))

	// Exponential backoff between attempts: base, then 2*base.
	require.Len(t, *delays, 2)
	assert.Equal(t, time.Second, (*delays)[0])
	assert.Equal(t, 2*time.Second, (*delays)[1])
	assert.Less(t, (*delays)[0], (*delays)[1])

	// One audit record for the terminal failure.
	assert.Equal(t, []int{500}, audit.statuses())
}

func TestEmitUsage_BadRequestIsPermanent(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{400}, &hits)
	audit := &memoryAudit{}
	c, _, _ := newTestClient(t, srv.URL, audit)

	res := c.EmitUsage(context.Background(), validEvent())

	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, hits, "400 must not be retried")
	assert.ErrorIs(t, res.Err, ErrPermanent)
	assert.True(t, IsPermanent(res.Err))
	assert.Equal(t, []int{400}, audit.statuses())
}

func TestEmitUsage_ForbiddenIsPermanent(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{403}, &hits)
	c, _, _ := newTestClient(t, srv.URL, nil)

	res := c.EmitUsage(context.Background(), validEvent())
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, hits)
	assert.True(t, IsPermanent(res.Err))
}

func TestEmitUsage_UnauthorizedInvalidatesAndRetries(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{401, 200}, &hits)
	c, tokens, _ := newTestClient(t, srv.URL, nil)

	res := c.EmitUsage(context.Background(), validEvent())

	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestEmitUsage_RateLimitRetries(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{429, 429, 200}, &hits)
	c, _, delays := newTestClient(t, srv.URL, nil)

	res := c.EmitUsage(context.Background(), validEvent())
	assert.Equal(t, OutcomeAccepted, res.Outcome)
	assert.Equal(t, 3, hits)
	assert.Len(t, *delays, 2)
}

func TestEmitUsage_NetworkErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // all requests now fail to connect

	c, _, delays := newTestClient(t, url, nil)

	res := c.EmitUsage(context.Background(), validEvent())
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrServer)
	assert.Len(t, *delays, 2)
}

func TestEmitUsage_AuditFailureDoesNotAffectOutcome(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{200}, &hits)
	audit := &memoryAudit{err: errors.New("disk full")}
	c, _, _ := newTestClient(t, srv.URL, audit)

	res := c.EmitUsage(context.Background(), validEvent())
	assert.Equal(t, OutcomeAccepted, res.Outcome)
}

func TestEmitUsage_TokenFailureCountsAsAttempt(t *testing.T) {
	hits := 0
	srv := statusSequenceServer(t, []int{200}, &hits)
	c, tokens, _ := newTestClient(t, srv.URL, nil)
	tokens.err = newAPIError(ClassAuth, "get_token", 0, errors.New("invalid_client"))

	res := c.EmitUsage(context.Background(), validEvent())
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrAuthentication)
	assert.Equal(t, 0, hits)
}
