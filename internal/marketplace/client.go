package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meterflow/meterflow/internal/config"
)

// maxResponseBytes bounds how much of an API response is read and audited.
const maxResponseBytes = 64 * 1024

// tokenSource is the slice of TokenProvider the client needs.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client emits usage events to the Marketplace metering API with bounded
// retry and per-status handling.
type Client struct {
	httpClient  *http.Client
	tokens      tokenSource
	audit       AuditSink
	meteringURL string
	enabled     bool
	retryMax    int
	retryDelay  time.Duration

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a metering API client. audit may be nil; auditing is
// then skipped entirely.
func NewClient(settings config.MarketplaceSettings, tokens tokenSource, audit AuditSink) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: settings.RequestTimeout},
		tokens:      tokens,
		audit:       audit,
		meteringURL: settings.MeteringURL,
		enabled:     settings.Enabled,
		retryMax:    settings.RetryMax,
		retryDelay:  settings.RetryDelay,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// EmitUsage posts one usage event. The returned Result is terminal: either
// the event is billed (accepted or duplicate), skipped because metering is
// disabled, or failed after the configured attempts. Transient failures are
// retried with exponential backoff inside this call; the caller decides
// whether a failed event is retried on a later cycle.
func (c *Client) EmitUsage(ctx context.Context, event UsageEvent) Result {
	if !c.enabled {
		return Result{Outcome: OutcomeSkippedDisabled}
	}

	if err := event.Validate(c.now()); err != nil {
		log.Error().Err(err).Str("resource_id", event.ResourceID).Msg("Usage event failed validation")
		return Result{Outcome: OutcomeFailed, Err: newAPIError(ClassValidation, "emit_usage", 0, err)}
	}

	reqBody, err := json.Marshal(event)
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: newAPIError(ClassValidation, "emit_usage", 0, err)}
	}

	var lastErr error
	var lastStatus int
	var lastResp []byte

	for attempt := 1; attempt <= c.retryMax; attempt++ {
		if attempt > 1 {
			delay := c.backoffDelay(attempt)
			log.Info().
				Int("attempt", attempt).
				Int("max_attempts", c.retryMax).
				Dur("delay", delay).
				Msg("Retrying usage emission")
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		status, respBody, err := c.post(ctx, reqBody)
		if err != nil {
			// Network or timeout: retry.
			lastErr = newAPIError(ClassNetwork, "emit_usage", 0, err)
			lastStatus = 0
			lastResp = nil
			log.Warn().Err(err).Int("attempt", attempt).Msg("Metering API unreachable")
			continue
		}

		lastStatus = status
		lastResp = respBody

		switch {
		case status >= 200 && status < 300:
			var resp UsageResponse
			if err := json.Unmarshal(respBody, &resp); err != nil {
				log.Warn().Err(err).Msg("Metering API returned unparseable success body")
			}
			log.Info().
				Str("usage_event_id", resp.UsageEventID).
				Str("status", resp.Status).
				Str("dimension", event.Dimension).
				Int64("quantity", event.Quantity).
				Msg("Usage event accepted")
			c.recordAudit(ctx, event, reqBody, respBody, status)
			return Result{Outcome: OutcomeAccepted, Response: &resp}

		case status == http.StatusConflict:
			// The API already has an event for this resource, dimension,
			// and hour. The original emission was billed; ours is redundant.
			var body apiErrorBody
			_ = json.Unmarshal(respBody, &body)
			log.Warn().
				Str("resource_id", event.ResourceID).
				Str("dimension", event.Dimension).
				Str("accepted_message", string(body.AdditionalInfo.AcceptedMessage)).
				Msg("Duplicate usage event, already accepted by the API")
			c.recordAudit(ctx, event, reqBody, respBody, status)
			return Result{Outcome: OutcomeDuplicate}

		case status == http.StatusUnauthorized:
			log.Warn().Int("attempt", attempt).Msg("Metering API returned 401, refreshing token")
			c.tokens.Invalidate()
			lastErr = newAPIError(ClassAuth, "emit_usage", status, fmt.Errorf("unauthorized"))
			continue

		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = newAPIError(classifyStatus(status), "emit_usage", status, apiMessage(respBody))
			log.Warn().Int("status", status).Int("attempt", attempt).Msg("Metering API asked for retry")
			continue

		default:
			// 400, 403, and anything unexpected: retrying cannot help.
			err := newAPIError(classifyStatus(status), "emit_usage", status, apiMessage(respBody))
			log.Error().Int("status", status).Err(err).Msg("Usage event permanently rejected")
			c.recordAudit(ctx, event, reqBody, respBody, status)
			return Result{Outcome: OutcomeFailed, Err: err}
		}
	}

	log.Error().
		Int("attempts", c.retryMax).
		Err(lastErr).
		Str("resource_id", event.ResourceID).
		Msg("Usage emission exhausted all attempts")
	c.recordAudit(ctx, event, reqBody, lastResp, lastStatus)
	return Result{Outcome: OutcomeFailed, Err: lastErr}
}

// post performs a single API call and returns the status with the response
// body. Token acquisition failures come back as errors so the attempt loop
// treats them like any other transient failure.
func (c *Client) post(ctx context.Context, body []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.meteringURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-ms-requestid", uuid.New().String())
	req.Header.Set("x-ms-correlationid", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// backoffDelay returns the wait before the given attempt (attempt >= 2):
// retryDelay, 2*retryDelay, 4*retryDelay, ...
func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.retryDelay << (attempt - 2)
}

// recordAudit hands the terminal attempt to the audit sink. Audit failures
// are logged and swallowed; they must never affect the emission path.
func (c *Client) recordAudit(ctx context.Context, event UsageEvent, reqBody, respBody []byte, status int) {
	if c.audit == nil {
		return
	}
	entry := AuditEntry{
		RequestJSON:  reqBody,
		ResponseJSON: respBody,
		StatusCode:   status,
		RunBy:        "emitter",
		UsageHour:    event.EffectiveStartTime,
		RecordedAt:   c.now(),
	}
	if err := c.audit.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record emission audit entry")
	}
}

// TestConnection validates credentials by acquiring a token without
// emitting any usage.
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.enabled {
		return fmt.Errorf("metering is disabled")
	}
	if _, err := c.tokens.Token(ctx); err != nil {
		return err
	}
	return nil
}

func apiMessage(body []byte) error {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return fmt.Errorf("%s", parsed.Message)
	}
	return fmt.Errorf("metering API error")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
