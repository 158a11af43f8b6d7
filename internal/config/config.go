// Package config loads and validates service configuration from defaults,
// an optional YAML file, and environment variables (in that order of
// precedence, later sources winning).
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// marketplaceResourceID is the OAuth resource identifier of the Marketplace
// metering API, fixed by Microsoft for all tenants.
const marketplaceResourceID = "20e940b3-4c77-4b0b-9a53-9e16a1b010a7"

// Settings is the root configuration for the metering service.
type Settings struct {
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// DataDir holds the buffer snapshot, the audit database, and an
	// optional .env file with deployment overrides.
	DataDir string `yaml:"dataDir"`

	MetricsAddr string `yaml:"metricsAddr"`

	Marketplace MarketplaceSettings `yaml:"marketplace"`
	Aggregation AggregationSettings `yaml:"aggregation"`

	// PlanDimensions maps Partner Center plan IDs to billing dimensions.
	// A plan mapped to the empty string is not metered at all.
	PlanDimensions map[string]string `yaml:"planDimensions"`

	// DefaultDimension is billed for plans missing from PlanDimensions.
	DefaultDimension string `yaml:"defaultDimension"`

	// Subscriptions seeds the in-memory subscription resolver for
	// deployments without an external lookup service, keyed by user ID.
	Subscriptions map[string]SubscriptionSeed `yaml:"subscriptions"`
}

// SubscriptionSeed is a statically configured subscription entry.
type SubscriptionSeed struct {
	ResourceID string `yaml:"resourceId"`
	PlanID     string `yaml:"planId"`
	// Status defaults to Subscribed when empty.
	Status string `yaml:"status"`
}

// MarketplaceSettings configures the Marketplace metering API client.
type MarketplaceSettings struct {
	// Enabled gates all emission. When false the service still aggregates
	// and persists usage but never calls the billing API.
	Enabled bool `yaml:"enabled"`

	TenantID     string `yaml:"tenantId"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`

	// MeteringURL is the usage event endpoint, API version included.
	MeteringURL string `yaml:"meteringUrl"`

	// TokenURL overrides the derived Azure AD token endpoint (tests).
	TokenURL string `yaml:"tokenUrl"`

	// Resource is the OAuth resource parameter sent with the client
	// credentials grant.
	Resource string `yaml:"resource"`

	RetryMax       int           `yaml:"retryMax"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// AggregationSettings configures the usage buffer and scheduler.
type AggregationSettings struct {
	// SnapshotPath is where open buckets are persisted across restarts.
	// Defaults to <dataDir>/usage-buffer.json.
	SnapshotPath string `yaml:"snapshotPath"`

	// DeadLetterAfter is the total attempt count after which a bucket that
	// keeps failing transiently is parked instead of retried forever.
	DeadLetterAfter int `yaml:"deadLetterAfter"`

	// DeadLetterCapacity bounds the parked set; oldest entries are dropped.
	DeadLetterCapacity int `yaml:"deadLetterCapacity"`
}

// DefaultSettings returns the baseline configuration before file and
// environment overrides.
func DefaultSettings() *Settings {
	return &Settings{
		LogLevel:    "info",
		LogFormat:   "auto",
		DataDir:     "/var/lib/meterflow",
		MetricsAddr: "127.0.0.1:9464",
		Marketplace: MarketplaceSettings{
			Enabled:        false,
			MeteringURL:    "https://marketplaceapi.microsoft.com/api/usageEvent?api-version=2018-08-31",
			Resource:       marketplaceResourceID,
			RetryMax:       3,
			RetryDelay:     time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Aggregation: AggregationSettings{
			DeadLetterAfter:    24,
			DeadLetterCapacity: 256,
		},
		PlanDimensions: map[string]string{
			"development":  "",
			"starter":      "free",
			"professional": "pro",
			"pro-plus":     "pro-plus",
		},
		DefaultDimension: "free",
	}
}

// AuthURL returns the Azure AD token endpoint for the configured tenant,
// unless an explicit TokenURL override is set.
func (m MarketplaceSettings) AuthURL() string {
	if m.TokenURL != "" {
		return m.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/token", m.TenantID)
}

// BufferSnapshotPath resolves the snapshot file location.
func (s *Settings) BufferSnapshotPath() string {
	if s.Aggregation.SnapshotPath != "" {
		return s.Aggregation.SnapshotPath
	}
	return filepath.Join(s.DataDir, "usage-buffer.json")
}

// AuditDBPath resolves the audit database location.
func (s *Settings) AuditDBPath() string {
	return filepath.Join(s.DataDir, "metered-audit.db")
}

// Validate checks the final configuration for consistency. Marketplace
// credentials are only required when emission is enabled.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("dataDir is required")
	}
	if s.Aggregation.DeadLetterAfter < 1 {
		return fmt.Errorf("aggregation.deadLetterAfter must be at least 1, got %d", s.Aggregation.DeadLetterAfter)
	}
	if s.Aggregation.DeadLetterCapacity < 1 {
		return fmt.Errorf("aggregation.deadLetterCapacity must be at least 1, got %d", s.Aggregation.DeadLetterCapacity)
	}

	m := s.Marketplace
	if m.RetryMax < 1 {
		return fmt.Errorf("marketplace.retryMax must be at least 1, got %d", m.RetryMax)
	}
	if m.RetryDelay <= 0 {
		return fmt.Errorf("marketplace.retryDelay must be positive, got %s", m.RetryDelay)
	}
	if _, err := url.Parse(m.MeteringURL); err != nil || m.MeteringURL == "" {
		return fmt.Errorf("marketplace.meteringUrl is not a valid URL: %q", m.MeteringURL)
	}

	if !m.Enabled {
		return nil
	}
	for name, value := range map[string]string{
		"marketplace.tenantId":     m.TenantID,
		"marketplace.clientId":     m.ClientID,
		"marketplace.clientSecret": m.ClientSecret,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required when metering is enabled", name)
		}
	}
	return nil
}

// DimensionForPlan maps a plan ID to its billing dimension. The second
// return is false when the plan is explicitly unmetered.
func (s *Settings) DimensionForPlan(planID string) (string, bool) {
	dim, ok := s.PlanDimensions[strings.ToLower(strings.TrimSpace(planID))]
	if !ok {
		return s.DefaultDimension, s.DefaultDimension != ""
	}
	return dim, dim != ""
}
