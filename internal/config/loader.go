package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "METERFLOW_"

// Load builds the final Settings: defaults, then the first config file
// found (explicit path wins), then METERFLOW_* environment variables.
// A .env file in dataDir or the working directory is loaded first so
// deployments can keep credentials out of the unit file.
func Load(configPath string) (*Settings, error) {
	settings := DefaultSettings()

	loadDotEnv(settings.DataDir)

	if path := findConfigFile(configPath); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Loaded configuration file")
	}

	applyEnv(settings)

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

func loadDotEnv(dataDir string) {
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Development convenience: .env in the working directory.
	_ = godotenv.Load()
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, path := range []string{
		"/etc/meterflow/meterflow.yml",
		"/etc/meterflow/meterflow.yaml",
		"./meterflow.yml",
		"./meterflow.yaml",
	} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func applyEnv(s *Settings) {
	setString(&s.LogLevel, "LOG_LEVEL")
	setString(&s.LogFormat, "LOG_FORMAT")
	setString(&s.DataDir, "DATA_DIR")
	setString(&s.MetricsAddr, "METRICS_ADDR")

	setBool(&s.Marketplace.Enabled, "METERING_ENABLED")
	setString(&s.Marketplace.TenantID, "TENANT_ID")
	setString(&s.Marketplace.ClientID, "CLIENT_ID")
	setString(&s.Marketplace.ClientSecret, "CLIENT_SECRET")
	setString(&s.Marketplace.MeteringURL, "METERING_URL")
	setString(&s.Marketplace.TokenURL, "TOKEN_URL")
	setString(&s.Marketplace.Resource, "RESOURCE")
	setInt(&s.Marketplace.RetryMax, "RETRY_MAX")
	setDuration(&s.Marketplace.RetryDelay, "RETRY_DELAY")
	setDuration(&s.Marketplace.RequestTimeout, "REQUEST_TIMEOUT")

	setString(&s.Aggregation.SnapshotPath, "SNAPSHOT_PATH")
	setInt(&s.Aggregation.DeadLetterAfter, "DEAD_LETTER_AFTER")
	setInt(&s.Aggregation.DeadLetterCapacity, "DEAD_LETTER_CAPACITY")

	setString(&s.DefaultDimension, "DEFAULT_DIMENSION")
}

func lookup(key string) (string, bool) {
	val, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(val), true
}

func setString(dst *string, key string) {
	if val, ok := lookup(key); ok && val != "" {
		*dst = val
	}
}

func setBool(dst *bool, key string) {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			*dst = parsed
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring invalid boolean")
		}
	}
}

func setInt(dst *int, key string) {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			*dst = parsed
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring invalid integer")
		}
	}
}

// setDuration accepts Go duration strings; bare integers are taken as
// milliseconds to match the original deployment's RETRY_DELAY semantics.
func setDuration(dst *time.Duration, key string) {
	val, ok := lookup(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(val); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		*dst = parsed
		return
	}
	log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring invalid duration")
}
