package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meterflow/meterflow/internal/aggregator"
	"github.com/meterflow/meterflow/internal/audit"
	"github.com/meterflow/meterflow/internal/config"
	"github.com/meterflow/meterflow/internal/logging"
	"github.com/meterflow/meterflow/internal/marketplace"
	"github.com/meterflow/meterflow/internal/subscription"
	"github.com/meterflow/meterflow/internal/usage"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "meterflow",
	Short:   "Marketplace metered-usage aggregation service",
	Long:    `Meterflow accumulates per-subscription message counts into hourly buckets and emits them to the Azure Marketplace metering API.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meterflow %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and marketplace credentials without emitting usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		tokens := marketplace.NewTokenProvider(cfg.Marketplace)
		client := marketplace.NewClient(cfg.Marketplace, tokens, nil)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := client.TestConnection(ctx); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Println("Configuration valid, marketplace token acquired.")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the persisted usage buffer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		snapshot, err := aggregator.NewSnapshotStore(cfg.BufferSnapshotPath()).Load()
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Run one flush cycle against the persisted buffer and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "flush"})

		deps, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer deps.close()

		if err := deps.service.Load(); err != nil {
			return err
		}
		deps.service.FlushOnce()

		stats := deps.service.Stats()
		fmt.Printf("Flush complete: %d open buckets, %d dead-lettered.\n", stats.OpenBuckets, stats.DeadLetter)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(flushCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// pipeline bundles the constructed service graph.
type pipeline struct {
	buffer     *aggregator.Buffer
	service    *aggregator.Service
	tracker    *usage.Tracker
	classifier *subscription.Classifier
	auditStore *audit.Store
}

func (p *pipeline) close() {
	if p.auditStore != nil {
		if err := p.auditStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close audit store")
		}
	}
}

// buildPipeline wires the buffer, emitter, scheduler, and tracker from
// configuration. The audit store is best-effort: if it cannot be opened
// the service runs without auditing rather than refusing to start.
func buildPipeline(cfg *config.Settings) (*pipeline, error) {
	var auditSink marketplace.AuditSink
	auditStore, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		log.Error().Err(err).Msg("Audit store unavailable, emissions will not be audited")
	} else {
		auditSink = auditStore
	}

	tokens := marketplace.NewTokenProvider(cfg.Marketplace)
	client := marketplace.NewClient(cfg.Marketplace, tokens, auditSink)

	buffer := aggregator.NewBuffer()
	dead := aggregator.NewDeadLetter(cfg.Aggregation.DeadLetterCapacity)
	store := aggregator.NewSnapshotStore(cfg.BufferSnapshotPath())

	service := aggregator.NewService(aggregator.ServiceConfig{
		Buffer:          buffer,
		DeadLetter:      dead,
		Store:           store,
		Emitter:         client,
		DeadLetterAfter: cfg.Aggregation.DeadLetterAfter,
	})

	classifier := subscription.NewClassifierFromSettings(cfg)
	tracker := usage.NewTracker(resolverFromSettings(cfg), classifier, buffer)

	return &pipeline{
		buffer:     buffer,
		service:    service,
		tracker:    tracker,
		classifier: classifier,
		auditStore: auditStore,
	}, nil
}

func resolverFromSettings(cfg *config.Settings) subscription.Resolver {
	subs := make(map[string]subscription.Subscription, len(cfg.Subscriptions))
	for userID, seed := range cfg.Subscriptions {
		status := subscription.Status(seed.Status)
		if seed.Status == "" {
			status = subscription.StatusSubscribed
		}
		subs[userID] = subscription.Subscription{
			ResourceID: seed.ResourceID,
			PlanID:     seed.PlanID,
			Status:     status,
		}
	}
	return subscription.NewStaticResolver(subs)
}

func runServer() error {
	logging.Init(logging.Config{Format: "auto", Level: "info"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})

	log.Info().
		Str("version", Version).
		Bool("metering_enabled", cfg.Marketplace.Enabled).
		Str("data_dir", cfg.DataDir).
		Msg("Starting meterflow")

	deps, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	// Restore unemitted usage before the scheduler's first tick.
	if err := deps.service.Load(); err != nil {
		log.Error().Err(err).Msg("Failed to restore usage buffer, starting empty")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps.service.Start(ctx)
	startHTTPServer(ctx, cfg.MetricsAddr, deps)

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Let any in-flight flush finish, run a final flush, save the buffer.
	deps.service.Stop()
	return nil
}
