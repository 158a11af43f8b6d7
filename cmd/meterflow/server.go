package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meterflow/meterflow/internal/subscription"
)

// trackRequest is the body accepted by POST /api/track. Either a userId
// (resolved through the subscription resolver) or an explicit
// resourceId/planId pair may be supplied.
type trackRequest struct {
	UserID     string `json:"userId"`
	ResourceID string `json:"resourceId"`
	PlanID     string `json:"planId"`
	Quantity   int64  `json:"quantity"`
}

func newHTTPHandler(deps *pipeline) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(deps.service.Stats()); err != nil {
			log.Error().Err(err).Msg("Failed to encode stats response")
		}
	})

	mux.HandleFunc("/api/track", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req trackRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		switch {
		case req.UserID != "":
			deps.tracker.TrackMessage(r.Context(), req.UserID)
		case req.ResourceID != "" && req.PlanID != "":
			dimension, metered := deps.classifier.Classify(subscriptionFor(req))
			if !metered {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			quantity := req.Quantity
			if quantity <= 0 {
				quantity = 1
			}
			deps.buffer.Accumulate(req.ResourceID, req.PlanID, dimension, quantity)
		default:
			http.Error(w, "userId or resourceId+planId required", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

func subscriptionFor(req trackRequest) subscription.Subscription {
	return subscription.Subscription{
		ResourceID: req.ResourceID,
		PlanID:     req.PlanID,
		Status:     subscription.StatusSubscribed,
	}
}

// startHTTPServer serves metrics, health, stats, and the track endpoint
// until ctx is cancelled. Errors are logged, not fatal: the aggregation
// pipeline keeps running even if the listen address is taken.
func startHTTPServer(ctx context.Context, addr string, deps *pipeline) {
	if addr == "" {
		return
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      newHTTPHandler(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	go func() {
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped with error")
		}
	}()
}
