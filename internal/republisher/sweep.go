package republisher

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const sweepInterval = 30 * time.Minute

// Sweep probes every stored webhook URL on a fixed cadence and evicts dead
// entries from both the in-memory map and the routing store.
type Sweep struct {
	routes *Routes
	client *Client
	log    *slog.Logger
}

// NewSweep builds the liveness sweep.
func NewSweep(routes *Routes, client *Client, log *slog.Logger) *Sweep {
	return &Sweep{routes: routes, client: client, log: log}
}

// Run sweeps until the context ends.
func (s *Sweep) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweep) sweep(ctx context.Context) {
	stored, err := s.routes.store.Webhooks(ctx)
	if err != nil {
		s.log.Warn("sweep listing failed", "error", err)
		return
	}
	evicted := 0
	for key, url := range stored {
		status, err := s.client.Head(ctx, url)
		if err != nil {
			// Network trouble is not evidence the webhook is gone.
			continue
		}
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			s.routes.Evict(ctx, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("webhook sweep evicted dead routes", "evicted", evicted, "total", len(stored))
	}
}
