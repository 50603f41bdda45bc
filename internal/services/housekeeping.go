package services

import (
	"context"
	"database/sql"
	"time"

	"certforge/internal/acme"
	"certforge/internal/storage"
	"certforge/internal/utils"
)

// Housekeeper runs the periodic maintenance work: deleting long-expired
// ACME orders, sweeping expired certificates into their terminal status and
// refreshing the stored-state gauges.
type Housekeeper struct {
	db       *sql.DB
	logger   *utils.Logger
	machine  *acme.Machine
	metrics  *Metrics
	interval time.Duration
}

func NewHousekeeper(db *sql.DB, logger *utils.Logger, machine *acme.Machine,
	metrics *Metrics, interval time.Duration) *Housekeeper {
	return &Housekeeper{
		db:       db,
		logger:   logger,
		machine:  machine,
		metrics:  metrics,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, running one sweep per interval. The
// first sweep happens immediately.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep(ctx)
		}
	}
}

func (h *Housekeeper) sweep(ctx context.Context) {
	if _, err := h.machine.Cleanup(ctx); err != nil {
		h.logger.LogError(err, "housekeeping_acme_cleanup", nil)
	}

	expired, err := storage.MarkExpiredCertificates(ctx, h.db, time.Now())
	if err != nil {
		h.logger.LogError(err, "housekeeping_expiry_sweep", nil)
	} else if expired > 0 {
		h.logger.WithField("expired", expired).Info("Marked expired certificates")
	}

	if h.metrics != nil {
		if err := h.metrics.Refresh(ctx, h.db); err != nil {
			h.logger.LogError(err, "housekeeping_metrics_refresh", nil)
		}
	}
}
