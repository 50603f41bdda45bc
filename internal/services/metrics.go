package services

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"certforge/internal/utils"
)

// Metrics exposes issuance and ACME counters on a dedicated port.
type Metrics struct {
	CertificatesIssued   *prometheus.CounterVec
	CertificatesRevoked  prometheus.Counter
	ChallengeValidations *prometheus.CounterVec
	OrdersByStatus       *prometheus.GaugeVec
	ActiveCertificates   prometheus.Gauge

	server *http.Server
	logger *utils.Logger
}

func NewMetrics(logger *utils.Logger) *Metrics {
	return &Metrics{
		CertificatesIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_certificates_issued_total",
			Help: "Certificates issued, by CA and profile",
		}, []string{"ca", "profile"}),
		CertificatesRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "certforge_certificates_revoked_total",
			Help: "Certificates revoked",
		}),
		ChallengeValidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "certforge_acme_challenge_validations_total",
			Help: "ACME challenge validation outcomes, by type and result",
		}, []string{"type", "result"}),
		OrdersByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certforge_acme_orders",
			Help: "ACME orders currently stored, by status",
		}, []string{"status"}),
		ActiveCertificates: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "certforge_certificates_active",
			Help: "Certificates currently in active status",
		}),
		logger: logger,
	}
}

// Refresh recomputes the stored-state gauges from the database.
func (m *Metrics) Refresh(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM acme_orders GROUP BY status`)
	if err != nil {
		return fmt.Errorf("failed to count orders: %w", err)
	}
	defer rows.Close()

	m.OrdersByStatus.Reset()
	for rows.Next() {
		var status string
		var count float64
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		m.OrdersByStatus.WithLabelValues(status).Set(count)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var active float64
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates WHERE status = 'active'`).Scan(&active)
	if err != nil {
		return err
	}
	m.ActiveCertificates.Set(active)
	return nil
}

// Serve starts the /metrics endpoint. Blocks until the server stops.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	m.logger.WithField("port", port).Info("Metrics server listening")
	if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
