package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"certforge/internal/acme"
	"certforge/internal/api"
	"certforge/internal/ca"
	"certforge/internal/ocsp"
	"certforge/internal/profile"
	"certforge/internal/services"
	"certforge/internal/storage"
	"certforge/internal/utils"
)

func main() {
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := utils.NewLogger(config.LogLevel)

	db, err := storage.NewSQLiteDB(config.DatabasePath)
	if err != nil {
		logger.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		logger.Fatal("Failed to run migrations:", err)
	}

	profiles, err := profile.NewStore(config.ProfilesPath)
	if err != nil {
		logger.Fatal("Failed to load certificate profiles:", err)
	}

	dispatcher := ca.NewDispatcher(db, logger)
	dispatcher.RegisterPreSignHook(func(ctx context.Context, req *ca.Request) error {
		logger.LogCertificateEvent("issuance_requested", "", req.CA.ID, map[string]interface{}{
			"ca":      req.CA.Name,
			"profile": req.Profile,
		})
		return nil
	})

	signerFor := func(authority *storage.CertificateAuthority) (ca.Signer, error) {
		return ca.OpenSigner(config, authority)
	}

	prober := acme.NewNetworkProber(config.ACMEChallengeTimeout, "")
	machine := acme.NewMachine(db, config, logger, dispatcher, profiles, signerFor, prober)

	metrics := services.NewMetrics(logger)
	go func() {
		if err := metrics.Serve(config.MetricsPort); err != nil {
			logger.Error("Metrics server failed:", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	housekeeper := services.NewHousekeeper(db, logger, machine, metrics, config.HousekeepingEvery)
	go housekeeper.Run(ctx)

	ocspServer, err := startOCSPServer(ctx, db, config, logger)
	if err != nil {
		logger.Error("OCSP server not started:", err)
	}

	server := api.NewServer(db, config, logger, dispatcher, machine, profiles, metrics, signerFor)
	go func() {
		if err := server.Run(); err != nil {
			logger.Fatal("API server failed:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server forced to shutdown:", err)
	}
	if ocspServer != nil {
		if err := ocspServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("OCSP server forced to shutdown:", err)
		}
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown:", err)
	}

	logger.Info("Server exited")
}

// startOCSPServer mounts one responder per enabled software-backed CA under
// /ocsp/<ca-name>/. CAs on a pkcs11 backend are skipped here: holding the
// token session open for the responder's lifetime belongs to a dedicated
// deployment, not the default one.
func startOCSPServer(ctx context.Context, db *sql.DB, config *utils.Config, logger *utils.Logger) (*http.Server, error) {
	cas, err := storage.ListCAs(ctx, db, true)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mounted := 0
	for _, authority := range cas {
		if authority.KeyBackend != "software" {
			logger.WithField("ca", authority.Name).Warn("Skipping OCSP responder for non-software key backend")
			continue
		}
		key, err := ca.LoadPrivateKey(authority.KeyReference)
		if err != nil {
			logger.LogError(err, "ocsp_responder_setup", map[string]interface{}{"ca": authority.Name})
			continue
		}
		responder, err := ocsp.NewResponder(db, logger, authority, key, config.OCSPResponderExpiry)
		if err != nil {
			logger.LogError(err, "ocsp_responder_setup", map[string]interface{}{"ca": authority.Name})
			continue
		}
		mux.Handle("/ocsp/"+authority.Name+"/", http.StripPrefix("/ocsp/"+authority.Name, responder))
		mounted++
	}
	if mounted == 0 {
		return nil, fmt.Errorf("no CA eligible for OCSP serving")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.OCSPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("port", config.OCSPPort).Info("OCSP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("OCSP server failed:", err)
		}
	}()
	return server, nil
}
