package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"certforge/internal/acme"
	"certforge/internal/api/handlers"
	"certforge/internal/api/middleware"
	"certforge/internal/ca"
	"certforge/internal/profile"
	"certforge/internal/services"
	"certforge/internal/utils"
)

type Server struct {
	config *utils.Config
	logger *utils.Logger
	engine *gin.Engine
	server *http.Server
}

func NewServer(db *sql.DB, config *utils.Config, logger *utils.Logger, dispatcher *ca.Dispatcher,
	machine *acme.Machine, profiles *profile.Store, metrics *services.Metrics,
	signerFor acme.SignerFor) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		config: config,
		logger: logger,
		engine: engine,
	}

	handler := handlers.New(db, config, logger, dispatcher, machine, profiles, metrics, signerFor)
	s.setupMiddleware()
	s.setupRoutes(handler)

	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(middleware.RequestLogger(s.logger))
	s.engine.Use(middleware.SecurityHeaders())
}

func (s *Server) setupRoutes(handler *handlers.Handler) {
	s.engine.GET("/health", handler.Health)

	api := s.engine.Group("/api/v1")
	api.Use(middleware.RateLimit(s.config.APIRequestsPerMin))
	api.Use(middleware.JWTAuth(s.config.JWTSecret, s.logger))
	{
		api.GET("/cas", handler.ListCAs)
		api.GET("/cas/:name", handler.GetCA)
		api.PATCH("/cas/:name", handler.EditCA)

		api.POST("/certificates", handler.IssueCertificate)
		api.GET("/certificates", handler.ListCertificates)
		api.GET("/certificates/:serial", handler.GetCertificate)
		api.POST("/certificates/:serial/revoke", handler.RevokeCertificate)

		api.GET("/profiles", handler.ListProfiles)
		api.POST("/profiles/reload", handler.ReloadProfiles)
	}

	acmeAPI := s.engine.Group("/acme/v1")
	acmeAPI.Use(middleware.RateLimit(s.config.AcmeRequestsPerMin))
	{
		acmeAPI.POST("/accounts", handler.NewAcmeAccount)
		acmeAPI.POST("/accounts/:slug", handler.UpdateAcmeAccount)
		acmeAPI.POST("/orders", handler.NewAcmeOrder)
		acmeAPI.GET("/orders/:slug", handler.GetAcmeOrder)
		acmeAPI.POST("/orders/:slug/finalize", handler.FinalizeAcmeOrder)
		acmeAPI.GET("/orders/:slug/certificate", handler.DownloadAcmeCertificate)
		acmeAPI.GET("/authorizations/:slug", handler.GetAcmeAuthorization)
		acmeAPI.POST("/challenges/:slug", handler.TriggerAcmeChallenge)
	}
}

func (s *Server) Run() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.APIPort),
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.WithField("port", s.config.APIPort).Info("API server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
