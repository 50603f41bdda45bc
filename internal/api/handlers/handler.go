package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"certforge/internal/acme"
	"certforge/internal/ca"
	"certforge/internal/profile"
	"certforge/internal/services"
	"certforge/internal/utils"
)

type Handler struct {
	db         *sql.DB
	cfg        *utils.Config
	logger     *utils.Logger
	dispatcher *ca.Dispatcher
	machine    *acme.Machine
	profiles   *profile.Store
	metrics    *services.Metrics
	signerFor  acme.SignerFor
}

func New(db *sql.DB, cfg *utils.Config, logger *utils.Logger, dispatcher *ca.Dispatcher,
	machine *acme.Machine, profiles *profile.Store, metrics *services.Metrics,
	signerFor acme.SignerFor) *Handler {
	return &Handler{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		machine:    machine,
		profiles:   profiles,
		metrics:    metrics,
		signerFor:  signerFor,
	}
}

// writeError maps the error taxonomy onto HTTP, with a structured body
// naming the offending field where known.
func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, utils.NotFoundError("not found"))
		return
	}

	var coreErr *utils.Error
	if errors.As(err, &coreErr) {
		details := coreErr.Code
		if coreErr.Field != "" {
			details = coreErr.Code + ": " + coreErr.Field
		}
		c.JSON(utils.HTTPStatus(err), utils.NewAPIError(utils.HTTPStatus(err), coreErr.Message, details))
		return
	}

	h.logger.LogError(err, "api_request", map[string]interface{}{
		"path": c.Request.URL.Path,
	})
	c.JSON(http.StatusInternalServerError, utils.InternalServerError("internal error"))
}
