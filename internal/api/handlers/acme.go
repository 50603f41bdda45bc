package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"certforge/internal/acme"
	"certforge/internal/storage"
	"certforge/internal/utils"
)

type newAccountRequest struct {
	CA          string `json:"ca" binding:"required"`
	Contact     string `json:"contact"`
	Thumbprint  string `json:"thumbprint" binding:"required"`
	TermsAgreed bool   `json:"terms_agreed"`
}

func (h *Handler) NewAcmeAccount(c *gin.Context) {
	var req newAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}

	authority, err := storage.GetCAByName(c.Request.Context(), h.db, req.CA)
	if err != nil {
		h.writeError(c, err)
		return
	}

	account, err := h.machine.RegisterAccount(c.Request.Context(), authority.ID,
		req.Contact, req.Thumbprint, req.TermsAgreed)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

type updateAccountRequest struct {
	Contact *string `json:"contact"`
	Status  string  `json:"status"`
}

func (h *Handler) UpdateAcmeAccount(c *gin.Context) {
	var req updateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}

	update := acme.AccountUpdate{
		Contact:    req.Contact,
		Deactivate: req.Status == acme.AccountDeactivated,
	}
	if err := h.machine.UpdateAccount(c.Request.Context(), c.Param("slug"), update); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slug": c.Param("slug")})
}

type newOrderRequest struct {
	Account     string   `json:"account" binding:"required"`
	Identifiers []string `json:"identifiers" binding:"required"`
}

func (h *Handler) NewAcmeOrder(c *gin.Context) {
	var req newOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}

	order, err := h.machine.NewOrder(c.Request.Context(), req.Account, req.Identifiers)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) GetAcmeOrder(c *gin.Context) {
	order, err := storage.GetAcmeOrderBySlug(c.Request.Context(), h.db, c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	auths, err := storage.ListAuthorizationsForOrder(c.Request.Context(), h.db, order.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "authorizations": auths})
}

func (h *Handler) GetAcmeAuthorization(c *gin.Context) {
	auth, err := storage.GetAcmeAuthorizationBySlug(c.Request.Context(), h.db, c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	challenges, err := storage.ListChallengesForAuthorization(c.Request.Context(), h.db, auth.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorization": auth, "challenges": challenges})
}

// TriggerAcmeChallenge claims the challenge and validates it in-line. The
// validation itself never errors on state conflicts, so a client retrying
// the trigger sees idempotent behavior.
func (h *Handler) TriggerAcmeChallenge(c *gin.Context) {
	slug := c.Param("slug")

	if err := h.machine.TriggerChallenge(c.Request.Context(), slug); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.machine.ValidateChallenge(c.Request.Context(), slug); err != nil {
		h.writeError(c, err)
		return
	}

	challenge, err := storage.GetAcmeChallengeBySlug(c.Request.Context(), h.db, slug)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.metrics.ChallengeValidations.WithLabelValues(challenge.Type, challenge.Status).Inc()
	c.JSON(http.StatusOK, challenge)
}

type finalizeRequest struct {
	CSRPEM string `json:"csr_pem" binding:"required"`
}

func (h *Handler) FinalizeAcmeOrder(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}

	cert, err := h.machine.FinalizeOrder(c.Request.Context(), c.Param("slug"), req.CSRPEM)
	if err != nil {
		h.writeError(c, err)
		return
	}

	caName := ""
	if authority, err := storage.GetCA(c.Request.Context(), h.db, cert.CAID); err == nil {
		caName = authority.Name
	}
	h.metrics.CertificatesIssued.WithLabelValues(caName, cert.Profile).Inc()
	c.JSON(http.StatusOK, cert)
}

// DownloadAcmeCertificate returns the issued certificate PEM for a valid
// order.
func (h *Handler) DownloadAcmeCertificate(c *gin.Context) {
	order, err := storage.GetAcmeOrderBySlug(c.Request.Context(), h.db, c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	acmeCert, err := storage.GetAcmeCertificateForOrder(c.Request.Context(), h.db, order.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if acmeCert.CertificateID == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "certificate not issued yet"})
		return
	}

	cert, err := storage.GetCertificate(c.Request.Context(), h.db, *acmeCert.CertificateID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "application/pem-certificate-chain")
	c.String(http.StatusOK, cert.CertificatePEM)
}
