package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"certforge/internal/storage"
	"certforge/internal/utils"
)

func (h *Handler) ListCAs(c *gin.Context) {
	cas, err := storage.ListCAs(c.Request.Context(), h.db, c.Query("enabled") == "true")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificate_authorities": cas, "count": len(cas)})
}

func (h *Handler) GetCA(c *gin.Context) {
	authority, err := storage.GetCAByName(c.Request.Context(), h.db, c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, authority)
}

type editCARequest struct {
	Enabled            *bool   `json:"enabled"`
	IssuerURL          *string `json:"issuer_url"`
	OCSPURL            *string `json:"ocsp_url"`
	CRLURL             *string `json:"crl_url"`
	IssuerAltName      *string `json:"issuer_alt_name"`
	ACMEEnabled        *bool   `json:"acme_enabled"`
	ACMERequireContact *bool   `json:"acme_require_contact"`
	ACMEProfile        *string `json:"acme_profile"`
}

// EditCA updates the CA's serving URLs and ACME flags. The certificate,
// key reference and validity are immutable after creation; disabling is
// the only way to take a CA out of rotation.
func (h *Handler) EditCA(c *gin.Context) {
	var req editCARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}

	authority, err := storage.GetCAByName(c.Request.Context(), h.db, c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	if req.Enabled != nil {
		authority.Enabled = *req.Enabled
	}
	if req.IssuerURL != nil {
		authority.IssuerURL = *req.IssuerURL
	}
	if req.OCSPURL != nil {
		authority.OCSPURL = *req.OCSPURL
	}
	if req.CRLURL != nil {
		authority.CRLURL = *req.CRLURL
	}
	if req.IssuerAltName != nil {
		authority.IssuerAltName = *req.IssuerAltName
	}
	if req.ACMEEnabled != nil {
		authority.ACMEEnabled = *req.ACMEEnabled
	}
	if req.ACMERequireContact != nil {
		authority.ACMERequireContact = *req.ACMERequireContact
	}
	if req.ACMEProfile != nil {
		authority.ACMEProfile = *req.ACMEProfile
	}

	if err := storage.UpdateCA(c.Request.Context(), h.db, authority); err != nil {
		h.writeError(c, err)
		return
	}

	_ = storage.CreateAuditLog(c.Request.Context(), h.db, &storage.AuditLog{
		UserID:     c.GetString("user_id"),
		Action:     "edit_ca",
		Resource:   "certificate_authority",
		ResourceID: authority.Name,
		IPAddress:  c.ClientIP(),
		Details:    "{}",
	})

	authority.UpdatedAt = time.Now()
	c.JSON(http.StatusOK, authority)
}
