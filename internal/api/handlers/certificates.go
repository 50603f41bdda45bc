package handlers

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"certforge/internal/acme"
	"certforge/internal/ca"
	"certforge/internal/profile"
	"certforge/internal/storage"
	"certforge/internal/utils"
	"certforge/internal/x509util"
)

type subjectAttribute struct {
	Attr  string `json:"attr" binding:"required"`
	Value string `json:"value" binding:"required"`
}

type issueRequest struct {
	CA              string             `json:"ca" binding:"required"`
	Profile         string             `json:"profile"`
	Subject         []subjectAttribute `json:"subject"`
	SubjectAltNames []string           `json:"subject_alt_names"`
	ValidityDays    int                `json:"validity_days"`
	CSRPEM          string             `json:"csr_pem" binding:"required"`
}

func (h *Handler) IssueCertificate(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}

	authority, err := storage.GetCAByName(c.Request.Context(), h.db, req.CA)
	if err != nil {
		h.writeError(c, err)
		return
	}

	csr, err := parseCSRPEM(req.CSRPEM)
	if err != nil {
		h.writeError(c, utils.ErrMalformed.WithField("csr_pem").WithCause(err))
		return
	}

	var subject x509util.Name
	for _, attr := range req.Subject {
		oid, ok := x509util.AttributeTypeByName(attr.Attr)
		if !ok {
			h.writeError(c, utils.ErrUnsortableName.WithField(attr.Attr))
			return
		}
		subject = append(subject, x509util.NameAttribute{Type: oid, Value: attr.Value})
	}

	var callerExtensions *x509util.ExtensionSet
	if len(req.SubjectAltNames) > 0 {
		names := make([]x509util.GeneralName, 0, len(req.SubjectAltNames))
		for _, raw := range req.SubjectAltNames {
			name, err := x509util.ParseGeneralName(raw)
			if err != nil {
				h.writeError(c, utils.ErrMalformed.WithField(raw).WithCause(err))
				return
			}
			names = append(names, name)
		}
		callerExtensions, err = x509util.NewExtensionSet(
			x509util.Extension{Value: x509util.SubjectAlternativeName{Names: names}},
		)
		if err != nil {
			h.writeError(c, err)
			return
		}
	}

	profileName := req.Profile
	if profileName == "" {
		profileName = h.cfg.DefaultProfile
	}
	p, err := h.profiles.Get(profileName)
	if err != nil {
		h.writeError(c, utils.ErrNotFound.WithField("profile").WithCause(err))
		return
	}

	issuer, err := acme.IssuerFromCA(authority)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resolution, err := profile.Resolve(p, subject, callerExtensions, issuer, csr.PublicKey)
	if err != nil {
		h.writeError(c, err)
		return
	}

	validity := p.Expires
	if req.ValidityDays > 0 {
		validity = time.Duration(req.ValidityDays) * 24 * time.Hour
	}

	signer, err := h.signerFor(authority)
	if err != nil {
		h.writeError(c, err)
		return
	}

	cert, err := h.dispatcher.Sign(c.Request.Context(), signer, &ca.Request{
		CA:         authority,
		Subject:    resolution.Subject,
		Extensions: resolution.Extensions,
		PublicKey:  csr.PublicKey,
		NotAfter:   time.Now().Add(validity),
		Algorithm:  p.Algorithm,
		Profile:    profileName,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.metrics.CertificatesIssued.WithLabelValues(authority.Name, profileName).Inc()
	c.JSON(http.StatusCreated, cert)
}

func (h *Handler) GetCertificate(c *gin.Context) {
	cert, err := storage.GetCertificateBySerial(c.Request.Context(), h.db, c.Param("serial"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (h *Handler) ListCertificates(c *gin.Context) {
	var caID int64
	if name := c.Query("ca"); name != "" {
		authority, err := storage.GetCAByName(c.Request.Context(), h.db, name)
		if err != nil {
			h.writeError(c, err)
			return
		}
		caID = authority.ID
	}

	certs, err := storage.ListCertificates(c.Request.Context(), h.db, caID, c.Query("status"), 500)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": certs, "count": len(certs)})
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeCertificate(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, utils.BadRequestError(err.Error()))
		return
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	serial := c.Param("serial")
	if err := storage.RevokeCertificate(c.Request.Context(), h.db, serial, req.Reason); err != nil {
		h.writeError(c, err)
		return
	}

	h.metrics.CertificatesRevoked.Inc()
	h.logger.LogCertificateEvent("certificate_revoked", serial, 0, map[string]interface{}{
		"reason":  req.Reason,
		"user_id": c.GetString("user_id"),
	})
	c.JSON(http.StatusOK, gin.H{"serial": serial, "status": storage.CertStatusRevoked})
}

func parseCSRPEM(csrPEM string) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("no certificate request PEM block found")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature check failed: %w", err)
	}
	return csr, nil
}
