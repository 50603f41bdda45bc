package storage

import (
	"time"
)

type CertificateAuthority struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Serial         string     `json:"serial"`
	Subject        string     `json:"subject"`
	CertificatePEM string     `json:"certificate_pem"`
	KeyBackend     string     `json:"key_backend"`
	KeyReference   string     `json:"key_reference"`
	NotBefore      time.Time  `json:"not_before"`
	NotAfter       time.Time  `json:"not_after"`
	Enabled        bool       `json:"enabled"`
	Revoked        bool       `json:"revoked"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`

	IssuerURL     string `json:"issuer_url"`
	OCSPURL       string `json:"ocsp_url"`
	CRLURL        string `json:"crl_url"`
	IssuerAltName string `json:"issuer_alt_name"`

	ACMEEnabled        bool   `json:"acme_enabled"`
	ACMERequireContact bool   `json:"acme_require_contact"`
	ACMEProfile        string `json:"acme_profile"`

	OCSPResponderKeyValidityDays int `json:"ocsp_responder_key_validity_days"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	CertStatusActive  = "active"
	CertStatusRevoked = "revoked"
	CertStatusExpired = "expired"
)

type Certificate struct {
	ID               int64      `json:"id"`
	CAID             int64      `json:"ca_id"`
	Serial           string     `json:"serial"`
	CommonName       string     `json:"common_name"`
	Subject          string     `json:"subject"`
	CertificatePEM   string     `json:"certificate_pem"`
	Profile          string     `json:"profile"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	Status           string     `json:"status"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	Autogenerated    bool       `json:"autogenerated"`
	CreatedAt        time.Time  `json:"created_at"`
}

type AcmeAccount struct {
	ID         int64     `json:"-"`
	CAID       int64     `json:"-"`
	Slug       string    `json:"slug"`
	Status     string    `json:"status"`
	Contact    string    `json:"contact"`
	Thumbprint string    `json:"-"`
	TermsAgreed bool     `json:"terms_agreed"`
	CreatedAt  time.Time `json:"created_at"`
}

type AcmeOrder struct {
	ID        int64      `json:"-"`
	AccountID int64      `json:"-"`
	Slug      string     `json:"slug"`
	Status    string     `json:"status"`
	Expires   time.Time  `json:"expires"`
	NotBefore *time.Time `json:"not_before,omitempty"`
	NotAfter  *time.Time `json:"not_after,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type AcmeAuthorization struct {
	ID       int64  `json:"-"`
	OrderID  int64  `json:"-"`
	Slug     string `json:"slug"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	Status   string `json:"status"`
	Wildcard bool   `json:"wildcard"`
}

type AcmeChallenge struct {
	ID              int64      `json:"-"`
	AuthorizationID int64      `json:"-"`
	Slug            string     `json:"slug"`
	Type            string     `json:"type"`
	Token           string     `json:"token"`
	Status          string     `json:"status"`
	Validated       *time.Time `json:"validated,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type AcmeCertificate struct {
	ID            int64  `json:"-"`
	OrderID       int64  `json:"-"`
	Slug          string `json:"slug"`
	CSRPEM        string `json:"-"`
	CertificateID *int64 `json:"-"`
}

type AuditLog struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	ResourceID string   `json:"resource_id"`
	IPAddress string    `json:"ip_address"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// Usable reports whether the CA may take part in issuance or serving
// paths. Disabled CAs are soft-disabled, never deleted.
func (ca *CertificateAuthority) Usable(now time.Time) bool {
	return ca.Enabled && !ca.Revoked && now.Before(ca.NotAfter)
}
