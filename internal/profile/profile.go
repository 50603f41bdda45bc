package profile

import (
	"time"

	"certforge/internal/x509util"
)

// Profile is a named issuance policy. A nil entry in Extensions is the
// explicit unset marker: it removes the kind from the working set even
// when the caller supplied nothing for it.
type Profile struct {
	Name        string
	Description string

	Subject   x509util.Name
	Algorithm string
	Expires   time.Duration

	Extensions map[x509util.ExtensionKind]*x509util.Extension

	AddCRLURL                bool
	AddOCSPURL               bool
	AddIssuerURL             bool
	AddIssuerAlternativeName bool

	Autogenerated bool
}

// Issuer carries the CA-side inputs of extension resolution: the URLs the
// CA publishes and the key identifier that becomes the leaf's AKI.
type Issuer struct {
	CRLURLs               []string
	OCSPURL               string
	IssuerURL             string
	IssuerAlternativeName []x509util.GeneralName
	AIACritical           bool
	KeyIdentifier         []byte
}
