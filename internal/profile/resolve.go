package profile

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"

	"github.com/cloudflare/circl/sign/ed448"

	"certforge/internal/utils"
	"certforge/internal/x509util"
)

// Resolution is the finalized issuance input produced by Resolve: the
// merged subject and the complete extension set, ready for signing.
type Resolution struct {
	Subject    x509util.Name
	Extensions *x509util.ExtensionSet
}

// Resolve merges caller-supplied extensions with profile defaults and
// CA-published data, derives a missing common name from the subject
// alternative name, and appends the CA-mandated end-entity extensions.
//
// Precedence, strictly in this order: caller extensions win over profile
// defaults; a nil profile entry unsets its kind outright; CA URLs are only
// added where the working set has no competing entry; basic constraints and
// both key identifiers always come from the CA and the public key.
func Resolve(p *Profile, subject x509util.Name, callerExtensions *x509util.ExtensionSet, issuer Issuer, pub crypto.PublicKey) (*Resolution, error) {
	if err := validatePublicKey(pub); err != nil {
		return nil, err
	}

	working := &x509util.ExtensionSet{}
	if callerExtensions != nil {
		for _, ext := range callerExtensions.List() {
			if !x509util.IsConfigurable(ext.Kind()) {
				return nil, utils.ErrNonConfigurableExtension.WithField(string(ext.Kind()))
			}
			working.Set(ext)
		}
	}

	for kind, ext := range p.Extensions {
		if ext == nil {
			working.Clear(kind)
			continue
		}
		if !working.Has(kind) {
			working.Set(*ext)
		}
	}

	if p.AddCRLURL && len(issuer.CRLURLs) > 0 && !working.Has(x509util.KindCRLDistributionPoints) {
		working.Set(x509util.Extension{
			Value: x509util.CRLDistributionPoints{URLs: append([]string(nil), issuer.CRLURLs...)},
		})
	}

	if err := mergeAuthorityInformationAccess(working, p, issuer); err != nil {
		return nil, err
	}

	if p.AddIssuerAlternativeName && len(issuer.IssuerAlternativeName) > 0 &&
		!working.Has(x509util.KindIssuerAlternativeName) {
		working.Set(x509util.Extension{
			Value: x509util.IssuerAlternativeName{
				Names: append([]x509util.GeneralName(nil), issuer.IssuerAlternativeName...),
			},
		})
	}

	merged, err := x509util.MergeNames(p.Subject, subject)
	if err != nil {
		return nil, err
	}
	merged, err = deriveCommonName(merged, working)
	if err != nil {
		return nil, err
	}

	ski, err := x509util.SubjectKeyID(pub)
	if err != nil {
		return nil, utils.ErrUnsupportedPublicKeyType.WithCause(err)
	}
	working.Set(x509util.Extension{
		Critical: true,
		Value:    x509util.BasicConstraints{CA: false},
	})
	working.Set(x509util.Extension{Value: x509util.SubjectKeyIdentifier{KeyIdentifier: ski}})
	working.Set(x509util.Extension{Value: x509util.AuthorityKeyIdentifier{KeyIdentifier: issuer.KeyIdentifier}})

	return &Resolution{Subject: merged, Extensions: working}, nil
}

// mergeAuthorityInformationAccess appends the CA's access descriptions to
// the working AIA, per access method: a method already present in the
// working set is left alone. The result is sorted by access-method OID and
// takes the CA's criticality.
func mergeAuthorityInformationAccess(working *x509util.ExtensionSet, p *Profile, issuer Issuer) error {
	var caDescriptions []x509util.AccessDescription
	if p.AddOCSPURL && issuer.OCSPURL != "" {
		location, err := x509util.ParseGeneralName(issuer.OCSPURL)
		if err != nil {
			return utils.ErrMalformed.WithField("ocsp_url").WithCause(err)
		}
		caDescriptions = append(caDescriptions, x509util.AccessDescription{
			Method: x509util.AccessMethodOCSP, Location: location,
		})
	}
	if p.AddIssuerURL && issuer.IssuerURL != "" {
		location, err := x509util.ParseGeneralName(issuer.IssuerURL)
		if err != nil {
			return utils.ErrMalformed.WithField("issuer_url").WithCause(err)
		}
		caDescriptions = append(caDescriptions, x509util.AccessDescription{
			Method: x509util.AccessMethodCAIssuers, Location: location,
		})
	}
	if len(caDescriptions) == 0 {
		return nil
	}

	var descriptions []x509util.AccessDescription
	if existing, ok := working.Get(x509util.KindAuthorityInformationAccess); ok {
		descriptions = append(descriptions, existing.Value.(x509util.AuthorityInformationAccess).AccessDescriptions...)
	}

	present := make(map[x509util.AccessMethod]bool, len(descriptions))
	for _, d := range descriptions {
		present[d.Method] = true
	}
	for _, d := range caDescriptions {
		if !present[d.Method] {
			descriptions = append(descriptions, d)
		}
	}

	x509util.SortAccessDescriptions(descriptions)
	working.Set(x509util.Extension{
		Critical: issuer.AIACritical,
		Value:    x509util.AuthorityInformationAccess{AccessDescriptions: descriptions},
	})
	return nil
}

// deriveCommonName fills in a missing common name from the first DNS or IP
// entry of the subject alternative name. A subject that ends up with
// neither a common name nor a usable alternative name cannot identify
// anything and is rejected.
func deriveCommonName(subject x509util.Name, extensions *x509util.ExtensionSet) (x509util.Name, error) {
	if subject.CommonName() != "" {
		return subject, nil
	}

	ext, ok := extensions.Get(x509util.KindSubjectAlternativeName)
	if !ok {
		return nil, utils.ErrMissingSubjectIdentity
	}
	san := ext.Value.(x509util.SubjectAlternativeName)
	candidate, ok := san.FirstCommonNameCandidate()
	if !ok {
		return nil, utils.ErrMissingSubjectIdentity
	}

	// The bare value must parse back to the same general name before it
	// may stand in as a common name. A DNS entry whose value reads as an
	// IP literal, for example, would change meaning when verifiers parse
	// the common name on its own.
	parsed, err := x509util.ParseGeneralName(candidate.Value)
	if err != nil {
		return nil, utils.ErrUnparsableCommonName.WithCause(err)
	}
	if parsed.Kind != candidate.Kind || parsed.Value != candidate.Value {
		return nil, utils.ErrUnparsableCommonName.WithField(candidate.Value)
	}

	return x509util.MergeNames(subject, x509util.Name{
		{Type: x509util.OIDCommonName, Value: candidate.Value},
	})
}

func validatePublicKey(pub crypto.PublicKey) error {
	switch pub.(type) {
	case *rsa.PublicKey, *dsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey, ed448.PublicKey:
		return nil
	}
	return utils.ErrUnsupportedPublicKeyType
}
