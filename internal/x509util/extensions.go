package x509util

import (
	"fmt"
	"sort"
)

// ExtensionKind enumerates every extension this CA knows how to put into a
// certificate. The set is closed on purpose: an extension kind outside this
// list is rejected instead of silently ignored.
type ExtensionKind string

const (
	KindAuthorityInformationAccess ExtensionKind = "authority_information_access"
	KindAuthorityKeyIdentifier     ExtensionKind = "authority_key_identifier"
	KindBasicConstraints           ExtensionKind = "basic_constraints"
	KindCRLDistributionPoints      ExtensionKind = "crl_distribution_points"
	KindCertificatePolicies        ExtensionKind = "certificate_policies"
	KindExtendedKeyUsage           ExtensionKind = "extended_key_usage"
	KindIssuerAlternativeName      ExtensionKind = "issuer_alternative_name"
	KindKeyUsage                   ExtensionKind = "key_usage"
	KindNameConstraints            ExtensionKind = "name_constraints"
	KindOCSPNoCheck                ExtensionKind = "ocsp_no_check"
	KindSubjectAlternativeName     ExtensionKind = "subject_alternative_name"
	KindSubjectKeyIdentifier       ExtensionKind = "subject_key_identifier"
	KindTLSFeature                 ExtensionKind = "tls_feature"
)

// configurableKinds is the allow-list of extension kinds a caller or a
// profile may set. Subject and authority key identifiers and basic
// constraints are always derived by the CA itself.
var configurableKinds = map[ExtensionKind]bool{
	KindAuthorityInformationAccess: true,
	KindCRLDistributionPoints:      true,
	KindCertificatePolicies:        true,
	KindExtendedKeyUsage:           true,
	KindIssuerAlternativeName:      true,
	KindKeyUsage:                   true,
	KindNameConstraints:            true,
	KindOCSPNoCheck:                true,
	KindSubjectAlternativeName:     true,
	KindTLSFeature:                 true,
}

func IsConfigurable(kind ExtensionKind) bool {
	return configurableKinds[kind]
}

func IsKnownKind(kind ExtensionKind) bool {
	switch kind {
	case KindAuthorityInformationAccess, KindAuthorityKeyIdentifier,
		KindBasicConstraints, KindCRLDistributionPoints,
		KindCertificatePolicies, KindExtendedKeyUsage,
		KindIssuerAlternativeName, KindKeyUsage, KindNameConstraints,
		KindOCSPNoCheck, KindSubjectAlternativeName,
		KindSubjectKeyIdentifier, KindTLSFeature:
		return true
	}
	return false
}

// ExtensionValue is the closed union of per-kind extension payloads.
type ExtensionValue interface {
	ExtensionKind() ExtensionKind
}

type AccessMethod string

const (
	AccessMethodOCSP      AccessMethod = "ocsp"
	AccessMethodCAIssuers AccessMethod = "ca_issuers"
)

// OID returns the dotted-string object identifier of the access method,
// used as the deterministic sort key for access descriptions.
func (m AccessMethod) OID() string {
	switch m {
	case AccessMethodOCSP:
		return "1.3.6.1.5.5.7.48.1"
	case AccessMethodCAIssuers:
		return "1.3.6.1.5.5.7.48.2"
	}
	return string(m)
}

type AccessDescription struct {
	Method   AccessMethod
	Location GeneralName
}

type AuthorityInformationAccess struct {
	AccessDescriptions []AccessDescription
}

func (AuthorityInformationAccess) ExtensionKind() ExtensionKind {
	return KindAuthorityInformationAccess
}

// SortAccessDescriptions orders access descriptions by access-method OID
// string so merged AIA extensions are deterministic.
func SortAccessDescriptions(descriptions []AccessDescription) {
	sort.SliceStable(descriptions, func(i, j int) bool {
		return descriptions[i].Method.OID() < descriptions[j].Method.OID()
	})
}

type AuthorityKeyIdentifier struct {
	KeyIdentifier []byte
}

func (AuthorityKeyIdentifier) ExtensionKind() ExtensionKind { return KindAuthorityKeyIdentifier }

type BasicConstraints struct {
	CA      bool
	PathLen *int
}

func (BasicConstraints) ExtensionKind() ExtensionKind { return KindBasicConstraints }

type CRLDistributionPoints struct {
	URLs []string
}

func (CRLDistributionPoints) ExtensionKind() ExtensionKind { return KindCRLDistributionPoints }

type CertificatePolicies struct {
	PolicyIdentifiers []string
}

func (CertificatePolicies) ExtensionKind() ExtensionKind { return KindCertificatePolicies }

type ExtendedKeyUsage struct {
	Usages []string
}

func (ExtendedKeyUsage) ExtensionKind() ExtensionKind { return KindExtendedKeyUsage }

type IssuerAlternativeName struct {
	Names []GeneralName
}

func (IssuerAlternativeName) ExtensionKind() ExtensionKind { return KindIssuerAlternativeName }

type KeyUsage struct {
	Usages []string
}

func (KeyUsage) ExtensionKind() ExtensionKind { return KindKeyUsage }

type NameConstraints struct {
	PermittedDNS []string
	ExcludedDNS  []string
}

func (NameConstraints) ExtensionKind() ExtensionKind { return KindNameConstraints }

type OCSPNoCheck struct{}

func (OCSPNoCheck) ExtensionKind() ExtensionKind { return KindOCSPNoCheck }

type SubjectAlternativeName struct {
	Names []GeneralName
}

func (SubjectAlternativeName) ExtensionKind() ExtensionKind { return KindSubjectAlternativeName }

type SubjectKeyIdentifier struct {
	KeyIdentifier []byte
}

func (SubjectKeyIdentifier) ExtensionKind() ExtensionKind { return KindSubjectKeyIdentifier }

type TLSFeature struct {
	Features []int
}

func (TLSFeature) ExtensionKind() ExtensionKind { return KindTLSFeature }

// Extension pairs a payload with its criticality.
type Extension struct {
	Critical bool
	Value    ExtensionValue
}

func (e Extension) Kind() ExtensionKind {
	return e.Value.ExtensionKind()
}

// ExtensionSet holds at most one extension per kind. Mutation goes through
// Set and Clear only.
type ExtensionSet struct {
	m map[ExtensionKind]Extension
}

func NewExtensionSet(extensions ...Extension) (*ExtensionSet, error) {
	set := &ExtensionSet{m: make(map[ExtensionKind]Extension, len(extensions))}
	for _, ext := range extensions {
		if _, ok := set.m[ext.Kind()]; ok {
			return nil, fmt.Errorf("duplicate extension kind %q", ext.Kind())
		}
		set.m[ext.Kind()] = ext
	}
	return set, nil
}

func (s *ExtensionSet) Set(ext Extension) {
	if s.m == nil {
		s.m = make(map[ExtensionKind]Extension)
	}
	s.m[ext.Kind()] = ext
}

func (s *ExtensionSet) Clear(kind ExtensionKind) {
	delete(s.m, kind)
}

func (s *ExtensionSet) Get(kind ExtensionKind) (Extension, bool) {
	ext, ok := s.m[kind]
	return ext, ok
}

func (s *ExtensionSet) Has(kind ExtensionKind) bool {
	_, ok := s.m[kind]
	return ok
}

func (s *ExtensionSet) Len() int {
	return len(s.m)
}

func (s *ExtensionSet) Clone() *ExtensionSet {
	clone := &ExtensionSet{m: make(map[ExtensionKind]Extension, len(s.m))}
	for kind, ext := range s.m {
		clone.m[kind] = ext
	}
	return clone
}

// List returns the extensions sorted by kind for deterministic iteration.
func (s *ExtensionSet) List() []Extension {
	kinds := make([]string, 0, len(s.m))
	for kind := range s.m {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	extensions := make([]Extension, 0, len(kinds))
	for _, kind := range kinds {
		extensions = append(extensions, s.m[ExtensionKind(kind)])
	}
	return extensions
}

// FirstCommonNameCandidate returns the first DNS or IP entry of a subject
// alternative name, in declared order. Used to derive a missing common name.
func (san SubjectAlternativeName) FirstCommonNameCandidate() (GeneralName, bool) {
	for _, name := range san.Names {
		if name.Kind == GeneralNameDNS || name.Kind == GeneralNameIP {
			return name, true
		}
	}
	return GeneralName{}, false
}

// EqualAccessDescription reports exact equality, used to drop duplicates
// when merging CA access descriptions into a certificate's AIA extension.
func EqualAccessDescription(a, b AccessDescription) bool {
	return a.Method == b.Method && a.Location.Kind == b.Location.Kind && a.Location.Value == b.Location.Value
}
