package x509util

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	"certforge/internal/utils"
)

var (
	OIDDomainComponent    = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
	OIDCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	OIDPostalCode         = asn1.ObjectIdentifier{2, 5, 4, 17}
	OIDStateOrProvince    = asn1.ObjectIdentifier{2, 5, 4, 8}
	OIDLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	OIDStreetAddress      = asn1.ObjectIdentifier{2, 5, 4, 9}
	OIDOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	OIDOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	OIDTitle              = asn1.ObjectIdentifier{2, 5, 4, 12}
	OIDCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	OIDUserID             = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	OIDEmailAddress       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	OIDSerialNumber       = asn1.ObjectIdentifier{2, 5, 4, 5}
)

// canonicalNameOrder is the fixed attribute ordering used for every subject
// this CA emits. Merging names containing any other attribute type fails:
// unknown types cannot be placed deterministically.
var canonicalNameOrder = []asn1.ObjectIdentifier{
	OIDDomainComponent,
	OIDCountry,
	OIDPostalCode,
	OIDStateOrProvince,
	OIDLocality,
	OIDStreetAddress,
	OIDOrganization,
	OIDOrganizationalUnit,
	OIDTitle,
	OIDCommonName,
	OIDUserID,
	OIDEmailAddress,
	OIDSerialNumber,
}

// multiValueOIDs are the attribute types that may occur more than once in a
// subject.
var multiValueOIDs = []asn1.ObjectIdentifier{
	OIDDomainComponent,
	OIDOrganizationalUnit,
	OIDStreetAddress,
}

var nameOIDShortcuts = map[string]string{
	OIDDomainComponent.String():    "DC",
	OIDCountry.String():            "C",
	OIDPostalCode.String():         "postalCode",
	OIDStateOrProvince.String():    "ST",
	OIDLocality.String():           "L",
	OIDStreetAddress.String():      "street",
	OIDOrganization.String():       "O",
	OIDOrganizationalUnit.String(): "OU",
	OIDTitle.String():              "title",
	OIDCommonName.String():         "CN",
	OIDUserID.String():             "UID",
	OIDEmailAddress.String():       "emailAddress",
	OIDSerialNumber.String():       "serialNumber",
}

// AttributeTypeByName maps a short attribute label (C, O, OU, CN, ...) to
// its OID. Used by the profile loader.
func AttributeTypeByName(label string) (asn1.ObjectIdentifier, bool) {
	for _, oid := range canonicalNameOrder {
		if nameOIDShortcuts[oid.String()] == label {
			return oid, true
		}
	}
	return nil, false
}

type NameAttribute struct {
	Type  asn1.ObjectIdentifier
	Value string
}

// Name is an ordered sequence of subject attributes.
type Name []NameAttribute

func isMultiValue(oid asn1.ObjectIdentifier) bool {
	for _, m := range multiValueOIDs {
		if oid.Equal(m) {
			return true
		}
	}
	return false
}

func inCanonicalOrder(oid asn1.ObjectIdentifier) bool {
	for _, o := range canonicalNameOrder {
		if oid.Equal(o) {
			return true
		}
	}
	return false
}

// Get returns all values for the given attribute type, in order.
func (n Name) Get(oid asn1.ObjectIdentifier) []string {
	var values []string
	for _, attr := range n {
		if attr.Type.Equal(oid) {
			values = append(values, attr.Value)
		}
	}
	return values
}

func (n Name) CommonName() string {
	values := n.Get(OIDCommonName)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// MergeNames merges update into base. For each attribute type in the
// canonical order, singular types take the update value when present,
// falling back to the base value. Repeatable types (OU, DC, street) keep
// the base values and append update values that are not exact duplicates.
// The result is always in canonical order regardless of input order.
func MergeNames(base, update Name) (Name, error) {
	for _, attr := range base {
		if !inCanonicalOrder(attr.Type) {
			return nil, utils.ErrUnsortableName.WithField(attr.Type.String())
		}
	}
	for _, attr := range update {
		if !inCanonicalOrder(attr.Type) {
			return nil, utils.ErrUnsortableName.WithField(attr.Type.String())
		}
	}

	var merged Name
	for _, oid := range canonicalNameOrder {
		baseValues := base.Get(oid)
		updateValues := update.Get(oid)

		if isMultiValue(oid) {
			seen := make(map[string]bool, len(baseValues)+len(updateValues))
			for _, v := range baseValues {
				if seen[v] {
					continue
				}
				seen[v] = true
				merged = append(merged, NameAttribute{Type: oid, Value: v})
			}
			for _, v := range updateValues {
				if seen[v] {
					continue
				}
				seen[v] = true
				merged = append(merged, NameAttribute{Type: oid, Value: v})
			}
			continue
		}

		if len(updateValues) > 0 {
			merged = append(merged, NameAttribute{Type: oid, Value: updateValues[0]})
		} else if len(baseValues) > 0 {
			merged = append(merged, NameAttribute{Type: oid, Value: baseValues[0]})
		}
	}

	return merged, nil
}

// Sort returns the name rearranged into canonical order. Fails for
// attribute types outside the canonical order.
func (n Name) Sort() (Name, error) {
	return MergeNames(nil, n)
}

// PKIX converts the name for use in an x509 certificate template. All
// attributes go through ExtraNames so the marshaled subject preserves the
// exact attribute order.
func (n Name) PKIX() pkix.Name {
	var name pkix.Name
	for _, attr := range n {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  attr.Type,
			Value: attr.Value,
		})
	}
	return name
}

func (n Name) String() string {
	parts := make([]string, 0, len(n))
	for _, attr := range n {
		label, ok := nameOIDShortcuts[attr.Type.String()]
		if !ok {
			label = attr.Type.String()
		}
		parts = append(parts, fmt.Sprintf("%s=%s", label, attr.Value))
	}
	return strings.Join(parts, ",")
}

func (n Name) Empty() bool {
	return len(n) == 0
}
