package x509util

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certforge/internal/utils"
)

func TestMergeNamesUpdateWinsOnSingularTypes(t *testing.T) {
	base := Name{
		{Type: OIDCountry, Value: "AT"},
		{Type: OIDOrganization, Value: "Example Org"},
		{Type: OIDCommonName, Value: "old.example.com"},
	}
	update := Name{
		{Type: OIDCommonName, Value: "new.example.com"},
	}

	merged, err := MergeNames(base, update)
	require.NoError(t, err)

	assert.Equal(t, []string{"AT"}, merged.Get(OIDCountry))
	assert.Equal(t, []string{"Example Org"}, merged.Get(OIDOrganization))
	assert.Equal(t, []string{"new.example.com"}, merged.Get(OIDCommonName))
}

func TestMergeNamesAppendsRepeatableTypes(t *testing.T) {
	base := Name{
		{Type: OIDOrganizationalUnit, Value: "Unit A"},
	}
	update := Name{
		{Type: OIDOrganizationalUnit, Value: "Unit B"},
		{Type: OIDOrganizationalUnit, Value: "Unit A"},
	}

	merged, err := MergeNames(base, update)
	require.NoError(t, err)

	assert.Equal(t, []string{"Unit A", "Unit B"}, merged.Get(OIDOrganizationalUnit))
}

func TestMergeNamesIdempotentOnRepeats(t *testing.T) {
	name := Name{
		{Type: OIDOrganizationalUnit, Value: "Unit A"},
		{Type: OIDOrganizationalUnit, Value: "Unit B"},
	}

	merged, err := MergeNames(name, name)
	require.NoError(t, err)

	assert.Equal(t, []string{"Unit A", "Unit B"}, merged.Get(OIDOrganizationalUnit))
}

func TestMergeNamesOutputOrderIsCanonical(t *testing.T) {
	permutations := []Name{
		{
			{Type: OIDCommonName, Value: "example.com"},
			{Type: OIDCountry, Value: "AT"},
			{Type: OIDOrganization, Value: "Example Org"},
		},
		{
			{Type: OIDOrganization, Value: "Example Org"},
			{Type: OIDCommonName, Value: "example.com"},
			{Type: OIDCountry, Value: "AT"},
		},
		{
			{Type: OIDCountry, Value: "AT"},
			{Type: OIDOrganization, Value: "Example Org"},
			{Type: OIDCommonName, Value: "example.com"},
		},
	}

	for _, input := range permutations {
		merged, err := MergeNames(nil, input)
		require.NoError(t, err)
		assert.Equal(t, "C=AT,O=Example Org,CN=example.com", merged.String())
	}
}

func TestMergeNamesRejectsUnknownAttributeTypes(t *testing.T) {
	// businessCategory is not part of the canonical order.
	unknown := asn1.ObjectIdentifier{2, 5, 4, 15}
	update := Name{{Type: unknown, Value: "Private Organization"}}

	_, err := MergeNames(nil, update)
	assert.ErrorIs(t, err, utils.ErrUnsortableName)

	_, err = MergeNames(update, nil)
	assert.ErrorIs(t, err, utils.ErrUnsortableName)
}

func TestNameCommonName(t *testing.T) {
	name := Name{
		{Type: OIDCountry, Value: "AT"},
		{Type: OIDCommonName, Value: "example.com"},
	}
	assert.Equal(t, "example.com", name.CommonName())
	assert.Equal(t, "", Name{}.CommonName())
}

func TestNamePKIXPreservesOrder(t *testing.T) {
	name := Name{
		{Type: OIDCountry, Value: "AT"},
		{Type: OIDOrganization, Value: "Example Org"},
		{Type: OIDCommonName, Value: "example.com"},
	}

	pkixName := name.PKIX()
	require.Len(t, pkixName.ExtraNames, 3)
	assert.True(t, pkixName.ExtraNames[0].Type.Equal(OIDCountry))
	assert.True(t, pkixName.ExtraNames[2].Type.Equal(OIDCommonName))
}
