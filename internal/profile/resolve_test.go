package profile

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certforge/internal/utils"
	"certforge/internal/x509util"
)

func testKey(t *testing.T) *ecdsa.PublicKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &key.PublicKey
}

func testIssuer() Issuer {
	return Issuer{KeyIdentifier: []byte{0x01, 0x02, 0x03}}
}

func sanExtension(names ...string) x509util.Extension {
	parsed := make([]x509util.GeneralName, 0, len(names))
	for _, name := range names {
		gn, err := x509util.ParseGeneralName(name)
		if err != nil {
			panic(err)
		}
		parsed = append(parsed, gn)
	}
	return x509util.Extension{Value: x509util.SubjectAlternativeName{Names: parsed}}
}

func TestResolveCallerWinsOverProfileDefault(t *testing.T) {
	p := &Profile{
		Name: "test",
		Extensions: map[x509util.ExtensionKind]*x509util.Extension{
			x509util.KindExtendedKeyUsage: {
				Value: x509util.ExtendedKeyUsage{Usages: []string{"client_auth"}},
			},
		},
	}

	caller, err := x509util.NewExtensionSet(
		x509util.Extension{Value: x509util.ExtendedKeyUsage{Usages: []string{"server_auth"}}},
		sanExtension("example.com"),
	)
	require.NoError(t, err)

	resolution, err := Resolve(p, nil, caller, testIssuer(), testKey(t))
	require.NoError(t, err)

	ext, ok := resolution.Extensions.Get(x509util.KindExtendedKeyUsage)
	require.True(t, ok)
	assert.Equal(t, []string{"server_auth"}, ext.Value.(x509util.ExtendedKeyUsage).Usages)
}

func TestResolveProfileDefaultAppliesWhenCallerSilent(t *testing.T) {
	p := &Profile{
		Name: "test",
		Extensions: map[x509util.ExtensionKind]*x509util.Extension{
			x509util.KindExtendedKeyUsage: {
				Value: x509util.ExtendedKeyUsage{Usages: []string{"client_auth"}},
			},
		},
	}

	caller, err := x509util.NewExtensionSet(sanExtension("example.com"))
	require.NoError(t, err)

	resolution, err := Resolve(p, nil, caller, testIssuer(), testKey(t))
	require.NoError(t, err)

	ext, ok := resolution.Extensions.Get(x509util.KindExtendedKeyUsage)
	require.True(t, ok)
	assert.Equal(t, []string{"client_auth"}, ext.Value.(x509util.ExtendedKeyUsage).Usages)
}

func TestResolveExplicitUnsetRemovesKind(t *testing.T) {
	p := &Profile{
		Name: "test",
		Extensions: map[x509util.ExtensionKind]*x509util.Extension{
			x509util.KindExtendedKeyUsage: nil,
		},
	}

	caller, err := x509util.NewExtensionSet(
		x509util.Extension{Value: x509util.ExtendedKeyUsage{Usages: []string{"server_auth"}}},
		sanExtension("example.com"),
	)
	require.NoError(t, err)

	resolution, err := Resolve(p, nil, caller, testIssuer(), testKey(t))
	require.NoError(t, err)

	assert.False(t, resolution.Extensions.Has(x509util.KindExtendedKeyUsage))
}

func TestResolveRejectsNonConfigurableCallerExtension(t *testing.T) {
	caller, err := x509util.NewExtensionSet(
		x509util.Extension{Value: x509util.SubjectKeyIdentifier{KeyIdentifier: []byte{0xff}}},
	)
	require.NoError(t, err)

	_, err = Resolve(&Profile{Name: "test"}, nil, caller, testIssuer(), testKey(t))
	assert.ErrorIs(t, err, utils.ErrNonConfigurableExtension)
}

func TestResolveAIASortedByAccessMethodOID(t *testing.T) {
	p := &Profile{Name: "test", AddOCSPURL: true, AddIssuerURL: true}
	issuer := testIssuer()
	issuer.OCSPURL = "https://ocsp.example"
	issuer.IssuerURL = "https://issuer.example"

	caller, err := x509util.NewExtensionSet(sanExtension("example.com"))
	require.NoError(t, err)

	resolution, err := Resolve(p, nil, caller, issuer, testKey(t))
	require.NoError(t, err)

	ext, ok := resolution.Extensions.Get(x509util.KindAuthorityInformationAccess)
	require.True(t, ok)
	descriptions := ext.Value.(x509util.AuthorityInformationAccess).AccessDescriptions
	require.Len(t, descriptions, 2)
	// OCSP (1.3.6.1.5.5.7.48.1) sorts before CA issuers (...48.2).
	assert.Equal(t, x509util.AccessMethodOCSP, descriptions[0].Method)
	assert.Equal(t, x509util.AccessMethodCAIssuers, descriptions[1].Method)
}

func TestResolveAIAKeepsCallerAccessMethod(t *testing.T) {
	p := &Profile{Name: "test", AddOCSPURL: true, AddIssuerURL: true}
	issuer := testIssuer()
	issuer.OCSPURL = "https://ca-ocsp.example"
	issuer.IssuerURL = "https://issuer.example"

	location, err := x509util.ParseGeneralName("https://my-ocsp.example")
	require.NoError(t, err)
	caller, err := x509util.NewExtensionSet(
		x509util.Extension{Value: x509util.AuthorityInformationAccess{
			AccessDescriptions: []x509util.AccessDescription{
				{Method: x509util.AccessMethodOCSP, Location: location},
			},
		}},
		sanExtension("example.com"),
	)
	require.NoError(t, err)

	resolution, err := Resolve(p, nil, caller, issuer, testKey(t))
	require.NoError(t, err)

	ext, _ := resolution.Extensions.Get(x509util.KindAuthorityInformationAccess)
	descriptions := ext.Value.(x509util.AuthorityInformationAccess).AccessDescriptions
	require.Len(t, descriptions, 2)
	assert.Equal(t, "URI:https://my-ocsp.example", descriptions[0].Location.String())
	assert.Equal(t, "URI:https://issuer.example", descriptions[1].Location.String())
}

func TestResolveCommonNameFromFirstSANEntry(t *testing.T) {
	caller, err := x509util.NewExtensionSet(sanExtension("example.com", "192.0.2.1", "other.example"))
	require.NoError(t, err)

	resolution, err := Resolve(&Profile{Name: "test"}, nil, caller, testIssuer(), testKey(t))
	require.NoError(t, err)
	assert.Equal(t, "example.com", resolution.Subject.CommonName())
}

func TestResolveExistingCommonNameUnchanged(t *testing.T) {
	subject := x509util.Name{{Type: x509util.OIDCommonName, Value: "keep.example"}}
	caller, err := x509util.NewExtensionSet(sanExtension("other.example"))
	require.NoError(t, err)

	resolution, err := Resolve(&Profile{Name: "test"}, subject, caller, testIssuer(), testKey(t))
	require.NoError(t, err)
	assert.Equal(t, "keep.example", resolution.Subject.CommonName())
}

func TestResolveMissingSubjectIdentity(t *testing.T) {
	_, err := Resolve(&Profile{Name: "test"}, nil, nil, testIssuer(), testKey(t))
	assert.ErrorIs(t, err, utils.ErrMissingSubjectIdentity)

	// A SAN with neither DNS nor IP entries cannot stand in either.
	caller, err := x509util.NewExtensionSet(sanExtension("user@example.com"))
	require.NoError(t, err)
	_, err = Resolve(&Profile{Name: "test"}, nil, caller, testIssuer(), testKey(t))
	assert.ErrorIs(t, err, utils.ErrMissingSubjectIdentity)
}

func TestResolveUnparsableCommonNameFromSAN(t *testing.T) {
	// A DNS entry carrying an IP literal parses back as an IP general
	// name, so the bare value cannot stand in as a common name.
	caller, err := x509util.NewExtensionSet(sanExtension("DNS:192.0.2.7"))
	require.NoError(t, err)

	_, err = Resolve(&Profile{Name: "test"}, nil, caller, testIssuer(), testKey(t))
	assert.ErrorIs(t, err, utils.ErrUnparsableCommonName)
}

func TestResolveUnsupportedPublicKeyType(t *testing.T) {
	caller, err := x509util.NewExtensionSet(sanExtension("example.com"))
	require.NoError(t, err)

	_, err = Resolve(&Profile{Name: "test"}, nil, caller, testIssuer(), "not a key")
	assert.ErrorIs(t, err, utils.ErrUnsupportedPublicKeyType)
}

func TestResolveWebserverScenario(t *testing.T) {
	p := &Profile{
		Name:         "webserver",
		Expires:      365 * 24 * time.Hour,
		AddIssuerURL: true,
	}
	issuer := testIssuer()
	issuer.IssuerURL = "https://issuer.example"

	subject := x509util.Name{{Type: x509util.OIDCommonName, Value: "example.com"}}
	caller, err := x509util.NewExtensionSet(sanExtension("example.com"))
	require.NoError(t, err)

	resolution, err := Resolve(p, subject, caller, issuer, testKey(t))
	require.NoError(t, err)

	assert.Equal(t, "example.com", resolution.Subject.CommonName())
	assert.Equal(t, 5, resolution.Extensions.Len())

	bc, ok := resolution.Extensions.Get(x509util.KindBasicConstraints)
	require.True(t, ok)
	assert.True(t, bc.Critical)
	assert.False(t, bc.Value.(x509util.BasicConstraints).CA)

	ski, ok := resolution.Extensions.Get(x509util.KindSubjectKeyIdentifier)
	require.True(t, ok)
	assert.Len(t, ski.Value.(x509util.SubjectKeyIdentifier).KeyIdentifier, 20)

	aki, ok := resolution.Extensions.Get(x509util.KindAuthorityKeyIdentifier)
	require.True(t, ok)
	assert.Equal(t, issuer.KeyIdentifier, aki.Value.(x509util.AuthorityKeyIdentifier).KeyIdentifier)

	san, ok := resolution.Extensions.Get(x509util.KindSubjectAlternativeName)
	require.True(t, ok)
	require.Len(t, san.Value.(x509util.SubjectAlternativeName).Names, 1)
	assert.Equal(t, "DNS:example.com", san.Value.(x509util.SubjectAlternativeName).Names[0].String())

	aia, ok := resolution.Extensions.Get(x509util.KindAuthorityInformationAccess)
	require.True(t, ok)
	descriptions := aia.Value.(x509util.AuthorityInformationAccess).AccessDescriptions
	require.Len(t, descriptions, 1)
	assert.Equal(t, x509util.AccessMethodCAIssuers, descriptions[0].Method)
	assert.Equal(t, "URI:https://issuer.example", descriptions[0].Location.String())
}
