package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certforge/internal/x509util"
)

const webserverYAML = `name: webserver
description: TLS server certificates
expires_days: 365
add_issuer_alternative_name: false
subject:
  - attr: C
    value: AT
  - attr: O
    value: Example Org
extensions:
  key_usage:
    critical: true
    value: [digital_signature, key_agreement, key_encipherment]
  extended_key_usage:
    value: [server_auth]
  ocsp_no_check:
`

func TestLoadProfile(t *testing.T) {
	p, err := LoadProfile([]byte(webserverYAML))
	require.NoError(t, err)

	assert.Equal(t, "webserver", p.Name)
	assert.Equal(t, 365*24*time.Hour, p.Expires)
	assert.True(t, p.AddCRLURL)
	assert.True(t, p.AddOCSPURL)
	assert.True(t, p.AddIssuerURL)
	assert.False(t, p.AddIssuerAlternativeName)
	assert.Equal(t, "C=AT,O=Example Org", p.Subject.String())

	ku := p.Extensions[x509util.KindKeyUsage]
	require.NotNil(t, ku)
	assert.True(t, ku.Critical)
	assert.Equal(t, []string{"digital_signature", "key_agreement", "key_encipherment"},
		ku.Value.(x509util.KeyUsage).Usages)

	eku := p.Extensions[x509util.KindExtendedKeyUsage]
	require.NotNil(t, eku)
	assert.False(t, eku.Critical)

	// A key with no value is the explicit unset marker.
	unset, present := p.Extensions[x509util.KindOCSPNoCheck]
	require.True(t, present)
	assert.Nil(t, unset)
}

func TestLoadProfileRejectsNonConfigurableExtension(t *testing.T) {
	_, err := LoadProfile([]byte("name: bad\nextensions:\n  subject_key_identifier:\n    value: []\n"))
	assert.Error(t, err)
}

func TestLoadProfileRejectsUnknownExtension(t *testing.T) {
	_, err := LoadProfile([]byte("name: bad\nextensions:\n  nonsense:\n    value: []\n"))
	assert.Error(t, err)
}

func TestLoadProfileRejectsUnknownSubjectAttribute(t *testing.T) {
	_, err := LoadProfile([]byte("name: bad\nsubject:\n  - attr: XX\n    value: nope\n"))
	assert.Error(t, err)
}

func TestStoreReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "webserver.yaml"), []byte(webserverYAML), 0644))

	store, err := NewStore(dir)
	require.NoError(t, err)

	p, err := store.Get("webserver")
	require.NoError(t, err)
	assert.Equal(t, "webserver", p.Name)

	_, err = store.Get("missing")
	assert.Error(t, err)

	client := "name: client\nextensions:\n  extended_key_usage:\n    value: [client_auth]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.yaml"), []byte(client), 0644))
	require.NoError(t, store.Reload())

	assert.Equal(t, []string{"client", "webserver"}, store.Names())
}

func TestStoreReloadKeepsCacheOnError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "webserver.yaml"), []byte(webserverYAML), 0644))

	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0644))
	require.Error(t, store.Reload())

	p, err := store.Get("webserver")
	require.NoError(t, err)
	assert.Equal(t, "webserver", p.Name)
}
