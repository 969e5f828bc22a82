package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

func newTestEngine(t *testing.T) (*policy.Store, *Engine) {
	t.Helper()
	store := policy.New(nil)
	return store, New(store, nil)
}

func TestCreateCASelfSigned(t *testing.T) {
	_, eng := newTestEngine(t)
	ca, err := eng.CreateCA("ca-A", 540*24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, ca.PublicCertPEM)
	assert.NotEmpty(t, ca.PrivateKeyPEM)
	assert.False(t, ca.CanSign, "newly created CA is not yet current/signing")
}

func TestSignClientCertBindsIdentity(t *testing.T) {
	store, eng := newTestEngine(t)
	ca, err := eng.CreateCA("ca-A", 540*24*time.Hour)
	require.NoError(t, err)
	ca.IsCurrent = true
	ca.CanSign = true
	ca.IncludeInChain = true
	store.PutCA(ca)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	certPEM, nb, na, err := eng.SignClientCert(ca, pub, "node-1", "10.100.0.1/16", []string{"env:prod", "default"}, 180*24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, certPEM)
	assert.True(t, na.After(nb))

	require.NoError(t, VerifyChain(certPEM, [][]byte{ca.PublicCertPEM}))
}

func TestSignClientCertRefusesNonSigningCA(t *testing.T) {
	_, eng := newTestEngine(t)
	ca, err := eng.CreateCA("ca-A", 540*24*time.Hour)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, _, _, err = eng.SignClientCert(ca, pub, "node-1", "10.100.0.1/16", nil, 180*24*time.Hour)
	assert.Error(t, err)
}

func TestVerifyChainFailsAgainstWrongCA(t *testing.T) {
	store, eng := newTestEngine(t)
	caA, err := eng.CreateCA("ca-A", 540*24*time.Hour)
	require.NoError(t, err)
	caA.IsCurrent, caA.CanSign, caA.IncludeInChain = true, true, true
	store.PutCA(caA)

	caB, err := eng.CreateCA("ca-B", 540*24*time.Hour)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	certPEM, _, _, err := eng.SignClientCert(caA, pub, "node-1", "10.100.0.1/16", nil, 180*24*time.Hour)
	require.NoError(t, err)

	err = VerifyChain(certPEM, [][]byte{caB.PublicCertPEM})
	assert.Error(t, err)
}

func TestFingerprintStableForSameBytes(t *testing.T) {
	_, eng := newTestEngine(t)
	ca, err := eng.CreateCA("ca-A", 540*24*time.Hour)
	require.NoError(t, err)

	fp1, err := Fingerprint(ca.PublicCertPEM)
	require.NoError(t, err)
	fp2, err := Fingerprint(ca.PublicCertPEM)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestImportCAWithoutKeyCannotSign(t *testing.T) {
	_, eng := newTestEngine(t)
	created, err := eng.CreateCA("ca-src", 540*24*time.Hour)
	require.NoError(t, err)

	imported, err := eng.ImportCA("ca-imported", created.PublicCertPEM, nil)
	require.NoError(t, err)
	assert.Empty(t, imported.PrivateKeyPEM)
	assert.False(t, imported.CanSign)
}
