package bundle

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/ipam"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

func decodeConfig(t *testing.T, raw string) configDoc {
	t.Helper()
	var doc configDoc
	require.NoError(t, yaml.Unmarshal([]byte(raw), &doc))
	return doc
}

type harness struct {
	store     *policy.Store
	engine    *certs.Engine
	allocator *ipam.Allocator
	assembler *Assembler
	pool      *policy.IPPool
	ca        *policy.CA
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := policy.New(nil)
	engine := certs.New(store, nil)
	allocator := ipam.New(store, nil)

	ca, err := engine.CreateCA("ca-A", 540*24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))
	ca, _ = store.CA(ca.ID)

	pool, err := store.CreatePool("10.100.0.0/16", "overlay")
	require.NoError(t, err)

	cfg := config.Defaults()
	return &harness{store: store, engine: engine, allocator: allocator, assembler: New(store, engine, cfg, nil), pool: pool, ca: ca}
}

func (h *harness) newClientWithIP(t *testing.T, name string) *policy.Client {
	t.Helper()
	c, err := h.store.CreateClient(name, "alice")
	require.NoError(t, err)
	release := h.store.PoolLease(h.pool.ID)
	ip, err := h.allocator.Allocate(h.pool.ID, "", "")
	require.NoError(t, err)
	require.NoError(t, h.store.PutAssignment(&policy.IPAssignment{ClientID: c.ID, PoolID: h.pool.ID, IPAddress: ip, IsPrimary: true}))
	release()
	require.NoError(t, h.store.SetPrimaryAssignment(c.ID, &policy.IPAssignment{PoolID: h.pool.ID, IPAddress: ip}))
	return c
}

func randKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub
}

func TestAssembleFirstFetch(t *testing.T) {
	h := newHarness(t)
	c := h.newClientWithIP(t, "node-1")

	b, err := h.assembler.Assemble(c.ID, randKey(t))
	require.NoError(t, err)
	assert.False(t, b.IsLighthouse)
	require.Len(t, b.CAChainPEMs, 1)
	doc := decodeConfig(t, b.ConfigYAML)
	assert.False(t, doc.Lighthouse.AmLighthouse)
	require.NoError(t, certs.VerifyChain(b.ClientCertPEM, b.CAChainPEMs))
}

func TestAssembleDeterministicWhenUnchanged(t *testing.T) {
	h := newHarness(t)
	c := h.newClientWithIP(t, "node-1")
	key := randKey(t)

	b1, err := h.assembler.Assemble(c.ID, key)
	require.NoError(t, err)
	b2, err := h.assembler.Assemble(c.ID, key)
	require.NoError(t, err)

	assert.Equal(t, b1.ConfigYAML, b2.ConfigYAML)
	assert.Equal(t, string(b1.ClientCertPEM), string(b2.ClientCertPEM), "cert should be reused, not reissued")

	// A byte-equal YAML string already proves determinism; cmp.Diff on the
	// decoded structure additionally pins down *which* field would regress
	// if a future change reordered or renamed something in configDoc.
	doc1, doc2 := decodeConfig(t, b1.ConfigYAML), decodeConfig(t, b2.ConfigYAML)
	if diff := cmp.Diff(doc1, doc2); diff != "" {
		t.Errorf("repeated assembly produced a different config (-first +second):\n%s", diff)
	}
}

func TestAssembleLighthouseDiscovery(t *testing.T) {
	h := newHarness(t)
	lh := h.newClientWithIP(t, "lh-1")
	require.NoError(t, h.store.UpdateLighthouse(lh.ID, true, "203.0.113.7"))

	node2 := h.newClientWithIP(t, "node-2")

	b, err := h.assembler.Assemble(node2.ID, randKey(t))
	require.NoError(t, err)

	lhIP, ok := h.store.PrimaryIP(lh)
	require.True(t, ok)

	doc := decodeConfig(t, b.ConfigYAML)
	assert.Contains(t, doc.StaticHostMap, lhIP)
	assert.Equal(t, []string{"203.0.113.7:4242"}, doc.StaticHostMap[lhIP])
	assert.Contains(t, doc.Lighthouse.Hosts, lhIP)

	// self-exclusion: fetching the lighthouse's own bundle must not list itself
	bLH, err := h.assembler.Assemble(lh.ID, randKey(t))
	require.NoError(t, err)
	docLH := decodeConfig(t, bLH.ConfigYAML)
	assert.NotContains(t, docLH.Lighthouse.Hosts, lhIP)
}

func TestAssembleBlockedClientForbidden(t *testing.T) {
	h := newHarness(t)
	c := h.newClientWithIP(t, "node-1")
	require.NoError(t, h.store.SetBlocked(c.ID, true))

	_, err := h.assembler.Assemble(c.ID, randKey(t))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindForbidden))
}

func TestAssembleNoIPIsConflict(t *testing.T) {
	h := newHarness(t)
	c, err := h.store.CreateClient("node-1", "alice")
	require.NoError(t, err)

	_, err = h.assembler.Assemble(c.ID, randKey(t))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindConflict))
}

func TestAssembleGroupChangeReissuesCert(t *testing.T) {
	h := newHarness(t)
	c := h.newClientWithIP(t, "node-1")
	key := randKey(t)

	b1, err := h.assembler.Assemble(c.ID, key)
	require.NoError(t, err)

	g, err := h.store.CreateGroup("env", "alice")
	require.NoError(t, err)
	require.NoError(t, h.store.SetGroups(c.ID, []string{g.ID}))

	b2, err := h.assembler.Assemble(c.ID, key)
	require.NoError(t, err)

	assert.NotEqual(t, string(b1.ClientCertPEM), string(b2.ClientCertPEM))
	doc := decodeConfig(t, b2.ConfigYAML)
	assert.Contains(t, doc.Groups, "env")
}

func TestAssembleNoSigningCAServiceUnavailable(t *testing.T) {
	store := policy.New(nil)
	engine := certs.New(store, nil)
	pool, err := store.CreatePool("10.0.0.0/24", "p")
	require.NoError(t, err)
	c, err := store.CreateClient("node-1", "alice")
	require.NoError(t, err)
	ip, err := ipam.New(store, nil).Allocate(pool.ID, "", "")
	require.NoError(t, err)
	require.NoError(t, store.PutAssignment(&policy.IPAssignment{ClientID: c.ID, PoolID: pool.ID, IPAddress: ip, IsPrimary: true}))
	require.NoError(t, store.SetPrimaryAssignment(c.ID, &policy.IPAssignment{PoolID: pool.ID, IPAddress: ip}))

	a := New(store, engine, config.Defaults(), nil)
	_, err = a.Assemble(c.ID, randKey(t))
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindServiceUnavailable))
}
