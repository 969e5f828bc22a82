package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/ipam"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestHarness(t *testing.T) (*policy.Store, *certs.Engine, *fakeClock) {
	t.Helper()
	store := policy.New(nil)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store.SetClock(clock.now)
	engine := certs.New(store, nil)
	return store, engine, clock
}

func TestWakeRotatesCAWhenDue(t *testing.T) {
	store, engine, clock := newTestHarness(t)
	cfg := config.Defaults()
	cfg.SchedulerConcurrency = 4

	ca, err := engine.CreateCA("ca-1", cfg.CAValidity)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))

	sched := New(store, engine, cfg, nil)

	require.NoError(t, sched.Wake(context.Background()))
	assert.Len(t, store.AllCAs(), 1, "not due yet, no rotation")

	clock.t = clock.t.Add(cfg.CARotateAt + time.Hour)
	require.NoError(t, sched.Wake(context.Background()))
	assert.Len(t, store.AllCAs(), 2, "rotation should have created a successor CA")

	var current, previous *policy.CA
	for _, c := range store.AllCAs() {
		if c.IsCurrent {
			current = c
		}
		if c.IsPrevious {
			previous = c
		}
	}
	require.NotNil(t, current)
	require.NotNil(t, previous)
	assert.Equal(t, ca.ID, previous.ID)
	assert.NotEqual(t, ca.ID, current.ID)
}

func TestWakeIsIdempotentWithinPeriod(t *testing.T) {
	store, engine, clock := newTestHarness(t)
	cfg := config.Defaults()

	ca, err := engine.CreateCA("ca-1", cfg.CAValidity)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))

	sched := New(store, engine, cfg, nil)
	clock.t = clock.t.Add(cfg.CARotateAt + time.Hour)

	require.NoError(t, sched.Wake(context.Background()))
	require.NoError(t, sched.Wake(context.Background()))
	require.NoError(t, sched.Wake(context.Background()))

	assert.Len(t, store.AllCAs(), 2, "repeated wakes within one rotated period must not rotate again")
}

func TestDemoteElapsedPreviousCARemovesFromChain(t *testing.T) {
	store, engine, clock := newTestHarness(t)
	cfg := config.Defaults()

	ca, err := engine.CreateCA("ca-1", cfg.CAValidity)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))

	sched := New(store, engine, cfg, nil)

	clock.t = clock.t.Add(cfg.CARotateAt + time.Hour)
	require.NoError(t, sched.Wake(context.Background()))
	require.Len(t, store.ActiveChain(), 2, "both CAs should overlap in the chain immediately after rotation")

	clock.t = clock.t.Add(cfg.CAOverlapWindow + time.Hour)
	require.NoError(t, sched.Wake(context.Background()))

	chain := store.ActiveChain()
	require.Len(t, chain, 1)
	assert.NotEqual(t, ca.ID, chain[0].ID, "the old ca should have aged out of the chain")
}

func TestExpireCanSignFlagsOnExpiredCA(t *testing.T) {
	store, engine, clock := newTestHarness(t)
	cfg := config.Defaults()

	ca, err := engine.CreateCA("ca-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))

	sched := New(store, engine, cfg, nil)
	clock.t = clock.t.Add(2 * time.Hour)

	require.NoError(t, sched.Wake(context.Background()))

	got, err := store.CA(ca.ID)
	require.NoError(t, err)
	assert.False(t, got.CanSign)
	assert.False(t, got.IncludeInChain)
}

func TestRenewalSweepMarksDirtyClientsNearingExpiry(t *testing.T) {
	store, engine, clock := newTestHarness(t)
	cfg := config.Defaults()

	ca, err := engine.CreateCA("ca-1", cfg.CAValidity)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))

	pool, err := store.CreatePool("10.20.0.0/24", "overlay")
	require.NoError(t, err)
	allocator := ipam.New(store, nil)

	client, err := store.CreateClient("node-1", "alice")
	require.NoError(t, err)
	ip, err := allocator.Allocate(pool.ID, "", "")
	require.NoError(t, err)
	require.NoError(t, store.PutAssignment(&policy.IPAssignment{ClientID: client.ID, PoolID: pool.ID, IPAddress: ip, IsPrimary: true}))
	require.NoError(t, store.SetPrimaryAssignment(client.ID, &policy.IPAssignment{PoolID: pool.ID, IPAddress: ip}))

	nearExpiry := &policy.ClientCertificate{
		ID:              "cert-near",
		ClientID:        client.ID,
		Fingerprint:     "fp-near",
		NotBefore:       clock.now(),
		NotAfter:        clock.now().Add(cfg.CertRenewBefore - time.Minute),
		IssuingCAID:     ca.ID,
		IssuedForIPCIDR: ip + "/24",
		CreatedAt:       clock.now(),
		CertPEM:         []byte("placeholder"),
	}
	store.PutCertificate(nearExpiry)

	client, err = store.Client(client.ID)
	require.NoError(t, err)
	dirtyBefore := client.ConfigDirtyAt

	clock.t = clock.t.Add(time.Minute)
	sched := New(store, engine, cfg, nil)
	require.NoError(t, sched.Wake(context.Background()))

	client, err = store.Client(client.ID)
	require.NoError(t, err)
	assert.True(t, client.ConfigDirtyAt.After(dirtyBefore), "client within the renewal window should be marked dirty")
}

func TestRenewalSweepSkipsBlockedClients(t *testing.T) {
	store, engine, clock := newTestHarness(t)
	cfg := config.Defaults()

	ca, err := engine.CreateCA("ca-1", cfg.CAValidity)
	require.NoError(t, err)
	require.NoError(t, store.ActivateCA(ca.ID))

	pool, err := store.CreatePool("10.30.0.0/24", "overlay")
	require.NoError(t, err)
	allocator := ipam.New(store, nil)

	client, err := store.CreateClient("node-1", "alice")
	require.NoError(t, err)
	ip, err := allocator.Allocate(pool.ID, "", "")
	require.NoError(t, err)
	require.NoError(t, store.PutAssignment(&policy.IPAssignment{ClientID: client.ID, PoolID: pool.ID, IPAddress: ip, IsPrimary: true}))
	require.NoError(t, store.SetPrimaryAssignment(client.ID, &policy.IPAssignment{PoolID: pool.ID, IPAddress: ip}))
	require.NoError(t, store.SetBlocked(client.ID, true))

	store.PutCertificate(&policy.ClientCertificate{
		ID:          "cert-1",
		ClientID:    client.ID,
		Fingerprint: "fp-1",
		NotBefore:   clock.now(),
		NotAfter:    clock.now().Add(time.Minute),
		IssuingCAID: ca.ID,
		CreatedAt:   clock.now(),
		CertPEM:     []byte("placeholder"),
	})

	client, err = store.Client(client.ID)
	require.NoError(t, err)
	dirtyBefore := client.ConfigDirtyAt

	clock.t = clock.t.Add(time.Minute)
	sched := New(store, engine, cfg, nil)
	require.NoError(t, sched.Wake(context.Background()))

	client, err = store.Client(client.ID)
	require.NoError(t, err)
	assert.Equal(t, dirtyBefore, client.ConfigDirtyAt, "blocked clients are not swept for renewal")
}
