package ipam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

func setupPool(t *testing.T, cidr string) (*policy.Store, *Allocator, string) {
	t.Helper()
	store := policy.New(nil)
	pool, err := store.CreatePool(cidr, "test pool")
	require.NoError(t, err)
	return store, New(store, nil), pool.ID
}

func TestAllocatePicksSmallestCandidate(t *testing.T) {
	store, alloc, poolID := setupPool(t, "10.100.0.0/24")

	release := store.PoolLease(poolID)
	ip, err := alloc.Allocate(poolID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.1", ip)
	require.NoError(t, store.PutAssignment(&policy.IPAssignment{PoolID: poolID, IPAddress: ip}))
	release()

	release = store.PoolLease(poolID)
	ip2, err := alloc.Allocate(poolID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.2", ip2)
	release()
}

func TestAllocateExcludesNetworkAndBroadcast(t *testing.T) {
	_, alloc, poolID := setupPool(t, "10.100.0.0/30") // usable: .1, .2
	ip, err := alloc.Allocate(poolID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.1", ip)
}

func TestAllocateRequestedIPMustBeAvailable(t *testing.T) {
	store, alloc, poolID := setupPool(t, "10.100.0.0/24")
	ip, err := alloc.Allocate(poolID, "", "10.100.0.50")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.50", ip)

	require.NoError(t, store.PutAssignment(&policy.IPAssignment{PoolID: poolID, IPAddress: ip}))
	_, err = alloc.Allocate(poolID, "", "10.100.0.50")
	assert.Error(t, err)
}

func TestAllocateRequestedIPOutsideCIDRFails(t *testing.T) {
	_, alloc, poolID := setupPool(t, "10.100.0.0/24")
	_, err := alloc.Allocate(poolID, "", "10.200.0.5")
	assert.Error(t, err)
}

func TestAllocateRespectsIPGroupRange(t *testing.T) {
	store, alloc, poolID := setupPool(t, "10.100.0.0/24")
	grp, err := store.CreateIPGroup(poolID, "dmz", "10.100.0.10", "10.100.0.12")
	require.NoError(t, err)

	ip, err := alloc.Allocate(poolID, grp.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.10", ip)
}

func TestAllocateExhaustedRangeFails(t *testing.T) {
	store, alloc, poolID := setupPool(t, "10.100.0.0/30") // usable: .1, .2
	for _, ip := range []string{"10.100.0.1", "10.100.0.2"} {
		require.NoError(t, store.PutAssignment(&policy.IPAssignment{PoolID: poolID, IPAddress: ip}))
	}
	_, err := alloc.Allocate(poolID, "", "")
	assert.Error(t, err)
}

func TestAllocateConcurrentSameAddressOnlyOneSucceeds(t *testing.T) {
	store, alloc, poolID := setupPool(t, "10.100.0.0/30") // usable: .1, .2

	n := 8
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			release := store.PoolLease(poolID)
			defer release()
			ip, err := alloc.Allocate(poolID, "", "")
			if err != nil {
				results <- ""
				return
			}
			if perr := store.PutAssignment(&policy.IPAssignment{PoolID: poolID, IPAddress: ip}); perr != nil {
				results <- ""
				return
			}
			results <- ip
		}()
	}

	seen := map[string]int{}
	for i := 0; i < n; i++ {
		ip := <-results
		if ip != "" {
			seen[ip]++
		}
	}
	for ip, count := range seen {
		assert.Equal(t, 1, count, "ip %s assigned more than once", ip)
	}
	assert.LessOrEqual(t, len(seen), 2)
}
