// Package ipam implements the IP Allocator (spec.md §4.2, component C2):
// deterministic assignment of overlay addresses from pools and optional
// sub-ranges, serialized per pool via the policy store's lease.
package ipam

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// Allocator allocates addresses against a policy.Store.
type Allocator struct {
	store *policy.Store
	log   *logrus.Entry
}

// New constructs an Allocator backed by store.
func New(store *policy.Store, log *logrus.Logger) *Allocator {
	if log == nil {
		log = logrus.New()
	}
	return &Allocator{store: store, log: log.WithField("component", "ipam")}
}

// Allocate picks a unique address from pool (optionally restricted to
// ipGroup, optionally pinned to requestedIP) per the algorithm in spec.md
// §4.2. The caller must already hold the pool's lease
// (store.PoolLease(poolID)) for the duration of this call, so two
// concurrent allocations on the same pool cannot race.
func (a *Allocator) Allocate(poolID string, ipGroupID, requestedIP string) (string, error) {
	pool, err := a.store.Pool(poolID)
	if err != nil {
		return "", err
	}

	_, ipnet, err := net.ParseCIDR(pool.CIDR)
	if err != nil {
		return "", apierr.Validation("pool %s has invalid cidr %q", poolID, pool.CIDR)
	}

	var rangeStart, rangeEnd net.IP
	if ipGroupID != "" {
		grp, err := a.store.IPGroup(ipGroupID)
		if err != nil {
			return "", err
		}
		if grp.PoolID != poolID {
			return "", apierr.Validation("ip group %s does not belong to pool %s", ipGroupID, poolID)
		}
		rangeStart = net.ParseIP(grp.StartIP)
		rangeEnd = net.ParseIP(grp.EndIP)
		if rangeStart == nil || rangeEnd == nil {
			return "", apierr.Validation("ip group %s has invalid start/end", ipGroupID)
		}
	}

	assigned := a.store.AssignedIPs(poolID)

	if requestedIP != "" {
		ip := net.ParseIP(requestedIP)
		if ip == nil || !candidateValid(ip, ipnet, rangeStart, rangeEnd, assigned) {
			return "", apierr.Conflict("AddressUnavailable: %s is not available in pool %s", requestedIP, poolID)
		}
		return requestedIP, nil
	}

	ip := firstUsable(ipnet)
	last := lastUsable(ipnet)

	for {
		if withinRange(ip, rangeStart, rangeEnd) {
			if _, taken := assigned[ip.String()]; !taken {
				return ip.String(), nil
			}
		}
		if ip.Equal(last) {
			break
		}
		ip = nextIP(ip)
	}
	return "", apierr.Conflict("AddressUnavailable: pool %s (group %s) is exhausted", poolID, ipGroupID)
}

// Release frees an address on client deletion, pool reassignment, or
// ip-group reassignment (spec.md §4.2).
func (a *Allocator) Release(poolID, ip string) {
	a.store.ReleaseAssignment(poolID, ip)
}

func candidateValid(ip net.IP, ipnet *net.IPNet, rangeStart, rangeEnd net.IP, assigned map[string]struct{}) bool {
	if !ipnet.Contains(ip) {
		return false
	}
	if isNetworkOrBroadcast(ip, ipnet) {
		return false
	}
	if !withinRange(ip, rangeStart, rangeEnd) {
		return false
	}
	if _, taken := assigned[ip.String()]; taken {
		return false
	}
	return true
}

func withinRange(ip, start, end net.IP) bool {
	if start == nil || end == nil {
		return true
	}
	return compareIP(ip, start) >= 0 && compareIP(ip, end) <= 0
}

func compareIP(a, b net.IP) int {
	a4, b4 := a.To16(), b.To16()
	for i := range a4 {
		if a4[i] != b4[i] {
			if a4[i] < b4[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func firstUsable(ipnet *net.IPNet) net.IP {
	// network address itself is excluded (spec.md §4.2 "minus
	// network/broadcast"); advance once.
	return nextIP(dup(ipnet.IP))
}

func lastUsable(ipnet *net.IPNet) net.IP {
	bcast := broadcast(ipnet)
	return prevIP(bcast)
}

func isNetworkOrBroadcast(ip net.IP, ipnet *net.IPNet) bool {
	if ip.Equal(ipnet.IP.Mask(ipnet.Mask)) {
		return true
	}
	if ip.Equal(broadcast(ipnet)) {
		return true
	}
	return false
}

func broadcast(ipnet *net.IPNet) net.IP {
	ip := dup(ipnet.IP.Mask(ipnet.Mask))
	for i := range ip {
		ip[i] |= ^ipnet.Mask[i]
	}
	return ip
}

func dup(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func nextIP(ip net.IP) net.IP {
	out := dup(ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func prevIP(ip net.IP) net.IP {
	out := dup(ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]--
		if out[i] != 0xff {
			break
		}
	}
	return out
}
