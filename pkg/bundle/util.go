package bundle

import (
	"net"

	"github.com/google/uuid"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
)

func newID() string { return uuid.NewString() }

// prefixLength extracts the CIDR prefix length from a pool's CIDR string
// (spec.md §4.4 step 2: "ip_cidr = format(client.primary_ip, pool.prefix)").
func prefixLength(cidr string) (int, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, apierr.Validation("invalid pool cidr %q", cidr)
	}
	ones, _ := ipnet.Mask.Size()
	return ones, nil
}
