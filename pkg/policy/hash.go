package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

func sortStrings(s []string) { sort.Strings(s) }

// GroupsHash computes the stable hash over a sorted group-name set used
// as the cert-reuse key (spec.md §3 "Groups-hash", §4.4 step 2). Callers
// may pass names in any order; they are sorted defensively here too.
func GroupsHash(names []string) string {
	sorted := append([]string(nil), names...)
	sortStrings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}
