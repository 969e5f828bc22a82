// Package policy is the authoritative store of operator intent (spec.md
// §4.3, component C3): clients, groups, firewall rulesets, IP pools, and
// the CA set. It enforces the referential invariants from spec.md §3
// (unique names, no deleting referenced groups, rulesets or pools) and
// marks clients config-dirty on every mutation that could change their
// bundle. Pool CIDRs and IP-group start/end addresses are stored as given:
// they are not parsed, not checked to lie inside their pool, and not
// checked for overlap with other groups.
package policy

import (
	"time"

	"github.com/blang/semver"
)

// CA mirrors spec.md §3's CertificateAuthority entity.
type CA struct {
	ID             string
	Name           string
	NotBefore      time.Time
	NotAfter       time.Time
	PublicCertPEM  []byte
	PrivateKeyPEM  []byte
	CanSign        bool
	IncludeInChain bool
	IsCurrent      bool
	IsPrevious     bool
	CreatedAt      time.Time
}

// Expired reports whether the CA's validity window has ended as of now.
func (c *CA) Expired(now time.Time) bool { return now.After(c.NotAfter) }

// Client mirrors spec.md §3's Client entity. Group and ruleset membership
// are stored as id sets (map[string]struct{}) since §3 calls them sets.
type Client struct {
	ID    string
	Name  string
	Owner string

	IsLighthouse bool
	PublicIP     string // required if IsLighthouse

	IsBlocked bool

	GroupIDs   map[string]struct{}
	RulesetIDs map[string]struct{}

	PrimaryIPAssignmentID    string
	AlternateIPAssignmentIDs map[string]struct{}

	ConfigDirtyAt   time.Time
	LastDeliveredAt time.Time

	ReportedClientVersion string
	ReportedNebulaVersion string
	// ReportedClientSemver/ReportedNebulaSemver are set only when the raw
	// reported version parses as valid semver, so future minimum-version
	// gating has something comparable; malformed strings are still kept
	// verbatim above (§6.3: stored, never acted on).
	ReportedClientSemver *semver.Version
	ReportedNebulaSemver *semver.Version

	CreatedAt time.Time
}

func newClient(id, name, owner string, now time.Time) *Client {
	return &Client{
		ID:                       id,
		Name:                     name,
		Owner:                    owner,
		GroupIDs:                 map[string]struct{}{},
		RulesetIDs:               map[string]struct{}{},
		AlternateIPAssignmentIDs: map[string]struct{}{},
		ConfigDirtyAt:            now,
		CreatedAt:                now,
	}
}

// GroupNames resolves a client's group id set to the sorted name list
// consumed by the cert engine and config assembler (§4.1, §4.4).
func (s *Store) GroupNames(c *Client) []string {
	names := make([]string, 0, len(c.GroupIDs))
	for id := range c.GroupIDs {
		if g, ok := s.groups[id]; ok {
			names = append(names, g.Name)
		}
	}
	sortStrings(names)
	return names
}

// Group mirrors spec.md §3's Group entity: a colon-separated hierarchical
// path, materialized with a derived parent rather than reparsed at read
// time (§9 Design notes).
type Group struct {
	ID        string
	Name      string // e.g. "env:prod:web"
	Parent    string // e.g. "env:prod", "" for a top-level group
	Owner     string
	CreatedAt time.Time
}

// Direction is a firewall rule direction.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Proto is a firewall rule protocol.
type Proto string

const (
	ProtoTCP  Proto = "tcp"
	ProtoUDP  Proto = "udp"
	ProtoICMP Proto = "icmp"
	ProtoAny  Proto = "any"
)

// SelectorKind tags which variant of FirewallRule.Selector is populated
// (spec.md §9: "tagged variants for polymorphic fields").
type SelectorKind string

const (
	SelectorHost   SelectorKind = "host"
	SelectorCIDR   SelectorKind = "cidr"
	SelectorGroups SelectorKind = "groups"
	SelectorCAName SelectorKind = "ca_name"
	SelectorCASha  SelectorKind = "ca_sha"
)

// FirewallRule is one entry of a FirewallRuleset (spec.md §3).
type FirewallRule struct {
	Direction Direction
	Port      string // literal, "N-M" range, "any", or "fragment"
	Proto     Proto

	SelectorKind   SelectorKind
	SelectorValue  string   // host/cidr/ca_name/ca_sha value; unused for SelectorGroups
	SelectorGroups []string // populated only when SelectorKind == SelectorGroups
}

// FirewallRuleset mirrors spec.md §3's FirewallRuleset: an ordered set of
// rules that is either empty (deny-all) or a positive allow-list.
type FirewallRuleset struct {
	ID        string
	Name      string
	Owner     string
	Rules     []FirewallRule
	CreatedAt time.Time
}

// IPPool mirrors spec.md §3's IPPool.
type IPPool struct {
	ID          string
	CIDR        string
	Description string
}

// IPGroup mirrors spec.md §3's IPGroup: a contiguous sub-range of a pool.
type IPGroup struct {
	ID      string
	PoolID  string
	Name    string
	StartIP string
	EndIP   string
}

// IPAssignment mirrors spec.md §3's IPAssignment.
type IPAssignment struct {
	ClientID  string
	PoolID    string
	IPGroupID string // optional
	IPAddress string
	IsPrimary bool
}

// ClientCertificate mirrors spec.md §3's ClientCertificate.
type ClientCertificate struct {
	ID                  string
	ClientID            string
	Fingerprint         string
	NotBefore           time.Time
	NotAfter            time.Time
	IssuedForIPCIDR     string
	IssuedForGroupsHash string
	IssuingCAID         string
	Revoked             bool
	RevokedAt           time.Time
	CreatedAt           time.Time
	CertPEM             []byte
}

// ClientToken mirrors spec.md §3's ClientToken.
type ClientToken struct {
	ID        string
	ClientID  string
	Secret    string // high-entropy, never logged in full
	Prefix    string // recognizable prefix for leak-scanner patterns
	IsActive  bool
	CreatedAt time.Time
}

// EnrollmentCode mirrors spec.md §3's EnrollmentCode.
type EnrollmentCode struct {
	ID         string
	ClientID   string
	Code       string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	DeviceHint string
}
