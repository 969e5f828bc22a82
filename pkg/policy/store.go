package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/storeutil"
)

// Store is the in-memory policy store: the single source of truth for
// C3's entities. A relational schema is sufficient per spec.md §6.5; this
// implementation keeps the same shape (tables keyed by id, uniqueness
// constraints enforced in code) without an external database dependency,
// matching how the teacher's own config package holds its state as an
// in-process struct rather than round-tripping a store for every read.
type Store struct {
	mu sync.RWMutex

	cas      map[string]*CA
	clients  map[string]*Client
	groups   map[string]*Group
	rulesets map[string]*FirewallRuleset
	pools    map[string]*IPPool
	ipGroups map[string]*IPGroup

	// assignments[poolID][ip] -> assignment; also indexed by client for
	// O(1) primary/alternate lookups.
	assignments map[string]map[string]*IPAssignment

	certs  map[string]*ClientCertificate
	tokens map[string]*ClientToken
	codes  map[string]*EnrollmentCode

	leases *storeutil.Leases
	log    *logrus.Entry

	now func() time.Time
}

// New constructs an empty store. Its clock defaults to time.Now; tests
// replace it via SetClock to make rotation/renewal windows deterministic.
func New(log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{
		cas:         map[string]*CA{},
		clients:     map[string]*Client{},
		groups:      map[string]*Group{},
		rulesets:    map[string]*FirewallRuleset{},
		pools:       map[string]*IPPool{},
		ipGroups:    map[string]*IPGroup{},
		assignments: map[string]map[string]*IPAssignment{},
		certs:       map[string]*ClientCertificate{},
		tokens:      map[string]*ClientToken{},
		codes:       map[string]*EnrollmentCode{},
		leases:      storeutil.NewLeases(),
		log:         log.WithField("component", "policy"),
		now:         time.Now,
	}
}

// SetClock overrides the store's notion of "now"; used by rotation tests
// to fast-forward wall-clock-driven transitions deterministically.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Now() time.Time { return s.now() }

func newID() string { return uuid.NewString() }

// --- Groups ---------------------------------------------------------------

// CreateGroup creates a:b:c, requiring a:b to already exist (spec.md §3).
func (s *Store) CreateGroup(name, owner string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.groups {
		if g.Name == name {
			return nil, apierr.Conflict("group %q already exists", name)
		}
	}

	parent := parentGroupName(name)
	if parent != "" {
		if !s.groupExistsLocked(parent) {
			return nil, apierr.Conflict("parent group %q does not exist", parent)
		}
	}

	g := &Group{ID: newID(), Name: name, Parent: parent, Owner: owner, CreatedAt: s.now()}
	s.groups[g.ID] = g
	return g, nil
}

func parentGroupName(name string) string {
	idx := strings.LastIndex(name, ":")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

func (s *Store) groupExistsLocked(name string) bool {
	for _, g := range s.groups {
		if g.Name == name {
			return true
		}
	}
	return false
}

// RenameGroup renames a group and marks every client directly assigned to
// it dirty (spec.md §4.3 mutation table).
func (s *Store) RenameGroup(id, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return apierr.NotFound("group %s", id)
	}
	for _, other := range s.groups {
		if other.ID != id && other.Name == newName {
			return apierr.Conflict("group %q already exists", newName)
		}
	}
	g.Name = newName
	g.Parent = parentGroupName(newName)

	s.markDirtyLocked(s.clientsWithGroupLocked(id)...)
	return nil
}

// DeleteGroup forbids deletion while referenced by any client/ruleset or
// while subgroups exist (spec.md §3).
func (s *Store) DeleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return apierr.NotFound("group %s", id)
	}
	for _, other := range s.groups {
		if other.Parent == g.Name {
			return apierr.Conflict("group %q has subgroups", g.Name)
		}
	}
	if len(s.clientsWithGroupLocked(id)) > 0 {
		return apierr.Conflict("group %q is referenced by a client", g.Name)
	}
	for _, rs := range s.rulesets {
		for _, rule := range rs.Rules {
			if rule.SelectorKind == SelectorGroups {
				for _, n := range rule.SelectorGroups {
					if n == g.Name {
						return apierr.Conflict("group %q is referenced by ruleset %q", g.Name, rs.Name)
					}
				}
			}
		}
	}
	delete(s.groups, id)
	return nil
}

func (s *Store) clientsWithGroupLocked(groupID string) []*Client {
	var out []*Client
	for _, c := range s.clients {
		if _, ok := c.GroupIDs[groupID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// --- Firewall rulesets -----------------------------------------------------

// CreateRuleset validates that every rule names exactly one selector
// (spec.md §3 invariant) before storing it.
func (s *Store) CreateRuleset(name, owner string, rules []FirewallRule) (*FirewallRuleset, error) {
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := &FirewallRuleset{ID: newID(), Name: name, Owner: owner, Rules: rules, CreatedAt: s.now()}
	s.rulesets[rs.ID] = rs
	return rs, nil
}

// UpdateRuleset replaces the rule list and dirties every client
// referencing it (spec.md §4.3 mutation table: "Modify ruleset R").
func (s *Store) UpdateRuleset(id string, rules []FirewallRule) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rulesets[id]
	if !ok {
		return apierr.NotFound("ruleset %s", id)
	}
	rs.Rules = rules
	s.markDirtyLocked(s.clientsWithRulesetLocked(id)...)
	return nil
}

func validateRules(rules []FirewallRule) error {
	for i, r := range rules {
		if r.SelectorKind == "" {
			return apierr.Validation("rule %d: missing selector", i)
		}
		if r.SelectorKind == SelectorGroups && len(r.SelectorGroups) == 0 {
			return apierr.Validation("rule %d: groups selector has no group names", i)
		}
		if r.SelectorKind != SelectorGroups && r.SelectorValue == "" {
			return apierr.Validation("rule %d: empty selector value", i)
		}
	}
	return nil
}

// DeleteRuleset forbids deletion while referenced by any client (spec.md
// §6.4 delete-of-Ruleset).
func (s *Store) DeleteRuleset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rulesets[id]
	if !ok {
		return apierr.NotFound("ruleset %s", id)
	}
	if len(s.clientsWithRulesetLocked(id)) > 0 {
		return apierr.Conflict("ruleset %q is referenced by a client", rs.Name)
	}
	delete(s.rulesets, id)
	return nil
}

func (s *Store) clientsWithRulesetLocked(rulesetID string) []*Client {
	var out []*Client
	for _, c := range s.clients {
		if _, ok := c.RulesetIDs[rulesetID]; ok {
			out = append(out, c)
		}
	}
	return out
}

// --- IP pools / groups ------------------------------------------------------

func (s *Store) CreatePool(cidr, description string) (*IPPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &IPPool{ID: newID(), CIDR: cidr, Description: description}
	s.pools[p.ID] = p
	return p, nil
}

func (s *Store) CreateIPGroup(poolID, name, startIP, endIP string) (*IPGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[poolID]; !ok {
		return nil, apierr.NotFound("pool %s", poolID)
	}
	g := &IPGroup{ID: newID(), PoolID: poolID, Name: name, StartIP: startIP, EndIP: endIP}
	s.ipGroups[g.ID] = g
	return g, nil
}

// DeletePool forbids deletion while any address in it is still assigned
// (spec.md §6.4 delete-of-IPPool).
func (s *Store) DeletePool(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[id]; !ok {
		return apierr.NotFound("pool %s", id)
	}
	if len(s.assignments[id]) > 0 {
		return apierr.Conflict("pool %s still has assigned addresses", id)
	}
	for _, g := range s.ipGroups {
		if g.PoolID == id {
			return apierr.Conflict("pool %s still has ip groups", id)
		}
	}
	delete(s.pools, id)
	delete(s.assignments, id)
	return nil
}

// DeleteIPGroup removes a named sub-range within a pool (spec.md §6.4
// delete-of-IPGroup). Existing assignments made within the range are
// unaffected; an IPGroup is a preference for allocation, not itself a
// source of truth for what is assigned (spec.md §3 IPGroup).
func (s *Store) DeleteIPGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ipGroups[id]; !ok {
		return apierr.NotFound("ip group %s", id)
	}
	delete(s.ipGroups, id)
	return nil
}

func (s *Store) Pool(id string) (*IPPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, apierr.NotFound("pool %s", id)
	}
	return p, nil
}

func (s *Store) IPGroup(id string) (*IPGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.ipGroups[id]
	if !ok {
		return nil, apierr.NotFound("ip group %s", id)
	}
	return g, nil
}

// AssignedIPs returns the set of addresses already assigned in a pool, for
// the IP allocator's candidate-subtraction step (spec.md §4.2).
func (s *Store) AssignedIPs(poolID string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]struct{}{}
	for ip := range s.assignments[poolID] {
		out[ip] = struct{}{}
	}
	return out
}

// PoolLease acquires the short-lived exclusive lease for poolID (spec.md
// §4.2 Concurrency, §5 Locking).
func (s *Store) PoolLease(poolID string) (release func()) {
	return s.leases.Acquire(poolID)
}

// CASetLease acquires the exclusive lease on the CA set (spec.md §5).
func (s *Store) CASetLease() (release func()) {
	return s.leases.Acquire(storeutil.CASetKey)
}

// PutAssignment records an allocated address. Must be called while
// holding the pool's lease. Returns Conflict if (pool, ip) is already
// assigned (spec.md §3 IPAssignment invariant).
func (s *Store) PutAssignment(a *IPAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIP, ok := s.assignments[a.PoolID]
	if !ok {
		byIP = map[string]*IPAssignment{}
		s.assignments[a.PoolID] = byIP
	}
	if _, exists := byIP[a.IPAddress]; exists {
		return apierr.Conflict("ip %s already assigned in pool %s", a.IPAddress, a.PoolID)
	}
	byIP[a.IPAddress] = a
	return nil
}

// ReleaseAssignment frees an address (client deletion, reassignment).
func (s *Store) ReleaseAssignment(poolID, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments[poolID], ip)
}

// --- Clients -----------------------------------------------------------------

// CreateClient creates a client. name must be unique and is stable for
// the client's lifetime (spec.md §3).
func (s *Store) CreateClient(name, owner string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.Name == name {
			return nil, apierr.Conflict("client %q already exists", name)
		}
	}
	c := newClient(newID(), name, owner, s.now())
	s.clients[c.ID] = c
	return c, nil
}

func (s *Store) Client(id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, apierr.NotFound("client %s", id)
	}
	return c, nil
}

// DeleteClient removes a client and releases its primary and alternate
// IP assignments back to their pools (spec.md §6.4 delete-of-Client, §3
// "alternate_ips (set)").
func (s *Store) DeleteClient(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return apierr.NotFound("client %s", id)
	}
	if poolID := s.poolIDForClientLocked(c); poolID != "" {
		delete(s.assignments[poolID], c.bareIPAddress())
	}
	for key := range c.AlternateIPAssignmentIDs {
		poolID, ip := splitAssignmentKey(key)
		delete(s.assignments[poolID], ip)
	}
	delete(s.clients, id)
	return nil
}

// AddAlternateIP records an additional, non-primary IP assignment for a
// client (spec.md §3 Client.alternate_ips). The caller must already have
// allocated and persisted the assignment via PutAssignment while holding
// the pool's lease, the same sequencing CreateClient uses for the primary
// assignment.
func (s *Store) AddAlternateIP(clientID, poolID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	c.AlternateIPAssignmentIDs[assignmentKey(poolID, ip)] = struct{}{}
	s.markDirtyLocked(c)
	return nil
}

// RemoveAlternateIP drops an alternate IP assignment and releases the
// address back to its pool (spec.md §4.2 "Release on ... ip-group
// reassignment").
func (s *Store) RemoveAlternateIP(clientID, poolID, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	key := assignmentKey(poolID, ip)
	if _, ok := c.AlternateIPAssignmentIDs[key]; !ok {
		return apierr.NotFound("alternate ip %s for client %s", key, clientID)
	}
	delete(c.AlternateIPAssignmentIDs, key)
	delete(s.assignments[poolID], ip)
	s.markDirtyLocked(c)
	return nil
}

// AlternateIPs resolves a client's alternate assignment keys to their bare
// addresses, pool id included, for admin listing.
func (s *Store) AlternateIPs(c *Client) []IPAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IPAssignment, 0, len(c.AlternateIPAssignmentIDs))
	for key := range c.AlternateIPAssignmentIDs {
		poolID, ip := splitAssignmentKey(key)
		out = append(out, IPAssignment{ClientID: c.ID, PoolID: poolID, IPAddress: ip})
	}
	return out
}

func assignmentKey(poolID, ip string) string { return poolID + "/" + ip }

func splitAssignmentKey(key string) (poolID, ip string) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// ClientByName looks up a client by its stable name (e.g. for CLI use).
func (s *Store) ClientByName(name string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, apierr.NotFound("client %q", name)
}

// SetPrimaryAssignment wires a client to its primary IP assignment
// (created by the IP allocator) and dirties the client.
func (s *Store) SetPrimaryAssignment(clientID string, a *IPAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	a.IsPrimary = true
	c.PrimaryIPAssignmentID = a.PoolID + "/" + a.IPAddress
	s.markDirtyLocked(c)
	return nil
}

// UpdateLighthouse sets the lighthouse flag/public IP and dirties every
// client sharing the lighthouse's pool (spec.md §4.3 mutation table).
func (s *Store) UpdateLighthouse(clientID string, isLighthouse bool, publicIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	if isLighthouse && publicIP == "" {
		return apierr.Validation("lighthouse client %s requires a public_ip", c.Name)
	}
	c.IsLighthouse = isLighthouse
	c.PublicIP = publicIP

	poolID := s.poolIDForClientLocked(c)
	if poolID != "" {
		s.markDirtyLocked(s.clientsInPoolLocked(poolID)...)
	} else {
		s.markDirtyLocked(c)
	}
	return nil
}

// SetBlocked toggles the blocked flag (spec.md §3, §4.3).
func (s *Store) SetBlocked(clientID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	c.IsBlocked = blocked
	s.markDirtyLocked(c)
	return nil
}

// SetGroups replaces a client's group membership wholesale and dirties it.
func (s *Store) SetGroups(clientID string, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	for _, gid := range groupIDs {
		if _, ok := s.groups[gid]; !ok {
			return apierr.NotFound("group %s", gid)
		}
	}
	next := map[string]struct{}{}
	for _, gid := range groupIDs {
		next[gid] = struct{}{}
	}
	c.GroupIDs = next
	s.markDirtyLocked(c)
	return nil
}

// SetRulesets replaces a client's ruleset references wholesale and dirties it.
func (s *Store) SetRulesets(clientID string, rulesetIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	for _, rid := range rulesetIDs {
		if _, ok := s.rulesets[rid]; !ok {
			return apierr.NotFound("ruleset %s", rid)
		}
	}
	next := map[string]struct{}{}
	for _, rid := range rulesetIDs {
		next[rid] = struct{}{}
	}
	c.RulesetIDs = next
	s.markDirtyLocked(c)
	return nil
}

// ReportVersions stores the agent-reported versions without acting on
// them (spec.md §6.3).
func (s *Store) ReportVersions(clientID, clientVersion, nebulaVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	if clientVersion != "" {
		c.ReportedClientVersion = clientVersion
		c.ReportedClientSemver = parseSemverLoose(clientVersion)
	}
	if nebulaVersion != "" {
		c.ReportedNebulaVersion = nebulaVersion
		c.ReportedNebulaSemver = parseSemverLoose(nebulaVersion)
	}
	return nil
}

// parseSemverLoose parses a reported version string, tolerating an
// optional leading "v" (the form Nebula agents and its own releases
// commonly report), and returns nil rather than an error for anything
// that still doesn't parse — malformed reports must not fail
// ReportVersions (§6.3).
func parseSemverLoose(raw string) *semver.Version {
	v, err := semver.Parse(strings.TrimPrefix(raw, "v"))
	if err != nil {
		return nil
	}
	return &v
}

// StampDelivered records that a bundle was just delivered (spec.md §4.4
// step 6). Does NOT clear ConfigDirtyAt.
func (s *Store) StampDelivered(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return apierr.NotFound("client %s", clientID)
	}
	c.LastDeliveredAt = s.now()
	return nil
}

func (s *Store) markDirtyLocked(clients ...*Client) {
	now := s.now()
	for _, c := range clients {
		c.ConfigDirtyAt = now
	}
}

// MarkDirty is the exported, locked form used by the rotation scheduler
// and CA activation path.
func (s *Store) MarkDirty(clients ...*Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDirtyLocked(clients...)
}

// AllClients returns a snapshot slice of every client (rotation sweep,
// CA-rotation "mark every client dirty" step).
func (s *Store) AllClients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Store) poolIDForClientLocked(c *Client) string {
	idx := strings.LastIndex(c.PrimaryIPAssignmentID, "/")
	if idx < 0 {
		return ""
	}
	return c.PrimaryIPAssignmentID[:idx]
}

func (s *Store) clientsInPoolLocked(poolID string) []*Client {
	var out []*Client
	prefix := poolID + "/"
	for _, c := range s.clients {
		if strings.HasPrefix(c.PrimaryIPAssignmentID, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// LighthousesInPool returns lighthouse clients sharing poolID, for the
// config assembler's static-host-map (spec.md §4.4 step 4).
func (s *Store) LighthousesInPool(poolID string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Client
	for _, c := range s.clientsInPoolLocked(poolID) {
		if c.IsLighthouse {
			out = append(out, c)
		}
	}
	return out
}

// PrimaryIP resolves a client's primary assignment to its bare IP address.
func (s *Store) PrimaryIP(c *Client) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	poolID := s.poolIDForClientLocked(c)
	if poolID == "" {
		return "", false
	}
	a, ok := s.assignments[poolID][c.bareIPAddress()]
	if !ok {
		return "", false
	}
	return a.IPAddress, true
}

// bareIPAddress extracts the address portion from "<poolID>/<ip>".
func (c *Client) bareIPAddress() string {
	idx := strings.LastIndex(c.PrimaryIPAssignmentID, "/")
	if idx < 0 {
		return ""
	}
	return c.PrimaryIPAssignmentID[idx+1:]
}

// PrimaryPoolID resolves a client's primary pool id, if any.
func (s *Store) PrimaryPoolID(c *Client) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.poolIDForClientLocked(c)
}

// Rulesets resolves a client's ruleset id set to the actual rulesets.
func (s *Store) Rulesets(c *Client) []*FirewallRuleset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FirewallRuleset, 0, len(c.RulesetIDs))
	for id := range c.RulesetIDs {
		if rs, ok := s.rulesets[id]; ok {
			out = append(out, rs)
		}
	}
	return out
}
