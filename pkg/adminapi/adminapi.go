// Package adminapi is the admin-intent surface (spec.md §6.4): the
// function-call contract an external REST/RBAC layer invokes on the
// operator's behalf. Each exported method is one C3 transaction; return
// values echo the persisted entity, matching spec.md's "each operation is
// a single transaction in C3; return values echo the persisted entity."
package adminapi

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/audit"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/ipam"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// API bundles every collaborator the admin-intent surface needs. It holds
// no state of its own beyond what *policy.Store already owns.
type API struct {
	store     *policy.Store
	engine    *certs.Engine
	allocator *ipam.Allocator
	registry  *audit.Registry
	log       *logrus.Entry
}

// New constructs an API.
func New(store *policy.Store, engine *certs.Engine, allocator *ipam.Allocator, registry *audit.Registry, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.New()
	}
	return &API{store: store, engine: engine, allocator: allocator, registry: registry, log: log.WithField("component", "adminapi")}
}

// --- Client -----------------------------------------------------------------

// CreateClientInput is the free-form payload for a create-Client intent.
type CreateClientInput struct {
	Name         string   `json:"name"`
	Owner        string   `json:"owner"`
	PoolID       string   `json:"pool_id"`
	IPGroupID    string   `json:"ip_group_id,omitempty"`
	RequestedIP  string   `json:"requested_ip,omitempty"`
	IsLighthouse bool     `json:"is_lighthouse,omitempty"`
	PublicIP     string   `json:"public_ip,omitempty"`
	GroupIDs     []string `json:"group_ids,omitempty"`
	RulesetIDs   []string `json:"ruleset_ids,omitempty"`
}

// CreateClient creates a client with its primary IP assignment in one
// admin transaction (spec.md §4.5/6.4: "A client is created with a
// primary IP assignment and initial groups").
// CreateClient spans several store calls that §6.5's relational schema
// would cover with one migration transaction; since the in-memory store
// exposes each as its own call, a failure partway through rolls the
// client back explicitly rather than leaving an orphan with no IP
// assignment.
func (a *API) CreateClient(in CreateClientInput) (*policy.Client, error) {
	c, err := a.store.CreateClient(in.Name, in.Owner)
	if err != nil {
		return nil, err
	}
	rollback := func(cause error) (*policy.Client, error) {
		_ = a.store.DeleteClient(c.ID)
		return nil, cause
	}

	release := a.store.PoolLease(in.PoolID)
	ip, err := a.allocator.Allocate(in.PoolID, in.IPGroupID, in.RequestedIP)
	if err != nil {
		release()
		return rollback(err)
	}
	if err := a.store.PutAssignment(&policy.IPAssignment{ClientID: c.ID, PoolID: in.PoolID, IPAddress: ip, IsPrimary: true}); err != nil {
		release()
		return rollback(err)
	}
	release()
	if err := a.store.SetPrimaryAssignment(c.ID, &policy.IPAssignment{PoolID: in.PoolID, IPAddress: ip}); err != nil {
		a.store.ReleaseAssignment(in.PoolID, ip)
		return rollback(err)
	}

	if in.IsLighthouse {
		if err := a.store.UpdateLighthouse(c.ID, true, in.PublicIP); err != nil {
			a.store.ReleaseAssignment(in.PoolID, ip)
			return rollback(err)
		}
	}
	if len(in.GroupIDs) > 0 {
		if err := a.store.SetGroups(c.ID, in.GroupIDs); err != nil {
			a.store.ReleaseAssignment(in.PoolID, ip)
			return rollback(err)
		}
	}
	if len(in.RulesetIDs) > 0 {
		if err := a.store.SetRulesets(c.ID, in.RulesetIDs); err != nil {
			a.store.ReleaseAssignment(in.PoolID, ip)
			return rollback(err)
		}
	}
	return a.store.Client(c.ID)
}

// UpdateClientInput carries only the fields an operator wants to change;
// nil fields are left untouched.
type UpdateClientInput struct {
	IsBlocked    *bool     `json:"is_blocked,omitempty"`
	IsLighthouse *bool     `json:"is_lighthouse,omitempty"`
	PublicIP     *string   `json:"public_ip,omitempty"`
	GroupIDs     *[]string `json:"group_ids,omitempty"`
	RulesetIDs   *[]string `json:"ruleset_ids,omitempty"`
}

// UpdateClient applies whichever fields of in are set.
func (a *API) UpdateClient(clientID string, in UpdateClientInput) (*policy.Client, error) {
	if in.IsBlocked != nil {
		if err := a.store.SetBlocked(clientID, *in.IsBlocked); err != nil {
			return nil, err
		}
	}
	if in.IsLighthouse != nil || in.PublicIP != nil {
		c, err := a.store.Client(clientID)
		if err != nil {
			return nil, err
		}
		isLighthouse, publicIP := c.IsLighthouse, c.PublicIP
		if in.IsLighthouse != nil {
			isLighthouse = *in.IsLighthouse
		}
		if in.PublicIP != nil {
			publicIP = *in.PublicIP
		}
		if err := a.store.UpdateLighthouse(clientID, isLighthouse, publicIP); err != nil {
			return nil, err
		}
	}
	if in.GroupIDs != nil {
		if err := a.store.SetGroups(clientID, *in.GroupIDs); err != nil {
			return nil, err
		}
	}
	if in.RulesetIDs != nil {
		if err := a.store.SetRulesets(clientID, *in.RulesetIDs); err != nil {
			return nil, err
		}
	}
	return a.store.Client(clientID)
}

// DeleteClient removes a client and frees its IP assignment.
func (a *API) DeleteClient(clientID string) error {
	return a.store.DeleteClient(clientID)
}

// AddAlternateIP allocates and attaches an additional, non-primary IP
// assignment to a client (spec.md §3 Client.alternate_ips), following the
// same allocate-under-lease-then-persist sequencing CreateClient uses for
// the primary assignment.
func (a *API) AddAlternateIP(clientID, poolID, ipGroupID, requestedIP string) (*policy.IPAssignment, error) {
	if _, err := a.store.Client(clientID); err != nil {
		return nil, err
	}
	release := a.store.PoolLease(poolID)
	defer release()

	ip, err := a.allocator.Allocate(poolID, ipGroupID, requestedIP)
	if err != nil {
		return nil, err
	}
	assignment := &policy.IPAssignment{ClientID: clientID, PoolID: poolID, IPGroupID: ipGroupID, IPAddress: ip}
	if err := a.store.PutAssignment(assignment); err != nil {
		return nil, err
	}
	if err := a.store.AddAlternateIP(clientID, poolID, ip); err != nil {
		a.store.ReleaseAssignment(poolID, ip)
		return nil, err
	}
	return assignment, nil
}

// RemoveAlternateIP detaches an alternate IP assignment and releases the
// address back to its pool.
func (a *API) RemoveAlternateIP(clientID, poolID, ip string) error {
	return a.store.RemoveAlternateIP(clientID, poolID, ip)
}

// --- Group --------------------------------------------------------------

func (a *API) CreateGroup(name, owner string) (*policy.Group, error) {
	return a.store.CreateGroup(name, owner)
}

func (a *API) RenameGroup(groupID, newName string) error {
	return a.store.RenameGroup(groupID, newName)
}

func (a *API) DeleteGroup(groupID string) error {
	return a.store.DeleteGroup(groupID)
}

// --- Ruleset --------------------------------------------------------------

// RuleInput is the free-form per-rule payload validated against ruleSchema
// before being converted to a policy.FirewallRule.
type RuleInput struct {
	Direction      string   `json:"direction"`
	Port           string   `json:"port"`
	Proto          string   `json:"proto"`
	SelectorKind   string   `json:"selector_kind"`
	SelectorValue  string   `json:"selector_value"`
	SelectorGroups []string `json:"selector_groups,omitempty"`
}

func toFirewallRule(in RuleInput) policy.FirewallRule {
	return policy.FirewallRule{
		Direction:      policy.Direction(in.Direction),
		Port:           in.Port,
		Proto:          policy.Proto(in.Proto),
		SelectorKind:   policy.SelectorKind(in.SelectorKind),
		SelectorValue:  in.SelectorValue,
		SelectorGroups: in.SelectorGroups,
	}
}

// CreateRuleset validates each rule payload against ruleSchema, then hands
// the converted rules to C3's own structural invariant check (spec.md §7:
// malformed admin-intent payloads fail as apierr.Validation before they
// ever reach store invariants).
func (a *API) CreateRuleset(name, owner string, rawRules []json.RawMessage) (*policy.FirewallRuleset, error) {
	rules, err := decodeRules(rawRules)
	if err != nil {
		return nil, err
	}
	return a.store.CreateRuleset(name, owner, rules)
}

func (a *API) UpdateRuleset(rulesetID string, rawRules []json.RawMessage) error {
	rules, err := decodeRules(rawRules)
	if err != nil {
		return err
	}
	return a.store.UpdateRuleset(rulesetID, rules)
}

func (a *API) DeleteRuleset(rulesetID string) error {
	return a.store.DeleteRuleset(rulesetID)
}

func decodeRules(rawRules []json.RawMessage) ([]policy.FirewallRule, error) {
	rules := make([]policy.FirewallRule, 0, len(rawRules))
	for i, raw := range rawRules {
		if err := validateAgainst(ruleLoader, raw, "rule"); err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, err, "rule %d", i)
		}
		var in RuleInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, apierr.Validation("rule %d: %v", i, err)
		}
		rules = append(rules, toFirewallRule(in))
	}
	return rules, nil
}

// --- IP pools / groups ------------------------------------------------------

func (a *API) CreatePool(cidr, description string) (*policy.IPPool, error) {
	return a.store.CreatePool(cidr, description)
}

func (a *API) DeletePool(poolID string) error {
	return a.store.DeletePool(poolID)
}

func (a *API) CreateIPGroup(poolID, name, startIP, endIP string) (*policy.IPGroup, error) {
	return a.store.CreateIPGroup(poolID, name, startIP, endIP)
}

func (a *API) DeleteIPGroup(ipGroupID string) error {
	return a.store.DeleteIPGroup(ipGroupID)
}

// --- CA ---------------------------------------------------------------------

func (a *API) CreateCA(name string, validity time.Duration) (*policy.CA, error) {
	return a.engine.CreateCA(name, validity)
}

func (a *API) ImportCA(name string, certPEM, keyPEM []byte) (*policy.CA, error) {
	return a.engine.ImportCA(name, certPEM, keyPEM)
}

// SetSigningCA implements spec.md §6.4's set-signing-CA operation
// (wraps policy.Store.ActivateCA, which itself requires the CA-set
// lease).
func (a *API) SetSigningCA(caID string) error {
	release := a.store.CASetLease()
	defer release()
	return a.store.ActivateCA(caID)
}

// RevokeCertificate implements spec.md §6.4's revoke-certificate
// operation.
func (a *API) RevokeCertificate(certID string) error {
	return a.store.RevokeCertificate(certID)
}

// --- Token / EnrollmentCode --------------------------------------------------

func (a *API) CreateToken(clientID string) (*policy.ClientToken, string, error) {
	return a.registry.IssueToken(clientID)
}

func (a *API) ReissueToken(clientID string) (*policy.ClientToken, string, error) {
	return a.registry.ReissueToken(clientID)
}

func (a *API) DeleteToken(tokenID string) error {
	return a.store.DeactivateToken(tokenID)
}

// CreateEnrollmentCode validates the free-form device-hint blob against
// deviceHintSchema before persisting the code (spec.md §3 EnrollmentCode,
// §7 schema-validation boundary).
func (a *API) CreateEnrollmentCode(clientID string, deviceHint json.RawMessage, ttl time.Duration) (*policy.EnrollmentCode, error) {
	if len(deviceHint) > 0 {
		if err := validateAgainst(deviceHintLoader, deviceHint, "device_hint"); err != nil {
			return nil, err
		}
	}
	return a.registry.IssueEnrollmentCode(clientID, string(deviceHint), ttl)
}

func (a *API) DeleteEnrollmentCode(codeID string) error {
	return a.store.DeleteEnrollmentCode(codeID)
}

// --- Audit -------------------------------------------------------------------

// ListAuditEvents implements spec.md §6.4's "generate/list audit
// entries" (generation happens implicitly as leak/reissue events occur;
// this lists the accumulated log).
func (a *API) ListAuditEvents() []audit.LeakEvent {
	return a.registry.Events()
}
