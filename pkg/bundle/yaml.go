package bundle

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// configDoc is the YAML document shape produced for an agent (spec.md
// §4.4 step 4). Field order is fixed by struct declaration order, which
// yaml.v3 preserves on Marshal, satisfying the determinism requirement in
// §4.4 without depending on map key sort behavior for the top level.
type configDoc struct {
	PKI           pkiSection          `yaml:"pki"`
	StaticHostMap map[string][]string `yaml:"static_host_map"`
	Lighthouse    lighthouseSection   `yaml:"lighthouse"`
	Punchy        punchySection       `yaml:"punchy"`
	Firewall      firewallSection     `yaml:"firewall"`
	Groups        []string            `yaml:"groups"`
}

type pkiSection struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type lighthouseSection struct {
	AmLighthouse bool     `yaml:"am_lighthouse"`
	Interval     int      `yaml:"interval"`
	Hosts        []string `yaml:"hosts"`
}

type punchySection struct {
	Punch   bool `yaml:"punch"`
	Respond bool `yaml:"respond"`
}

type firewallSection struct {
	Inbound  []firewallRuleDoc `yaml:"inbound"`
	Outbound []firewallRuleDoc `yaml:"outbound"`
}

type firewallRuleDoc struct {
	Port   string   `yaml:"port"`
	Proto  string   `yaml:"proto"`
	Host   string   `yaml:"host,omitempty"`
	CIDR   string   `yaml:"cidr,omitempty"`
	Groups []string `yaml:"groups,omitempty"`
	CAName string   `yaml:"ca_name,omitempty"`
	CASha  string   `yaml:"ca_sha,omitempty"`
}

// renderConfig builds and serializes the YAML config for client c. lighthouses
// excludes c itself (spec.md §4.4 step 4: "self excluded; a lighthouse
// advertises but does not target itself").
func renderConfig(cfg config.Config, c *policy.Client, groupNames []string, lighthouses []lighthouseHost, rules []policy.FirewallRule) (string, error) {
	doc := configDoc{
		PKI: pkiSection{
			CA:   "ca.crt",
			Cert: "host.crt",
			Key:  "host.key",
		},
		StaticHostMap: map[string][]string{},
		Lighthouse: lighthouseSection{
			AmLighthouse: c.IsLighthouse,
			Interval:     cfg.LighthouseInterval,
		},
		Punchy: punchySection{
			Punch:   cfg.PunchyPunch,
			Respond: cfg.PunchyRespond,
		},
		Groups: groupNames,
	}

	hosts := make([]string, 0, len(lighthouses))
	for _, lh := range lighthouses {
		doc.StaticHostMap[lh.OverlayIP] = []string{fmt.Sprintf("%s:%d", lh.PublicIP, cfg.LighthousePort)}
		hosts = append(hosts, lh.OverlayIP)
	}
	sort.Strings(hosts)
	doc.Lighthouse.Hosts = hosts

	doc.Firewall.Inbound, doc.Firewall.Outbound = renderFirewall(rules)

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type lighthouseHost struct {
	OverlayIP string
	PublicIP  string
}

func renderFirewall(rules []policy.FirewallRule) (inbound, outbound []firewallRuleDoc) {
	deduped := dedupRules(rules)
	sortRules(deduped)
	for _, r := range deduped {
		doc := firewallRuleDoc{Port: r.Port, Proto: string(r.Proto)}
		switch r.SelectorKind {
		case policy.SelectorHost:
			doc.Host = r.SelectorValue
		case policy.SelectorCIDR:
			doc.CIDR = r.SelectorValue
		case policy.SelectorGroups:
			doc.Groups = append([]string(nil), r.SelectorGroups...)
		case policy.SelectorCAName:
			doc.CAName = r.SelectorValue
		case policy.SelectorCASha:
			doc.CASha = r.SelectorValue
		}
		if r.Direction == policy.DirectionInbound {
			inbound = append(inbound, doc)
		} else {
			outbound = append(outbound, doc)
		}
	}
	return inbound, outbound
}

// dedupRules removes structurally-equal rules (spec.md §4.4 step 4:
// "rules deduplicated by structural equality").
func dedupRules(rules []policy.FirewallRule) []policy.FirewallRule {
	seen := map[string]struct{}{}
	out := make([]policy.FirewallRule, 0, len(rules))
	for _, r := range rules {
		key := ruleKey(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func ruleKey(r policy.FirewallRule) string {
	groups := append([]string(nil), r.SelectorGroups...)
	sort.Strings(groups)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%v", r.Direction, r.Proto, r.Port, r.SelectorKind, r.SelectorValue, groups)
}

// sortRules enforces the stable serialization order required by spec.md
// §4.4: "(direction, proto, port-canonicalized, selector-kind, selector-value)".
func sortRules(rules []policy.FirewallRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		if a.Proto != b.Proto {
			return a.Proto < b.Proto
		}
		pa, pb := canonicalPort(a.Port), canonicalPort(b.Port)
		if pa != pb {
			return pa < pb
		}
		if a.SelectorKind != b.SelectorKind {
			return a.SelectorKind < b.SelectorKind
		}
		return a.SelectorValue < b.SelectorValue
	})
}

// canonicalPort maps "any" and "fragment" to "0-"-prefixed sort keys so
// they order ahead of numeric ports; literal and range forms are compared
// as written (e.g. "80" and "80-80" are distinct keys).
func canonicalPort(port string) string {
	switch port {
	case "any", "fragment":
		return "0-" + port
	default:
		return port
	}
}
