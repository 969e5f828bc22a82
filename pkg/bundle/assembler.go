// Package bundle implements the Config Assembler (spec.md §4.4, component
// C4): it produces the per-client bundle (YAML config + cert + CA chain)
// that the Distribution Endpoint hands to agents.
package bundle

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// Bundle is the tuple delivered to an agent (spec.md GLOSSARY "Bundle",
// wire shape in §6.1).
type Bundle struct {
	ConfigYAML             string
	ClientCertPEM          []byte
	CAChainPEMs            [][]byte
	CertNotBefore          time.Time
	CertNotAfter           time.Time
	IsLighthouse           bool
	ExpectedPrivateKeyPath string
}

// Assembler produces bundles on demand from the policy store and cert
// engine.
type Assembler struct {
	store  *policy.Store
	engine *certs.Engine
	cfg    config.Config
	log    *logrus.Entry

	// sf coalesces concurrent Assemble calls for the same client into one
	// assembly, matching the suspension-point rule in spec.md §5 ("the
	// signer invocation ... MUST NOT hold the policy-store transaction
	// open") without every caller re-deriving the same cert.
	sf singleflight.Group
}

// New constructs an Assembler.
func New(store *policy.Store, engine *certs.Engine, cfg config.Config, log *logrus.Logger) *Assembler {
	if log == nil {
		log = logrus.New()
	}
	return &Assembler{store: store, engine: engine, cfg: cfg, log: log.WithField("component", "bundle")}
}

// Assemble builds the bundle for clientID against the agent-supplied
// public key, following the procedure in spec.md §4.4.
func (a *Assembler) Assemble(clientID string, clientPubKey ed25519.PublicKey) (*Bundle, error) {
	v, err, _ := a.sf.Do(clientID, func() (interface{}, error) {
		return a.assembleOnce(clientID, clientPubKey)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bundle), nil
}

func (a *Assembler) assembleOnce(clientID string, clientPubKey ed25519.PublicKey) (*Bundle, error) {
	client, err := a.store.Client(clientID)
	if err != nil {
		return nil, err
	}
	if client.IsBlocked {
		return nil, apierr.Forbidden("client %s is blocked", client.Name)
	}

	poolID := a.store.PrimaryPoolID(client)
	primaryIP, ok := a.store.PrimaryIP(client)
	if !ok || poolID == "" {
		return nil, apierr.Conflict("client %s has no primary ip assignment", client.Name)
	}
	pool, err := a.store.Pool(poolID)
	if err != nil {
		return nil, err
	}
	prefix, err := prefixLength(pool.CIDR)
	if err != nil {
		return nil, err
	}
	ipCIDR := fmt.Sprintf("%s/%d", primaryIP, prefix)

	groupNames := a.store.GroupNames(client)
	groupsHash := policy.GroupsHash(groupNames)

	signingCA, err := a.store.SigningCA()
	if err != nil {
		return nil, err
	}

	certPEM, notBefore, notAfter, err := a.decideCertificate(client, signingCA, ipCIDR, groupsHash, clientPubKey)
	if err != nil {
		return nil, err
	}

	lighthouses := a.lighthouseHosts(poolID, client.ID)
	rules := a.unionRules(client)

	configYAML, err := renderConfig(a.cfg, client, groupNames, lighthouses, rules)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, err, "rendering config yaml")
	}

	chain := a.store.ActiveChain()
	chainPEMs := make([][]byte, 0, len(chain))
	for _, ca := range chain {
		chainPEMs = append(chainPEMs, ca.PublicCertPEM)
	}

	if err := a.store.StampDelivered(client.ID); err != nil {
		a.log.WithError(err).Warn("failed to stamp delivery timestamp")
	}

	return &Bundle{
		ConfigYAML:             configYAML,
		ClientCertPEM:          certPEM,
		CAChainPEMs:            chainPEMs,
		CertNotBefore:          notBefore,
		CertNotAfter:           notAfter,
		IsLighthouse:           client.IsLighthouse,
		ExpectedPrivateKeyPath: "host.key",
	}, nil
}

// decideCertificate implements spec.md §4.4 step 3 / §4.1's reuse rule,
// with the optimistic-retry pattern from §5: sign outside any lock, then
// re-check the inputs are still current before persisting.
func (a *Assembler) decideCertificate(client *policy.Client, signingCA *policy.CA, ipCIDR, groupsHash string, clientPubKey ed25519.PublicKey) ([]byte, time.Time, time.Time, error) {
	if reusable := a.store.ReusableCertificate(client.ID, signingCA.ID, ipCIDR, groupsHash); reusable != nil {
		if reusable.NotAfter.Sub(a.store.Now()) >= a.cfg.CertRenewBefore {
			return reusable.CertPEM, reusable.NotBefore, reusable.NotAfter, nil
		}
	}

	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		certPEM, nb, na, err := a.engine.SignClientCert(signingCA, clientPubKey, client.Name, ipCIDR, a.store.GroupNames(client), a.cfg.CertValidity)
		if err != nil {
			lastErr = err
			continue
		}

		// Optimistic check: the inputs this cert was minted against must
		// still be current before we persist it (spec.md §5).
		current, err := a.store.SigningCA()
		if err != nil || current.ID != signingCA.ID {
			lastErr = apierr.Transient("signing ca changed during issuance, retrying")
			continue
		}
		freshIP, ok := a.store.PrimaryIP(client)
		freshPoolID := a.store.PrimaryPoolID(client)
		if !ok {
			lastErr = apierr.Conflict("client %s lost its ip assignment during issuance", client.Name)
			continue
		}
		pool, perr := a.store.Pool(freshPoolID)
		if perr != nil {
			lastErr = perr
			continue
		}
		prefix, _ := prefixLength(pool.CIDR)
		freshCIDR := fmt.Sprintf("%s/%d", freshIP, prefix)
		freshHash := policy.GroupsHash(a.store.GroupNames(client))
		if freshCIDR != ipCIDR || freshHash != groupsHash {
			lastErr = apierr.Transient("client policy changed during issuance, retrying")
			continue
		}

		fingerprint, ferr := certs.Fingerprint(certPEM)
		if ferr != nil {
			lastErr = ferr
			continue
		}
		cert := &policy.ClientCertificate{
			ID:                  newID(),
			ClientID:            client.ID,
			Fingerprint:         fingerprint,
			NotBefore:           nb,
			NotAfter:            na,
			IssuedForIPCIDR:     ipCIDR,
			IssuedForGroupsHash: groupsHash,
			IssuingCAID:         signingCA.ID,
			CreatedAt:           a.store.Now(),
			CertPEM:             certPEM,
		}
		a.store.PutCertificate(cert)
		return certPEM, nb, na, nil
	}
	if lastErr == nil {
		lastErr = apierr.Transient("certificate issuance failed")
	}
	if !apierr.Is(lastErr, apierr.KindTransient) && !apierr.Is(lastErr, apierr.KindConflict) {
		lastErr = apierr.Wrap(apierr.KindTransient, lastErr, "certificate issuance failed")
	}
	return nil, time.Time{}, time.Time{}, lastErr
}

func (a *Assembler) lighthouseHosts(poolID, excludeClientID string) []lighthouseHost {
	var out []lighthouseHost
	for _, lh := range a.store.LighthousesInPool(poolID) {
		if lh.ID == excludeClientID {
			continue
		}
		ip, ok := a.store.PrimaryIP(lh)
		if !ok || lh.PublicIP == "" {
			continue
		}
		out = append(out, lighthouseHost{OverlayIP: ip, PublicIP: lh.PublicIP})
	}
	return out
}

func (a *Assembler) unionRules(client *policy.Client) []policy.FirewallRule {
	var rules []policy.FirewallRule
	for _, rs := range a.store.Rulesets(client) {
		rules = append(rules, rs.Rules...)
	}
	return rules
}
