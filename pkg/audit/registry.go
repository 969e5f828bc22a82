// Package audit implements the Audit & Token Registry (spec.md §4.7,
// component C7): token issuance/prefix bookkeeping, the enrollment-code
// exchange used by mobile-style onboarding, and the append-only log of
// leak events and token reissuances.
package audit

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// secretBytes sizes the opaque part of a token so the rendered secret
// (prefix + 32 lowercase alphanumerics) matches the leak-scanner pattern
// advertised at /.well-known/secret-scanning.json (spec.md §6.2).
const secretBytes = 20

// LeakEvent is one append-only audit record (spec.md §4.7 "an append-only
// audit log of leak events and token reissuances").
type LeakEvent struct {
	ID          string
	TokenPrefix string
	FoundURL    string
	Kind        string // "leak_verify", "leak_revoke", "reissue"
	OccurredAt  time.Time
}

// Registry owns token/enrollment-code lifecycle and the leak audit log. It
// wraps *policy.Store rather than duplicating its maps, the way pkg/certs
// and pkg/ipam each layer domain operations over the same shared store.
type Registry struct {
	store     *policy.Store
	tagPrefix string
	log       *logrus.Entry

	mu     sync.Mutex
	events []LeakEvent
}

// New constructs a Registry. tagPrefix is prepended to every issued
// token's visible prefix (spec.md §4.7: "active/inactive tokens with a
// recognizable prefix to aid leak-scanning").
func New(store *policy.Store, tagPrefix string, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	if tagPrefix == "" {
		tagPrefix = "mesh_client_token_"
	}
	return &Registry{store: store, tagPrefix: tagPrefix, log: log.WithField("component", "audit")}
}

// IssueToken mints a fresh token for clientID (spec.md §3 ClientToken,
// §4.6 "A token persists for the client's life unless re-issued or
// leak-revoked").
func (r *Registry) IssueToken(clientID string) (*policy.ClientToken, string, error) {
	if _, err := r.store.Client(clientID); err != nil {
		return nil, "", err
	}
	secret, err := randomSecret(r.tagPrefix)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.KindValidation, err, "generating token secret")
	}
	t := &policy.ClientToken{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Secret:    secret,
		Prefix:    r.tagPrefix,
		IsActive:  true,
		CreatedAt: r.store.Now(),
	}
	r.store.PutToken(t)
	return t, secret, nil
}

// ReissueToken deactivates every existing active token for clientID and
// issues a fresh one, recording a "reissue" audit event.
func (r *Registry) ReissueToken(clientID string) (*policy.ClientToken, string, error) {
	for _, t := range r.store.ActiveTokens() {
		if t.ClientID == clientID {
			if err := r.store.DeactivateToken(t.ID); err != nil {
				return nil, "", err
			}
		}
	}
	tok, secret, err := r.IssueToken(clientID)
	if err != nil {
		return nil, "", err
	}
	r.appendEvent(LeakEvent{
		ID:          uuid.NewString(),
		TokenPrefix: tok.Prefix,
		Kind:        "reissue",
		OccurredAt:  r.store.Now(),
	})
	return tok, secret, nil
}

// IssueEnrollmentCode creates a one-time code bound to clientID and an
// optional device hint (spec.md §3 EnrollmentCode, §4.7).
func (r *Registry) IssueEnrollmentCode(clientID, deviceHint string, ttl time.Duration) (*policy.EnrollmentCode, error) {
	if _, err := r.store.Client(clientID); err != nil {
		return nil, err
	}
	code, err := randomCode()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, err, "generating enrollment code")
	}
	e := &policy.EnrollmentCode{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		Code:       code,
		ExpiresAt:  r.store.Now().Add(ttl),
		DeviceHint: deviceHint,
	}
	r.store.PutEnrollmentCode(e)
	return e, nil
}

// Enroll implements the token half of the mobile-onboarding exchange:
// consuming a valid code mints a brand-new token for the code's client.
// It takes only the code; no public key is accepted or recorded here,
// and the code's device hint is not checked.
func (r *Registry) Enroll(code string) (*policy.ClientToken, string, error) {
	e, err := r.store.ConsumeEnrollmentCode(code)
	if err != nil {
		return nil, "", err
	}
	return r.IssueToken(e.ClientID)
}

// RecordLeakVerify appends a "leak_verify" event without mutating token
// state (spec.md §6.2 Verify: read-only per-token status check).
func (r *Registry) RecordLeakVerify(tokenPrefix, foundURL string) {
	r.appendEvent(LeakEvent{ID: uuid.NewString(), TokenPrefix: tokenPrefix, FoundURL: foundURL, Kind: "leak_verify", OccurredAt: r.store.Now()})
}

// RevokeLeakedToken deactivates the token matching secret and records an
// audit event carrying only the token's prefix, never the full secret
// (spec.md §4.6 Leak response: "(token-prefix-only, found-url,
// timestamp)"). Already-issued certs are untouched, per the same section.
func (r *Registry) RevokeLeakedToken(secret, foundURL string) (revoked bool, err error) {
	var match *policy.ClientToken
	for _, t := range r.store.ActiveTokens() {
		if t.Secret == secret {
			match = t
			break
		}
	}
	if match == nil {
		return false, nil
	}
	if err := r.store.DeactivateToken(match.ID); err != nil {
		return false, err
	}
	r.appendEvent(LeakEvent{
		ID:          uuid.NewString(),
		TokenPrefix: match.Prefix,
		FoundURL:    foundURL,
		Kind:        "leak_revoke",
		OccurredAt:  r.store.Now(),
	})
	return true, nil
}

// Events returns a snapshot of the append-only audit log, oldest first.
func (r *Registry) Events() []LeakEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LeakEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Registry) appendEvent(e LeakEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// randomSecret renders prefix + 32 lowercase alphanumerics, matching the
// leak-scanner pattern published at /.well-known/secret-scanning.json
// (spec.md §6.2: "<prefix>[a-z0-9]{32}").
func randomSecret(prefix string) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// 20 bytes base32-encodes to exactly 32 characters with no padding.
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	lower := []byte(enc)
	for i, c := range lower {
		if c >= 'A' && c <= 'Z' {
			lower[i] = c - 'A' + 'a'
		}
	}
	return prefix + string(lower), nil
}

func randomCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
