package policy

import (
	"sort"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
)

// PutCA stores ca under its ID exactly as given. certs.Engine's CreateCA
// and ImportCA pass CAs in the "created" state (not yet current), per the
// state machine in spec.md §4.1.
func (s *Store) PutCA(ca *CA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cas[ca.ID] = ca
}

// CA looks up a CA by id.
func (s *Store) CA(id string) (*CA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ca, ok := s.cas[id]
	if !ok {
		return nil, apierr.NotFound("ca %s", id)
	}
	return ca, nil
}

// SigningCA returns the single CA with IsCurrent && CanSign, or
// apierr.ServiceUnavailable if none is configured (spec.md §4.4 Failure
// semantics).
func (s *Store) SigningCA() (*CA, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ca := range s.cas {
		if ca.IsCurrent && ca.CanSign {
			return ca, nil
		}
	}
	return nil, apierr.ServiceUnavailable("no signing CA configured")
}

// ActivateCA makes newCA the current, signing CA. If a CA is already
// current it is demoted to previous (can_sign=false), retained in the
// chain for the overlap window (spec.md §4.1 state machine). Must be
// called while holding the CA-set lease (spec.md §5).
func (s *Store) ActivateCA(newCAID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCA, ok := s.cas[newCAID]
	if !ok {
		return apierr.NotFound("ca %s", newCAID)
	}

	for _, ca := range s.cas {
		if ca.ID != newCAID && ca.IsCurrent {
			ca.IsCurrent = false
			ca.IsPrevious = true
			ca.CanSign = false
			// stays IncludeInChain=true; expiry/overlap cleanup demotes it.
		}
	}

	newCA.IsCurrent = true
	newCA.IsPrevious = false
	newCA.CanSign = true
	newCA.IncludeInChain = true

	s.markDirtyLocked(s.allClientsLocked()...)
	return nil
}

func (s *Store) allClientsLocked() []*Client {
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// ActiveChain returns every CA with IncludeInChain=true, ordered stably
// by id (spec.md §4.4 step 5: "concatenation order-stable by CA id").
func (s *Store) ActiveChain() []*CA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CA, 0, len(s.cas))
	for _, ca := range s.cas {
		if ca.IncludeInChain {
			out = append(out, ca)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllCAs returns every CA (rotation sweep iterates this).
func (s *Store) AllCAs() []*CA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CA, 0, len(s.cas))
	for _, ca := range s.cas {
		out = append(out, ca)
	}
	return out
}

// RemoveFromChain demotes a CA out of the distributed chain (expiry or
// overlap elapsed, spec.md §4.1/§4.5 step 3).
func (s *Store) RemoveFromChain(caID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ca, ok := s.cas[caID]; ok {
		ca.IncludeInChain = false
	}
}

// SetCanSign flips can_sign (used when a CA's not_after passes, spec.md
// §3 invariant: "a CA whose not_after is in the past has can_sign=false").
func (s *Store) SetCanSign(caID string, canSign bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ca, ok := s.cas[caID]; ok {
		ca.CanSign = canSign
	}
}

// --- Client certificates -----------------------------------------------------

// PutCertificate persists a newly minted certificate.
func (s *Store) PutCertificate(cert *ClientCertificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[cert.ID] = cert
}

// ReusableCertificate finds the latest non-revoked cert for clientID whose
// (issuingCA, ipCIDR, groupsHash) match, per spec.md §4.1/§4.4 step 3.
// Returns nil if none match.
func (s *Store) ReusableCertificate(clientID, issuingCAID, ipCIDR, groupsHash string) *ClientCertificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *ClientCertificate
	for _, c := range s.certs {
		if c.ClientID != clientID || c.Revoked {
			continue
		}
		if c.IssuingCAID != issuingCAID || c.IssuedForIPCIDR != ipCIDR || c.IssuedForGroupsHash != groupsHash {
			continue
		}
		if best == nil || c.NotAfter.After(best.NotAfter) {
			best = c
		}
	}
	return best
}

// ActiveCertificates returns every non-revoked certificate for a client,
// newest-not_after first. Used by the invariant "at most one non-revoked,
// non-expired cert at any time" and by the rotation sweep.
func (s *Store) ActiveCertificates(clientID string) []*ClientCertificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ClientCertificate
	for _, c := range s.certs {
		if c.ClientID == clientID && !c.Revoked {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotAfter.After(out[j].NotAfter) })
	return out
}

// RevokeCertificate marks a cert revoked (operator action, spec.md §6.4
// revoke-certificate).
func (s *Store) RevokeCertificate(certID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.certs[certID]
	if !ok {
		return apierr.NotFound("certificate %s", certID)
	}
	c.Revoked = true
	c.RevokedAt = s.now()
	return nil
}

// --- Tokens / enrollment codes ------------------------------------------------

func (s *Store) PutToken(t *ClientToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = t
}

// ActiveTokens returns every active token so the distribution endpoint can
// match a presented secret against all of them in constant time (spec.md
// §4.6 Authentication); the constant-time comparison itself lives in
// pkg/distribution, not here.
func (s *Store) ActiveTokens() []*ClientToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ClientToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out
}

// AllTokens returns every token regardless of state. The leak-scanner
// verify path matches against ActiveTokens only; AllTokens is used by tests
// to inspect deactivated tokens.
func (s *Store) AllTokens() []*ClientToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ClientToken, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out
}

// DeactivateToken flips is_active=false (leak webhook, spec.md §4.6).
func (s *Store) DeactivateToken(tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return apierr.NotFound("token %s", tokenID)
	}
	t.IsActive = false
	return nil
}

func (s *Store) PutEnrollmentCode(e *EnrollmentCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[e.ID] = e
}

// DeleteEnrollmentCode removes a code outright (operator cancels an
// unused invite, spec.md §6.4 delete-of-EnrollmentCode).
func (s *Store) DeleteEnrollmentCode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.codes[id]; !ok {
		return apierr.NotFound("enrollment code %s", id)
	}
	delete(s.codes, id)
	return nil
}

// ConsumeEnrollmentCode marks a one-time code used, failing if it is
// already used or expired.
func (s *Store) ConsumeEnrollmentCode(code string) (*EnrollmentCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.codes {
		if e.Code != code {
			continue
		}
		if e.UsedAt != nil {
			return nil, apierr.Conflict("enrollment code already used")
		}
		if s.now().After(e.ExpiresAt) {
			return nil, apierr.Validation("enrollment code expired")
		}
		used := s.now()
		e.UsedAt = &used
		return e, nil
	}
	return nil, apierr.NotFound("enrollment code")
}
