package distribution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
)

// secretScanningSignatureHeader carries the hex-encoded HMAC-SHA-256
// signature over the raw request body (spec.md §6.2).
const secretScanningSignatureHeader = "X-Signature-256"

type secretPattern struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

// handleSecretScanningManifest implements spec.md §6.2's
// GET /.well-known/secret-scanning.json.
func (s *Server) handleSecretScanningManifest(w http.ResponseWriter, r *http.Request) {
	patterns := []secretPattern{
		{Type: "mesh_client_token", Pattern: s.cfg.SecretScanningTagPattern + "[a-z0-9]{32}"},
	}
	s.writeJSON(w, http.StatusOK, patterns)
}

type scanEntry struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

type verifyResult struct {
	Token    string `json:"token"`
	IsActive bool   `json:"is_active"`
}

type revokeResult struct {
	Revoked int `json:"revoked"`
}

// handleSecretScanningVerify implements spec.md §6.2 Verify: returns
// per-token active/inactive metadata without mutating state.
func (s *Server) handleSecretScanningVerify(w http.ResponseWriter, r *http.Request) {
	entries, ok := s.readSignedScanBody(w, r)
	if !ok {
		return
	}
	active := map[string]bool{}
	for _, t := range s.store.ActiveTokens() {
		active[t.Secret] = true
	}
	out := make([]verifyResult, 0, len(entries))
	for _, e := range entries {
		isActive := active[e.Token]
		out = append(out, verifyResult{Token: redactToken(e.Token), IsActive: isActive})
		s.registry.RecordLeakVerify(tokenPrefixOf(e.Token), e.URL)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleSecretScanningRevoke implements spec.md §6.2 Revoke: deactivates
// matching tokens and returns the count acted upon.
func (s *Server) handleSecretScanningRevoke(w http.ResponseWriter, r *http.Request) {
	entries, ok := s.readSignedScanBody(w, r)
	if !ok {
		return
	}
	count := 0
	for _, e := range entries {
		revoked, err := s.registry.RevokeLeakedToken(e.Token, e.URL)
		if err != nil {
			s.log.WithError(err).Warn("failed to revoke leaked token")
			continue
		}
		if revoked {
			count++
			s.metrics.leakRevocations.Inc()
		}
	}
	s.writeJSON(w, http.StatusOK, revokeResult{Revoked: count})
}

// readSignedScanBody verifies the HMAC-SHA-256 signature over the raw
// body (spec.md §6.2: "authenticated by an HMAC-SHA-256 signature header
// over the raw body using a shared secret") before decoding it.
func (s *Server) readSignedScanBody(w http.ResponseWriter, r *http.Request) ([]scanEntry, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, apierr.Validation("failed to read request body"))
		return nil, false
	}

	sig := r.Header.Get(secretScanningSignatureHeader)
	if sig == "" || !s.verifySignature(raw, sig) {
		s.writeError(w, apierr.Unauthorized("invalid webhook signature"))
		return nil, false
	}

	var entries []scanEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.writeError(w, apierr.Validation("malformed scan payload"))
		return nil, false
	}
	return entries, true
}

func (s *Server) verifySignature(body []byte, providedHex string) bool {
	mac := hmac.New(sha256.New, []byte(s.cfg.SecretScanningHMACKey))
	mac.Write(body)
	expected := mac.Sum(nil)
	provided, err := hex.DecodeString(providedHex)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}

func tokenPrefixOf(token string) string {
	const n = 24
	if len(token) <= n {
		return token
	}
	return token[:n]
}

func redactToken(token string) string {
	const visible = 8
	if len(token) <= visible {
		return token
	}
	return token[:visible] + "…"
}
