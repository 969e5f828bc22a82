// Package distribution implements the Distribution Endpoint (spec.md
// §4.6, component C6): the only interface the node agent uses, plus the
// leak-scanner webhook surface from §6.2.
package distribution

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/apierr"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/audit"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/bundle"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// Server wires the policy store, bundle assembler, and audit registry into
// the HTTP surface agents and the leak scanner talk to.
type Server struct {
	store     *policy.Store
	assembler *bundle.Assembler
	registry  *audit.Registry
	cfg       config.Config
	log       *logrus.Entry

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	handlerDeadline time.Duration

	metrics *serverMetrics
	promReg *prometheus.Registry
}

type serverMetrics struct {
	requests        *prometheus.CounterVec
	rateLimited     prometheus.Counter
	leakRevocations prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_distribution_requests_total",
			Help: "Total client config fetch requests, by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_distribution_rate_limited_total",
			Help: "Requests rejected by the per-token rate limiter.",
		}),
		leakRevocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_distribution_leak_revocations_total",
			Help: "Tokens deactivated via the secret-scanning revoke webhook.",
		}),
	}
	reg.MustRegister(m.requests, m.rateLimited, m.leakRevocations)
	return m
}

// New constructs a Server. reg may be nil, in which case a fresh
// prometheus.Registry is used (handy for tests that don't care about
// metrics collisions across cases).
func New(store *policy.Store, assembler *bundle.Assembler, registry *audit.Registry, cfg config.Config, log *logrus.Logger, reg *prometheus.Registry) *Server {
	if log == nil {
		log = logrus.New()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	deadline := cfg.RequestTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Server{
		store:           store,
		assembler:       assembler,
		registry:        registry,
		cfg:             cfg,
		log:             log.WithField("component", "distribution"),
		limiters:        map[string]*rate.Limiter{},
		handlerDeadline: deadline,
		metrics:         newServerMetrics(reg),
		promReg:         reg,
	}
}

// Router builds the mux.Router serving every agent- and scanner-facing
// endpoint in spec.md §6.1/§6.2. Metrics are deliberately NOT registered
// here: they are served on a separate listener (cmd/meshd's MetricsAddr)
// so operators can firewall them away from client traffic; see
// MetricsHandler.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/client/config", s.handleClientConfig).Methods(http.MethodPost)
	r.HandleFunc("/.well-known/secret-scanning.json", s.handleSecretScanningManifest).Methods(http.MethodGet)
	r.HandleFunc("/v1/secret-scanning/verify", s.handleSecretScanningVerify).Methods(http.MethodPost)
	r.HandleFunc("/v1/secret-scanning/revoke", s.handleSecretScanningRevoke).Methods(http.MethodPost)
	return r
}

// MetricsHandler returns the Prometheus handler for this server's
// registry, meant to be served on a dedicated listener separate from
// Router() (spec.md AMBIENT/DOMAIN STACK: "/metrics endpoint").
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})
}

type clientConfigRequest struct {
	Token         string `json:"token"`
	PublicKey     []byte `json:"public_key"`
	ClientVersion string `json:"client_version,omitempty"`
	NebulaVersion string `json:"nebula_version,omitempty"`
}

type clientConfigResponse struct {
	Config        string   `json:"config"`
	ClientCertPEM string   `json:"client_cert_pem"`
	CAChainPEMs   []string `json:"ca_chain_pems"`
	CertNotBefore string   `json:"cert_not_before"`
	CertNotAfter  string   `json:"cert_not_after"`
	Lighthouse    bool     `json:"lighthouse"`
	KeyPath       string   `json:"key_path"`
}

// handleClientConfig implements spec.md §6.1 / §4.6: token authentication,
// per-token rate limiting, blocked-client rejection, bundle assembly.
func (s *Server) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.handlerDeadline)
	defer cancel()

	var req clientConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apierr.Validation("malformed request body"))
		return
	}

	token, client, err := s.authenticate(req.Token)
	if err != nil {
		s.recordOutcome("unauthorized")
		s.writeError(w, err)
		return
	}

	if !s.allow(token.ID) {
		s.metrics.rateLimited.Inc()
		s.recordOutcome("rate_limited")
		s.writeError(w, apierr.TooManyRequests("rate limit exceeded for token"))
		return
	}

	if client.IsBlocked {
		s.recordOutcome("forbidden")
		s.writeError(w, apierr.Forbidden("client %s is blocked", client.Name))
		return
	}

	if req.ClientVersion != "" || req.NebulaVersion != "" {
		if err := s.store.ReportVersions(client.ID, req.ClientVersion, req.NebulaVersion); err != nil {
			s.log.WithError(err).Warn("failed to record reported versions")
		}
	}

	type result struct {
		b   *bundle.Bundle
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := s.assembler.Assemble(client.ID, req.PublicKey)
		done <- result{b, err}
	}()

	select {
	case <-ctx.Done():
		// The in-flight assembly is abandoned; its result (if it ever
		// arrives) is discarded by the orphaned goroutine (spec.md §4.6
		// Cancellation and timeouts).
		s.recordOutcome("deadline_exceeded")
		s.writeError(w, apierr.Transient("request deadline exceeded"))
		return
	case res := <-done:
		if res.err != nil {
			s.recordOutcome(apierr.KindOf(res.err).String())
			s.writeError(w, res.err)
			return
		}
		s.recordOutcome("ok")
		s.writeJSON(w, http.StatusOK, clientConfigResponse{
			Config:        res.b.ConfigYAML,
			ClientCertPEM: string(res.b.ClientCertPEM),
			CAChainPEMs:   pemStrings(res.b.CAChainPEMs),
			CertNotBefore: res.b.CertNotBefore.UTC().Format(time.RFC3339),
			CertNotAfter:  res.b.CertNotAfter.UTC().Format(time.RFC3339),
			Lighthouse:    res.b.IsLighthouse,
			KeyPath:       res.b.ExpectedPrivateKeyPath,
		})
	}
}

func pemStrings(pems [][]byte) []string {
	out := make([]string, len(pems))
	for i, p := range pems {
		out[i] = string(p)
	}
	return out
}

// authenticate matches token against every active token in constant time
// (spec.md §4.6 Authentication: "look-up is constant-time across the
// candidate set").
func (s *Server) authenticate(token string) (*policy.ClientToken, *policy.Client, error) {
	if token == "" {
		return nil, nil, apierr.Unauthorized("missing token")
	}
	var matched *policy.ClientToken
	tokenBytes := []byte(token)
	for _, t := range s.store.ActiveTokens() {
		if subtle.ConstantTimeCompare(tokenBytes, []byte(t.Secret)) == 1 {
			matched = t
		}
	}
	if matched == nil {
		return nil, nil, apierr.Unauthorized("invalid or inactive token")
	}
	client, err := s.store.Client(matched.ClientID)
	if err != nil {
		return nil, nil, apierr.Unauthorized("token bound to unknown client")
	}
	return matched, client, nil
}

// allow applies the per-token rate limit (spec.md §4.6 Rate limit, §9's
// per-token resolution).
func (s *Server) allow(tokenID string) bool {
	s.limiterMu.Lock()
	lim, ok := s.limiters[tokenID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)
		s.limiters[tokenID] = lim
	}
	s.limiterMu.Unlock()
	return lim.Allow()
}

func (s *Server) recordOutcome(outcome string) {
	s.metrics.requests.WithLabelValues(outcome).Inc()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	s.writeJSON(w, kind.HTTPStatus(), errorResponse{Error: err.Error()})
}
