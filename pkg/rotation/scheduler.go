// Package rotation implements the Rotation Scheduler (spec.md §4.5,
// component C5): a single logical worker, woken on a coarse interval,
// that advances CA and certificate lifecycles. Actual cert reissue stays
// lazy — the scheduler only marks clients config-dirty; pkg/bundle does
// the crypto work on the next fetch (spec.md §9 "Lazy vs eager cert
// reissue").
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kumpeapps/managed-nebula-sub001/pkg/certs"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/config"
	"github.com/kumpeapps/managed-nebula-sub001/pkg/policy"
)

// Scheduler owns the single rotation worker.
type Scheduler struct {
	store  *policy.Store
	engine *certs.Engine
	cfg    config.Config
	log    *logrus.Entry
}

// New constructs a Scheduler.
func New(store *policy.Store, engine *certs.Engine, cfg config.Config, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{store: store, engine: engine, cfg: cfg, log: log.WithField("component", "rotation")}
}

// Run blocks, waking every cfg.SchedulerInterval until ctx is canceled.
// It performs one Wake() immediately, matching "the decision at each wake
// is a function of current wall-clock time" (spec.md §4.5) — a process
// that starts mid-interval does not wait a full interval before its first
// check.
func (s *Scheduler) Run(ctx context.Context) {
	s.wakeAndLog(ctx)
	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wakeAndLog(ctx)
		}
	}
}

func (s *Scheduler) wakeAndLog(ctx context.Context) {
	if err := s.Wake(ctx); err != nil {
		s.log.WithError(err).Error("rotation wake failed")
	}
}

// Wake performs one scheduler pass: CA rotation check, client renewal
// sweep, expiry cleanup (spec.md §4.5 steps 1–3). It is idempotent: state
// lives entirely in the policy store, so running it twice within one
// rotation period performs at most one CA activation.
func (s *Scheduler) Wake(ctx context.Context) error {
	if err := s.rotateCAIfDue(); err != nil {
		return fmt.Errorf("ca rotation: %w", err)
	}
	s.demoteElapsedPreviousCAs()
	s.expireCanSignFlags()

	if err := s.renewalSweep(ctx); err != nil {
		s.log.WithError(err).Warn("renewal sweep did not finish cleanly")
	}
	return nil
}

// rotateCAIfDue implements spec.md §4.5 step 1. Only one rotation happens
// per wake, and the CA-set lease (§5) serializes against concurrent
// admin-intent CA mutations.
func (s *Scheduler) rotateCAIfDue() error {
	release := s.store.CASetLease()
	defer release()

	var current *policy.CA
	for _, ca := range s.store.AllCAs() {
		if ca.IsCurrent {
			current = ca
			break
		}
	}
	if current == nil {
		return nil // no signing CA configured yet; nothing to rotate
	}

	now := s.store.Now()
	age := now.Sub(current.CreatedAt)
	if age < s.cfg.CARotateAt {
		return nil
	}

	next, err := s.engine.CreateCA(nextCAName(current.Name, now), s.cfg.CAValidity)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"old_ca": current.Name, "new_ca": next.Name}).Info("rotating signing CA")
	return s.store.ActivateCA(next.ID)
}

func nextCAName(current string, now time.Time) string {
	return fmt.Sprintf("%s-rotated-%d", current, now.UnixNano()%1_000_000)
}

// demoteElapsedPreviousCAs implements spec.md §4.5 step 1's "if multiple
// CAs are previous, demote any whose overlap has elapsed out of
// include_in_chain" and §4.1's previous->removed transition.
//
// The store does not persist a separate "became previous at" timestamp,
// so the overlap window is measured from CreatedAt rather than from the
// demotion instant: a previous CA leaves the chain once it is older than
// ca_rotate_at+overlap_window, or when it expires. A CA demoted by the
// scheduler's own rotation has been current for at least ca_rotate_at, so
// it leaves the chain no later than overlap_window after demotion. A CA
// demoted sooner than ca_rotate_at after creation (by a manual ActivateCA)
// stays in the chain for longer than overlap_window after demotion.
func (s *Scheduler) demoteElapsedPreviousCAs() {
	now := s.store.Now()
	for _, ca := range s.store.AllCAs() {
		if !ca.IsPrevious || !ca.IncludeInChain {
			continue
		}
		if ca.Expired(now) || now.Sub(ca.CreatedAt) > s.cfg.CARotateAt+s.cfg.CAOverlapWindow {
			s.store.RemoveFromChain(ca.ID)
		}
	}
}

// expireCanSignFlags implements spec.md §3: "a CA whose not_after is in
// the past has can_sign=false" and §4.5 step 3's expiry cleanup.
func (s *Scheduler) expireCanSignFlags() {
	now := s.store.Now()
	for _, ca := range s.store.AllCAs() {
		if ca.Expired(now) {
			if ca.CanSign {
				s.store.SetCanSign(ca.ID, false)
			}
			if ca.IncludeInChain {
				s.store.RemoveFromChain(ca.ID)
			}
		}
	}
}

// renewalSweep implements spec.md §4.5 step 2: for each non-blocked
// client with at least one non-revoked cert, if it is inside its renewal
// window, mark it dirty. Runs with bounded concurrency (spec.md §5) so
// one slow client cannot serialize the whole sweep; a single failing
// client is logged and swallowed, not fatal to the sweep (spec.md §7
// Propagation policy).
func (s *Scheduler) renewalSweep(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(1, s.cfg.SchedulerConcurrency))

	for _, client := range s.store.AllClients() {
		client := client
		if client.IsBlocked {
			continue
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			s.maybeMarkForRenewal(client)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) maybeMarkForRenewal(client *policy.Client) {
	certsForClient := s.store.ActiveCertificates(client.ID)
	if len(certsForClient) == 0 {
		return
	}
	now := s.store.Now()
	minNotAfter := certsForClient[len(certsForClient)-1].NotAfter // sorted newest-first; oldest last
	for _, c := range certsForClient {
		if c.NotAfter.Before(minNotAfter) {
			minNotAfter = c.NotAfter
		}
	}
	if minNotAfter.Sub(now) < s.cfg.CertRenewBefore {
		s.store.MarkDirty(client)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
