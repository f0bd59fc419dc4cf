// Package keepalive implements the Keepalive Scheduler: it keeps
// pooled accounts' cookies fresh while respecting resource pressure,
// exposing two methods the orchestrator's main loop invokes during
// idle gaps — keepalive work never runs on its own goroutine because
// it must execute on the same thread that owns the browser engine.
package keepalive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"collectoragent/internal/accountlock"
	"collectoragent/internal/auth"
	"collectoragent/internal/browserpool"
	"collectoragent/internal/cookiequeue"
	"collectoragent/internal/logging"
	"collectoragent/internal/resource"
)

// resourceGate is the subset of *resource.Monitor the scheduler needs,
// narrowed to let tests exercise batch/abort behavior without a real
// procfs-backed Monitor.
type resourceGate interface {
	SafeForKeepalive() bool
}

// Config controls batch size, interval, and cooldown.
type Config struct {
	BatchSize  int
	Interval   time.Duration
	Cooldown   time.Duration
	BatchPause time.Duration
	ProbeURL   string
	ProbeTimeout time.Duration
}

// Scheduler runs keepalive batches on the orchestrator's thread.
type Scheduler struct {
	cfg     Config
	pool    *browserpool.Pool
	locks   *accountlock.Registry
	monitor resourceGate
	authMachine *auth.Machine
	queue   *cookiequeue.Queue
	log     *logging.Logger

	mu       sync.Mutex
	lastAttempt map[string]time.Time
	lastSuccess map[string]time.Time
	cooldownUntil map[string]time.Time
	accounts []string
}

// New creates a Scheduler.
func New(cfg Config, pool *browserpool.Pool, locks *accountlock.Registry, monitor *resource.Monitor, authMachine *auth.Machine, queue *cookiequeue.Queue, log *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:           cfg,
		pool:          pool,
		locks:         locks,
		monitor:       monitor,
		authMachine:   authMachine,
		queue:         queue,
		log:           log,
		lastAttempt:   make(map[string]time.Time),
		lastSuccess:   make(map[string]time.Time),
		cooldownUntil: make(map[string]time.Time),
	}
}

// TrackAccount registers an account as eligible for keepalive
// consideration (called whenever the pool creates a context for it).
func (s *Scheduler) TrackAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a == account {
			return
		}
	}
	s.accounts = append(s.accounts, account)
}

// ForgetAccount removes an account from keepalive consideration
// (called when its context is removed from the pool).
func (s *Scheduler) ForgetAccount(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.accounts {
		if a == account {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			break
		}
	}
	delete(s.lastAttempt, account)
	delete(s.lastSuccess, account)
	delete(s.cooldownUntil, account)
}

// dueAccounts returns accounts whose last_keepalive predates the
// interval, excluding those in cooldown, in least-recently-refreshed
// order.
func (s *Scheduler) dueAccounts(now time.Time, limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		account string
		last    time.Time
	}
	var candidates []candidate
	for _, account := range s.accounts {
		if until, ok := s.cooldownUntil[account]; ok && now.Before(until) {
			continue
		}
		last := s.lastSuccess[account]
		if now.Sub(last) < s.cfg.Interval {
			continue
		}
		candidates = append(candidates, candidate{account, last})
	}
	// Oldest-refreshed first.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].last.Before(candidates[j-1].last); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.account
	}
	return out
}

// KeepaliveOneBatch selects at most batch_size due accounts and
// attempts keepalive_one for each, returning the number of accounts
// attempted (per spec.md §4.5, not the number of successes).
func (s *Scheduler) KeepaliveOneBatch(ctx context.Context) int {
	if !s.monitor.SafeForKeepalive() {
		return 0
	}
	due := s.dueAccounts(time.Now(), s.cfg.BatchSize)
	for _, account := range due {
		s.keepaliveOne(ctx, account)
	}
	return len(due)
}

// KeepaliveAll iterates across all pooled accounts in batches with
// inter-batch pauses, re-checking the Resource Monitor between
// batches and aborting early on WARNING/CRITICAL.
func (s *Scheduler) KeepaliveAll(ctx context.Context) {
	for {
		if !s.monitor.SafeForKeepalive() {
			return
		}
		n := s.KeepaliveOneBatch(ctx)
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.BatchPause):
		}
	}
}

// keepaliveOne runs the per-account keepalive flow from spec.md §4.5.
func (s *Scheduler) keepaliveOne(ctx context.Context, account string) {
	if !s.locks.TryAcquire(account) {
		return // some task holds it; that task will have fresh cookies anyway.
	}
	defer s.locks.Release(account)

	s.mu.Lock()
	s.lastAttempt[account] = time.Now()
	s.mu.Unlock()

	tabCtx, ok := s.pool.TabContext(account)
	if !ok {
		s.pool.RemoveContext(account)
		s.cooldown(account)
		return
	}

	navCtx, cancel := context.WithTimeout(tabCtx, s.cfg.ProbeTimeout)
	signal, err := probeLightPage(navCtx, s.cfg.ProbeURL)
	cancel()
	if err != nil {
		s.pool.RemoveContext(account)
		s.cooldown(account)
		return
	}

	if s.authMachine.Observe(account, signal) {
		// Keepalive never calls general re-login; report invalid and cooldown.
		s.authMachine.ReportInvalidation(ctx, account, "keepalive", nil, "", "")
		s.pool.RemoveContext(account)
		s.cooldown(account)
		return
	}

	cookies, err := s.pool.RefreshCookies(ctx, account)
	if err != nil {
		s.log.Warn("keepalive: cookie refresh failed", zap.String("account_id", account), zap.Error(err))
		s.cooldown(account)
		return
	}
	s.queue.Put(account, cookies)
	s.pool.MarkKeepalive(account)

	s.mu.Lock()
	s.lastSuccess[account] = time.Now()
	delete(s.cooldownUntil, account)
	s.mu.Unlock()
}

func (s *Scheduler) cooldown(account string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil[account] = time.Now().Add(s.cfg.Cooldown)
}

func probeLightPage(ctx context.Context, url string) (auth.Signal, error) {
	return auth.ProbePage(ctx, url)
}
