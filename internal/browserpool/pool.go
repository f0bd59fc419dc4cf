// Package browserpool implements the Browser Session Pool: a fixed
// upper bound of browser processes, each hosting a bounded number of
// isolated per-account contexts, with least-loaded-healthy placement,
// idle/cap/emergency eviction, on-disk persistence, and a scheduled
// daily restart.
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"collectoragent/internal/logging"
)

// ErrPoolSaturated is returned by GetContext when every process slot
// is full and every hosted context is occupied.
var ErrPoolSaturated = errors.New("browserpool: pool saturated")

// Config controls pool sizing and lifecycle.
type Config struct {
	MaxProcesses          int
	MaxContextsPerProcess int
	ActiveContextCap      int
	Headless              bool
	IdleTimeout           time.Duration
	DailyRestartHour      int
}

// Pool owns every browser process and per-account context on this
// host. All maps and the slot table are protected by a single mutex:
// idle-release, cap-enforce and emergency release take mu once and
// call unexported helpers that assume it is already held. DailyRestart
// instead calls the exported SaveSnapshot, Shutdown and GetContext one
// after another, each of which takes mu on its own.
type Pool struct {
	cfg Config
	log *logging.Logger

	mu        sync.Mutex
	processes []*process
	contexts  map[string]*accountContext

	lastRestartDate string
}

// New creates an empty Pool with cfg.MaxProcesses reserved (but not
// yet launched) slots.
func New(cfg Config, log *logging.Logger) *Pool {
	procs := make([]*process, cfg.MaxProcesses)
	for i := range procs {
		procs[i] = &process{index: i, state: StateEmpty}
	}
	return &Pool{
		cfg:       cfg,
		log:       log,
		processes: procs,
		contexts:  make(map[string]*accountContext),
	}
}

// GetContext returns the account's context, creating one if absent.
// If a context already exists and passes a cheap health probe, its
// last_used is bumped and it is returned as-is.
func (p *Pool) GetContext(ctx context.Context, account string, cookies map[string]string) (*accountContext, error) {
	p.mu.Lock()
	if existing, ok := p.contexts[account]; ok {
		p.mu.Unlock()
		if p.probeHealthy(ctx, existing) {
			p.mu.Lock()
			existing.lastUsedAt = time.Now()
			p.mu.Unlock()
			return existing, nil
		}
		p.mu.Lock()
		p.removeContextLocked(account)
	}
	defer p.mu.Unlock()
	return p.createContextLocked(ctx, account, cookies, 0)
}

const maxCreateAttempts = 2

func (p *Pool) createContextLocked(ctx context.Context, account string, cookies map[string]string, attempt int) (*accountContext, error) {
	idx, err := p.chooseProcessLocked()
	if err != nil {
		return nil, err
	}
	proc := p.processes[idx]

	if proc.state == StateEmpty {
		if err := p.launchProcessLocked(proc); err != nil {
			p.markUnhealthyLocked(proc)
			if attempt+1 < maxCreateAttempts {
				return p.createContextLocked(ctx, account, cookies, attempt+1)
			}
			return nil, fmt.Errorf("browserpool: launch process %d: %w", idx, err)
		}
	}

	tabCtx, cancel := chromedp.NewContext(proc.allocCtx)
	if err := chromedp.Run(tabCtx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		p.rebuildProcessLocked(proc)
		if attempt < maxCreateAttempts {
			return p.createContextLocked(ctx, account, cookies, attempt+1)
		}
		return nil, fmt.Errorf("browserpool: create tab on process %d: %w", idx, err)
	}

	if len(cookies) > 0 {
		if err := installCookies(tabCtx, cookies); err != nil {
			p.log.Warn("cookie install failed for new context", zap.String("account_id", account), zap.Error(err))
		}
	}

	ac := &accountContext{
		account:    account,
		processIdx: idx,
		tabCtx:     tabCtx,
		tabCancel:  cancel,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
		cookies:    cookies,
		valid:      true,
	}
	proc.contextCount++
	p.contexts[account] = ac
	return ac, nil
}

// chooseProcessLocked implements least-loaded-healthy placement,
// skipping unhealthy slots (they are rebuilt in place before reuse).
// If no healthy process has headroom, an empty slot is chosen to
// launch a new process into. Returns ErrPoolSaturated if none
// qualifies.
func (p *Pool) chooseProcessLocked() (int, error) {
	best := -1
	bestLoad := p.cfg.MaxContextsPerProcess + 1
	emptySlot := -1

	for _, proc := range p.processes {
		switch proc.state {
		case StateUnhealthy:
			p.rebuildProcessLocked(proc)
		case StateEmpty:
			if emptySlot == -1 {
				emptySlot = proc.index
			}
			continue
		case StateHealthy:
			if proc.contextCount < p.cfg.MaxContextsPerProcess && proc.contextCount < bestLoad {
				best = proc.index
				bestLoad = proc.contextCount
			}
		}
	}
	if best != -1 {
		return best, nil
	}
	if emptySlot != -1 {
		return emptySlot, nil
	}
	return -1, ErrPoolSaturated
}

func (p *Pool) launchProcessLocked(proc *process) error {
	proc.state = StateLaunching
	opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", p.cfg.Headless))
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	proc.allocCtx = allocCtx
	proc.allocCancel = cancel
	proc.state = StateHealthy
	proc.contextCount = 0
	return nil
}

// rebuildProcessLocked evicts every context previously hosted on the
// slot, tears down the allocator, and transitions the slot back to
// empty so the next chooseProcessLocked call launches it fresh.
func (p *Pool) rebuildProcessLocked(proc *process) {
	proc.state = StateRebuilding
	for account, ac := range p.contexts {
		if ac.processIdx == proc.index {
			ac.tabCancel()
			delete(p.contexts, account)
		}
	}
	if proc.allocCancel != nil {
		proc.allocCancel()
	}
	proc.allocCtx = nil
	proc.allocCancel = nil
	proc.contextCount = 0
	proc.state = StateEmpty
}

func (p *Pool) markUnhealthyLocked(proc *process) {
	proc.state = StateUnhealthy
}

// probeHealthy runs a cheap liveness check: cookies readable, page
// URL readable. Performed outside the pool lock, under the account
// lock per spec.md §5.
func (p *Pool) probeHealthy(ctx context.Context, ac *accountContext) bool {
	var url string
	probeCtx, cancel := context.WithTimeout(ac.tabCtx, 5*time.Second)
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Location(&url)); err != nil {
		return false
	}
	if _, err := getCookies(probeCtx); err != nil {
		return false
	}
	return true
}

// RemoveContext closes the account's context and removes it from the
// pool. Safe to call on an already-missing account.
func (p *Pool) RemoveContext(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeContextLocked(account)
}

func (p *Pool) removeContextLocked(account string) {
	ac, ok := p.contexts[account]
	if !ok {
		return
	}
	ac.tabCancel()
	if proc := p.processes[ac.processIdx]; proc.contextCount > 0 {
		proc.contextCount--
	}
	delete(p.contexts, account)
}

// ReleaseIdleContexts closes contexts whose last_used predates
// idle_timeout, oldest first, and sweeps unhealthy processes.
func (p *Pool) ReleaseIdleContexts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	closed := p.evictOlderThanLocked(cutoff, -1)
	p.sweepUnhealthyLocked()
	return closed
}

// EnforceContextCap closes the least-recently-used contexts down to
// active_context_cap when the active count exceeds it.
func (p *Pool) EnforceContextCap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	excess := len(p.contexts) - p.cfg.ActiveContextCap
	if excess <= 0 {
		p.sweepUnhealthyLocked()
		return 0
	}
	closed := p.evictLRULocked(excess)
	p.sweepUnhealthyLocked()
	return closed
}

// EmergencyRelease closes roughly half of active contexts, oldest
// first, called when the Resource Monitor reports CRITICAL.
func (p *Pool) EmergencyRelease() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := (len(p.contexts) + 1) / 2
	closed := p.evictLRULocked(target)
	p.sweepUnhealthyLocked()
	return closed
}

func (p *Pool) evictOlderThanLocked(cutoff time.Time, limit int) int {
	var victims []string
	for account, ac := range p.contexts {
		if ac.lastUsedAt.Before(cutoff) {
			victims = append(victims, account)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		return p.contexts[victims[i]].lastUsedAt.Before(p.contexts[victims[j]].lastUsedAt)
	})
	if limit >= 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, account := range victims {
		p.removeContextLocked(account)
	}
	return len(victims)
}

func (p *Pool) evictLRULocked(count int) int {
	type entry struct {
		account string
		lastUsed time.Time
	}
	entries := make([]entry, 0, len(p.contexts))
	for account, ac := range p.contexts {
		entries = append(entries, entry{account, ac.lastUsedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].lastUsed.Before(entries[j].lastUsed) })
	if count > len(entries) {
		count = len(entries)
	}
	for i := 0; i < count; i++ {
		p.removeContextLocked(entries[i].account)
	}
	return count
}

func (p *Pool) sweepUnhealthyLocked() {
	for _, proc := range p.processes {
		if proc.state == StateUnhealthy {
			p.rebuildProcessLocked(proc)
		}
	}
}

// ContextCount returns the total number of active contexts across all
// processes, for metrics and invariant checks.
func (p *Pool) ContextCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// ProcessCounts returns, per slot, the number of contexts it hosts —
// for the Σ_p contexts_hosted(p) = |pool.contexts| invariant check in
// tests.
func (p *Pool) ProcessCounts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make([]int, len(p.processes))
	for i, proc := range p.processes {
		counts[i] = proc.contextCount
	}
	return counts
}

// Shutdown tears down every process and context.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for account := range p.contexts {
		p.removeContextLocked(account)
	}
	for _, proc := range p.processes {
		if proc.state != StateEmpty {
			p.rebuildProcessLocked(proc)
		}
	}
}

// CookiesFor returns a copy of the account's last-known cookie set,
// used by the orchestrator and keepalive to snapshot for the upload
// queue.
func (p *Pool) CookiesFor(account string) (map[string]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ac, ok := p.contexts[account]
	if !ok {
		return nil, false
	}
	cp := make(map[string]string, len(ac.cookies))
	for k, v := range ac.cookies {
		cp[k] = v
	}
	return cp, true
}

// RefreshCookies reads the live cookie jar from the browser context
// and updates the cached snapshot, returning it.
func (p *Pool) RefreshCookies(ctx context.Context, account string) (map[string]string, error) {
	p.mu.Lock()
	ac, ok := p.contexts[account]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("browserpool: no context for account %s", account)
	}
	cookies, err := getCookies(ac.tabCtx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	ac.cookies = cookies
	p.mu.Unlock()
	return cookies, nil
}

// MarkUsed bumps last_used for account, called after any successful
// browser operation.
func (p *Pool) MarkUsed(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ac, ok := p.contexts[account]; ok {
		ac.lastUsedAt = time.Now()
	}
}

// MarkKeepalive bumps last_keepalive for account.
func (p *Pool) MarkKeepalive(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ac, ok := p.contexts[account]; ok {
		ac.lastKeepaliveAt = time.Now()
	}
}

// TabContext exposes the account's page context for extractors and
// the auth state machine. Callers must hold the account lock.
func (p *Pool) TabContext(account string) (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ac, ok := p.contexts[account]
	if !ok {
		return nil, false
	}
	return ac.tabCtx, true
}

// ReplaceContext closes the existing context for account (if any) and
// creates a fresh one with the given cookies, used by the
// Authentication State Machine's re-login path.
func (p *Pool) ReplaceContext(ctx context.Context, account string, cookies map[string]string) (*accountContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeContextLocked(account)
	return p.createContextLocked(ctx, account, cookies, 0)
}

func installCookies(ctx context.Context, cookies map[string]string) error {
	var actions []chromedp.Action
	for name, value := range cookies {
		name, value := name, value
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return network.SetCookie(name, value).WithDomain("").Do(ctx)
		}))
	}
	if len(actions) == 0 {
		return nil
	}
	return chromedp.Run(ctx, actions...)
}

func getCookies(ctx context.Context) (map[string]string, error) {
	var cookies []*network.Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(cookies))
	for _, c := range cookies {
		result[c.Name] = c.Value
	}
	return result, nil
}
