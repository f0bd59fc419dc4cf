package browserpool

import (
	"context"
	"testing"
	"time"

	"collectoragent/internal/logging"
)

// newTestPool builds a Pool without launching any real chromedp
// allocator, so tests can populate contexts/processes directly and
// exercise eviction and accounting logic hermetically.
func newTestPool(maxProcesses, maxContextsPerProcess, activeCap int, idleTimeout time.Duration) *Pool {
	return New(Config{
		MaxProcesses:          maxProcesses,
		MaxContextsPerProcess: maxContextsPerProcess,
		ActiveContextCap:      activeCap,
		IdleTimeout:           idleTimeout,
	}, logging.NewDefault())
}

func addFakeContext(p *Pool, account string, processIdx int, lastUsed time.Time) {
	ctx, cancel := context.WithCancel(context.Background())
	p.contexts[account] = &accountContext{
		account:    account,
		processIdx: processIdx,
		tabCtx:     ctx,
		tabCancel:  cancel,
		createdAt:  lastUsed,
		lastUsedAt: lastUsed,
		valid:      true,
	}
	p.processes[processIdx].state = StateHealthy
	p.processes[processIdx].contextCount++
}

func TestProcessCountsMatchesContextsInvariant(t *testing.T) {
	p := newTestPool(2, 4, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())
	addFakeContext(p, "b", 0, time.Now())
	addFakeContext(p, "c", 1, time.Now())

	sum := 0
	for _, c := range p.ProcessCounts() {
		sum += c
	}
	if sum != p.ContextCount() {
		t.Errorf("sum of per-process counts %d != total context count %d", sum, p.ContextCount())
	}
	if p.ContextCount() != 3 {
		t.Errorf("expected 3 contexts, got %d", p.ContextCount())
	}
}

func TestChooseProcessLockedLeastLoaded(t *testing.T) {
	p := newTestPool(2, 4, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())
	addFakeContext(p, "b", 0, time.Now())

	p.mu.Lock()
	idx, err := p.chooseProcessLocked()
	p.mu.Unlock()
	if err != nil {
		t.Fatalf("chooseProcessLocked: %v", err)
	}
	if idx != 0 {
		t.Errorf("expected healthy slot 0, which still has headroom, over launching empty slot 1, got %d", idx)
	}
}

func TestChooseProcessLockedReturnsSaturated(t *testing.T) {
	p := newTestPool(1, 1, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())

	p.mu.Lock()
	_, err := p.chooseProcessLocked()
	p.mu.Unlock()
	if err != ErrPoolSaturated {
		t.Errorf("expected ErrPoolSaturated, got %v", err)
	}
}

func TestRemoveContextDecrementsProcessCount(t *testing.T) {
	p := newTestPool(1, 4, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())
	addFakeContext(p, "b", 0, time.Now())

	p.RemoveContext("a")
	if p.ContextCount() != 1 {
		t.Errorf("expected 1 context after removal, got %d", p.ContextCount())
	}
	if counts := p.ProcessCounts(); counts[0] != 1 {
		t.Errorf("expected process 0 count 1 after removal, got %d", counts[0])
	}
}

func TestRemoveContextOnMissingAccountIsNoop(t *testing.T) {
	p := newTestPool(1, 4, 100, time.Hour)
	p.RemoveContext("nonexistent")
	if p.ContextCount() != 0 {
		t.Errorf("expected 0 contexts, got %d", p.ContextCount())
	}
}

func TestReleaseIdleContextsClosesOnlyStale(t *testing.T) {
	p := newTestPool(1, 4, 100, 10*time.Millisecond)
	addFakeContext(p, "stale", 0, time.Now().Add(-time.Hour))
	addFakeContext(p, "fresh", 0, time.Now())

	closed := p.ReleaseIdleContexts()
	if closed != 1 {
		t.Errorf("expected exactly 1 context released, got %d", closed)
	}
	if p.ContextCount() != 1 {
		t.Errorf("expected 1 remaining context, got %d", p.ContextCount())
	}
	if _, ok := p.contexts["fresh"]; !ok {
		t.Error("expected the fresh context to survive")
	}
}

func TestEnforceContextCapEvictsLRUDownToCap(t *testing.T) {
	p := newTestPool(1, 10, 2, time.Hour)
	addFakeContext(p, "oldest", 0, time.Now().Add(-3*time.Hour))
	addFakeContext(p, "middle", 0, time.Now().Add(-2*time.Hour))
	addFakeContext(p, "newest", 0, time.Now().Add(-time.Hour))

	closed := p.EnforceContextCap()
	if closed != 1 {
		t.Fatalf("expected exactly 1 eviction to reach cap 2, got %d", closed)
	}
	if p.ContextCount() != 2 {
		t.Errorf("expected 2 contexts remaining at cap, got %d", p.ContextCount())
	}
	if _, ok := p.contexts["oldest"]; ok {
		t.Error("expected the oldest context to be evicted first")
	}
	if _, ok := p.contexts["newest"]; !ok {
		t.Error("expected the newest context to survive")
	}
}

func TestEnforceContextCapNoopUnderCap(t *testing.T) {
	p := newTestPool(1, 10, 5, time.Hour)
	addFakeContext(p, "a", 0, time.Now())

	if closed := p.EnforceContextCap(); closed != 0 {
		t.Errorf("expected no eviction under cap, got %d", closed)
	}
}

func TestEmergencyReleaseClosesRoughlyHalfOldestFirst(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now().Add(-4*time.Hour))
	addFakeContext(p, "b", 0, time.Now().Add(-3*time.Hour))
	addFakeContext(p, "c", 0, time.Now().Add(-2*time.Hour))
	addFakeContext(p, "d", 0, time.Now().Add(-1*time.Hour))

	closed := p.EmergencyRelease()
	if closed != 2 {
		t.Fatalf("expected exactly 2 contexts closed (half of 4), got %d", closed)
	}
	if _, ok := p.contexts["a"]; ok {
		t.Error("expected the oldest context to be among those released")
	}
	if _, ok := p.contexts["b"]; ok {
		t.Error("expected the second-oldest context to be among those released")
	}
	if _, ok := p.contexts["c"]; !ok {
		t.Error("expected the newer contexts to survive")
	}
	if _, ok := p.contexts["d"]; !ok {
		t.Error("expected the newer contexts to survive")
	}
}

func TestSweepUnhealthyRebuildsSlotAndEvictsItsContexts(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())
	p.processes[0].state = StateUnhealthy

	p.mu.Lock()
	p.sweepUnhealthyLocked()
	p.mu.Unlock()

	if p.processes[0].state != StateEmpty {
		t.Errorf("expected the unhealthy slot to be rebuilt to empty, got %v", p.processes[0].state)
	}
	if p.ContextCount() != 0 {
		t.Errorf("expected contexts hosted on the unhealthy slot to be evicted, got %d", p.ContextCount())
	}
}

func TestCookiesForReturnsIndependentCopy(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())
	p.contexts["a"].cookies = map[string]string{"session": "abc"}

	cookies, ok := p.CookiesFor("a")
	if !ok {
		t.Fatal("expected cookies to be found")
	}
	cookies["session"] = "mutated"
	if p.contexts["a"].cookies["session"] != "abc" {
		t.Error("expected CookiesFor to return an independent copy, not a live reference")
	}
}

func TestCookiesForMissingAccount(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	if _, ok := p.CookiesFor("nope"); ok {
		t.Error("expected ok=false for a missing account")
	}
}

func TestMarkUsedBumpsLastUsed(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	old := time.Now().Add(-time.Hour)
	addFakeContext(p, "a", 0, old)

	p.MarkUsed("a")
	if !p.contexts["a"].lastUsedAt.After(old) {
		t.Error("expected MarkUsed to bump last_used forward")
	}
}

func TestMarkKeepaliveBumpsLastKeepalive(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())

	before := p.contexts["a"].lastKeepaliveAt
	p.MarkKeepalive("a")
	if !p.contexts["a"].lastKeepaliveAt.After(before) {
		t.Error("expected MarkKeepalive to set last_keepalive")
	}
}

func TestTabContextReturnsStoredContext(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())

	tabCtx, ok := p.TabContext("a")
	if !ok || tabCtx == nil {
		t.Fatal("expected a tab context to be found")
	}
}

func TestTabContextMissingAccount(t *testing.T) {
	p := newTestPool(1, 10, 100, time.Hour)
	if _, ok := p.TabContext("nope"); ok {
		t.Error("expected ok=false for a missing account")
	}
}

func TestShutdownClearsEveryContextAndProcess(t *testing.T) {
	p := newTestPool(2, 10, 100, time.Hour)
	addFakeContext(p, "a", 0, time.Now())
	addFakeContext(p, "b", 1, time.Now())

	p.Shutdown()
	if p.ContextCount() != 0 {
		t.Errorf("expected 0 contexts after Shutdown, got %d", p.ContextCount())
	}
	for i, proc := range p.processes {
		if proc.state != StateEmpty {
			t.Errorf("expected process %d to be empty after Shutdown, got %v", i, proc.state)
		}
	}
}
