// Package orchestrator implements the Task Orchestrator: the main
// loop on the host that leases tasks, validates preconditions, drives
// the page-driven extractor sequence, and reports outcomes via the
// lease-callback protocol.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"collectoragent/internal/accountlock"
	"collectoragent/internal/auth"
	"collectoragent/internal/browserpool"
	"collectoragent/internal/coordinatorapi"
	"collectoragent/internal/extractor"
	"collectoragent/internal/ipdiscovery"
	"collectoragent/internal/keepalive"
	"collectoragent/internal/logging"
	"collectoragent/internal/metrics"
	"collectoragent/internal/resource"
	"collectoragent/internal/template"
	"collectoragent/internal/workwindow"
)

// allProducts is the fixed product name list used for batch status
// reporting, per spec.md §6.
var allProducts = []string{
	"store_statistics",
	"kewen_daily_report",
	"kewen_monthly_report",
	"review_listing_a",
	"review_listing_b",
	"review_export_a",
	"review_export_b",
	"review_reply",
}

// Config controls task-level timing.
type Config struct {
	AccountLockTimeout time.Duration
	CriticalSleep      time.Duration
	ProgrammerErrorSleep time.Duration
	DelayMin           time.Duration
	DelayMax           time.Duration
	LightProbeURL      string
	LoginProbeTimeout  time.Duration
	ShutdownPollInterval time.Duration
	DailyRestartHour   int
}

// Orchestrator drives the main loop. Ownership is strictly one-way:
// Orchestrator depends on Pool and Keepalive; Keepalive depends on
// Pool; Pool depends only on the Resource Monitor and Account Lock
// Registry.
type Orchestrator struct {
	cfg         Config
	pool        *browserpool.Pool
	store       *browserpool.FileStore
	locks       *accountlock.Registry
	monitor     *resource.Monitor
	keepaliveSched *keepalive.Scheduler
	authMachine *auth.Machine
	coordinator *coordinatorapi.Client
	provisioner *template.Provisioner
	ipDiscoverer *ipdiscovery.Discoverer
	window      *workwindow.Gate
	extractors  []extractor.Extractor
	metrics     *metrics.Collectors
	log         *logging.Logger

	shutdown chan struct{}
	stopOnce bool
}

// New creates an Orchestrator. store is the pool's cookie-snapshot
// backing store, used only for the main loop's own daily restart
// check — never touched from a background goroutine.
func New(
	cfg Config,
	pool *browserpool.Pool,
	store *browserpool.FileStore,
	locks *accountlock.Registry,
	monitor *resource.Monitor,
	keepaliveSched *keepalive.Scheduler,
	authMachine *auth.Machine,
	coordinator *coordinatorapi.Client,
	provisioner *template.Provisioner,
	ipDiscoverer *ipdiscovery.Discoverer,
	window *workwindow.Gate,
	extractors []extractor.Extractor,
	m *metrics.Collectors,
	log *logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:            cfg,
		pool:           pool,
		store:          store,
		locks:          locks,
		monitor:        monitor,
		keepaliveSched: keepaliveSched,
		authMachine:    authMachine,
		coordinator:    coordinator,
		provisioner:    provisioner,
		ipDiscoverer:   ipDiscoverer,
		window:         window,
		extractors:     extractors,
		metrics:        m,
		log:            log,
		shutdown:       make(chan struct{}),
	}
}

// RequestShutdown flips the shutdown flag; the main loop completes
// the current extractor at most, reports its outcome, and exits.
func (o *Orchestrator) RequestShutdown() {
	if o.stopOnce {
		return
	}
	o.stopOnce = true
	close(o.shutdown)
}

func (o *Orchestrator) shuttingDown() bool {
	select {
	case <-o.shutdown:
		return true
	default:
		return false
	}
}

// interruptibleSleep sleeps up to d, waking early (and returning
// true) if shutdown is requested, in increments no larger than 10s
// per spec.md §5's suspension-point contract.
func (o *Orchestrator) interruptibleSleep(d time.Duration) (interrupted bool) {
	const maxSlice = 10 * time.Second
	for d > 0 {
		slice := d
		if slice > maxSlice {
			slice = maxSlice
		}
		select {
		case <-o.shutdown:
			return true
		case <-time.After(slice):
		}
		d -= slice
	}
	return false
}

// Run executes the main loop until shutdown is requested.
func (o *Orchestrator) Run(ctx context.Context) {
	for !o.shuttingDown() {
		o.checkDailyRestart(ctx)

		if !o.window.InWindow(time.Now()) {
			wait := o.window.NextOpen(time.Now()).Sub(time.Now())
			if o.interruptibleSleep(wait) {
				break
			}
			continue
		}

		if err := o.coordinator.GenerateSchedule(ctx, time.Now().Format("2006-01-02"), "", ""); err != nil {
			o.log.Warn("schedule generation trigger failed", zap.Error(err))
		}

		ip, err := o.ipDiscoverer.Discover(ctx)
		if err != nil {
			o.log.Error("public IP discovery failed", zap.Error(err))
			if o.interruptibleSleep(o.cfg.ProgrammerErrorSleep) {
				break
			}
			continue
		}

		lease, err := o.coordinator.LeaseTask(ctx, ip)
		if err != nil {
			o.log.Warn("task lease request failed", zap.Error(err))
			if o.interruptibleSleep(o.cfg.ProgrammerErrorSleep) {
				break
			}
			continue
		}

		if lease == nil {
			o.idleLoop(ctx, ip)
			continue
		}

		o.metrics.TasksLeased.Inc()
		o.runLease(ctx, lease)
	}

	// Shutdown was requested: flush every pooled account's keepalive
	// before the process tears the pool down, from the same thread
	// that drives every other browser-engine call.
	o.keepaliveSched.KeepaliveAll(ctx)
}

// checkDailyRestart runs the pool's once-per-calendar-date restart
// check from the main loop. DailyRestart itself tears down and
// relaunches browser contexts, so it must never run from a background
// goroutine where it could race an in-progress extraction.
func (o *Orchestrator) checkDailyRestart(ctx context.Context) {
	if o.store == nil {
		return
	}
	ran, err := o.pool.DailyRestart(ctx, o.store, o.cfg.DailyRestartHour, time.Now())
	if err != nil {
		o.log.Warn("daily pool restart failed", zap.Error(err))
	} else if ran {
		o.log.Info("daily pool restart completed")
	}
}

// idleLoop is the no-task branch of the main loop: reschedule failed
// tasks, then poll resource pressure and do discretionary work until
// a lease appears or the loop exits back to Run.
func (o *Orchestrator) idleLoop(ctx context.Context, ip string) {
	if err := o.coordinator.RescheduleFailed(ctx); err != nil {
		o.log.Warn("reschedule-failed call failed", zap.Error(err))
	}

	for !o.shuttingDown() {
		o.checkDailyRestart(ctx)

		switch o.monitor.Classify() {
		case resource.Critical:
			o.pool.EmergencyRelease()
		case resource.Warning:
			o.pool.ReleaseIdleContexts()
		default:
			o.keepaliveSched.KeepaliveOneBatch(ctx)
		}
		o.pool.EnforceContextCap()

		// Give the next lease attempt a chance; a short sleep avoids a
		// hot loop while still interruptible within 10s.
		if o.interruptibleSleep(5 * time.Second) {
			return
		}

		lease, err := o.coordinator.LeaseTask(ctx, ip)
		if err == nil && lease != nil {
			o.metrics.TasksLeased.Inc()
			o.runLease(ctx, lease)
			return
		}
	}
}

// runLease executes exactly one lease to a terminal transition, per
// spec.md §4.7 and §8's exactly-once-terminal-transition invariant.
func (o *Orchestrator) runLease(ctx context.Context, lease *coordinatorapi.TaskLease) {
	if o.monitor.Classify() == resource.Critical {
		if err := o.coordinator.ResetLease(ctx, lease.ID); err != nil {
			o.log.Error("reset lease failed", zap.Int64("lease_id", lease.ID), zap.Error(err))
		}
		o.interruptibleSleep(o.cfg.CriticalSleep)
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, o.cfg.AccountLockTimeout)
	defer cancel()
	if !o.locks.Acquire(acquireCtx, lease.AccountID, o.cfg.AccountLockTimeout) {
		_ = o.coordinator.Callback(ctx, lease.ID, 3, "account lock acquisition timed out", 1)
		return
	}
	defer o.locks.Release(lease.AccountID)

	status, errMsg, retryAdd := o.executeLease(ctx, lease)
	if err := o.coordinator.Callback(ctx, lease.ID, status, errMsg, retryAdd); err != nil {
		o.log.Error("task callback failed", zap.Int64("lease_id", lease.ID), zap.Error(err))
	}
	if status == 2 {
		o.metrics.TasksSucceeded.Inc()
	} else {
		o.metrics.TasksFailed.Inc()
	}
}

func (o *Orchestrator) executeLease(ctx context.Context, lease *coordinatorapi.TaskLease) (status int, errMsg string, retryAdd int) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("programmer error during task execution", zap.Any("recover", r))
			status, errMsg, retryAdd = 3, fmt.Sprintf("panic: %v", r), 1
			o.interruptibleSleep(60 * time.Second)
		}
	}()

	info, err := o.coordinator.GetAccountInfo(ctx, lease.AccountID)
	if err != nil {
		return 3, err.Error(), 1
	}
	if info.AuthStatus == "invalid" {
		return 3, "account auth_status is invalid", 0
	}

	if info.TemplatesID == 0 {
		if _, err := o.provisioner.Ensure(ctx, lease.AccountID); err != nil {
			return 3, err.Error(), 1
		}
	}

	cookies := parseCookieJSON(info.Cookie)
	if _, err := o.pool.GetContext(ctx, lease.AccountID, cookies); err != nil {
		if err == browserpool.ErrPoolSaturated {
			o.metrics.PoolSaturations.Inc()
		}
		return 3, err.Error(), 1
	}
	o.keepaliveSched.TrackAccount(lease.AccountID)

	var results []extractor.Result
	switch lease.TaskType {
	case "all":
		results, errMsg, retryAdd = o.runPageDrivenSequence(ctx, lease, cookies)
	default:
		results, errMsg, retryAdd = o.runSingleProduct(ctx, lease, cookies, lease.TaskType)
	}

	if errMsg == "authinvalid" {
		return 3, "", 0
	}

	o.reportProductResults(ctx, lease, results)

	allOK := retryAdd == 0
	for _, r := range results {
		if r.Status == 3 {
			allOK = false
		}
	}
	if allOK {
		return 2, "", 0
	}
	if retryAdd == 0 {
		retryAdd = 1
	}
	return 3, errMsg, retryAdd
}

// runPageDrivenSequence implements the "all" task type's sequence
// from spec.md §4.7: store statistics, then the two report extractors,
// then the four review extractors, with a randomized inter-step delay.
// It performs no shop-permission recovery after a navigation.
func (o *Orchestrator) runPageDrivenSequence(ctx context.Context, lease *coordinatorapi.TaskLease, cookies map[string]string) ([]extractor.Result, string, int) {
	tc := extractor.TaskContext{
		Account:       lease.AccountID,
		Cookies:       cookies,
		DataStartDate: lease.DataStartDate,
		DataEndDate:   lease.DataEndDate,
	}
	if tab, ok := o.pool.TabContext(lease.AccountID); ok {
		tc.TabCtx = tab
	} else {
		tc.TabCtx = ctx
	}

	var results []extractor.Result
	for i, ex := range o.extractors {
		if o.shuttingDown() {
			break
		}
		result, refreshed, err := ex.Run(ctx, tc)
		if refreshed != nil {
			tc.Signature = refreshed.Signature
		}
		if err != nil {
			if _, ok := err.(*extractor.AuthInvalidError); ok {
				return o.handleAuthInvalid(ctx, lease, ex.Name(), results)
			}
		}
		results = append(results, result)
		o.metrics.ProductResult.WithLabelValues(result.Product, statusLabel(result.Status)).Inc()
		if i < len(o.extractors)-1 {
			o.randomizedDelay()
		}
	}
	return results, "", 0
}

func (o *Orchestrator) runSingleProduct(ctx context.Context, lease *coordinatorapi.TaskLease, cookies map[string]string, product string) ([]extractor.Result, string, int) {
	tc := extractor.TaskContext{
		Account:       lease.AccountID,
		Cookies:       cookies,
		DataStartDate: lease.DataStartDate,
		DataEndDate:   lease.DataEndDate,
	}
	if tab, ok := o.pool.TabContext(lease.AccountID); ok {
		tc.TabCtx = tab
	} else {
		tc.TabCtx = ctx
	}

	for _, ex := range o.extractors {
		if ex.Name() != product {
			continue
		}
		result, _, err := ex.Run(ctx, tc)
		if err != nil {
			if _, ok := err.(*extractor.AuthInvalidError); ok {
				return o.handleAuthInvalid(ctx, lease, ex.Name(), nil)
			}
		}
		return []extractor.Result{result}, "", 0
	}
	return nil, fmt.Sprintf("unknown task name %q", product), 1
}

// handleAuthInvalid implements §4.6's re-login path from inside a
// task: one attempt; on success the task resumes from the next
// extractor, on failure the fan-out fires and the task fails.
func (o *Orchestrator) handleAuthInvalid(ctx context.Context, lease *coordinatorapi.TaskLease, activeProduct string, resultsSoFar []extractor.Result) ([]extractor.Result, string, int) {
	o.metrics.ReloginAttempts.Inc()
	err := o.authMachine.Relogin(ctx, lease.AccountID, o.cfg.LightProbeURL, o.cfg.LoginProbeTimeout)
	if err == nil {
		o.metrics.ReloginSuccesses.Inc()
		// Resume from the next extractor after the one that failed.
		resumeIdx := 0
		for i, ex := range o.extractors {
			if ex.Name() == activeProduct {
				resumeIdx = i + 1
				break
			}
		}
		remaining := o.extractors[resumeIdx:]
		cookies, _ := o.pool.CookiesFor(lease.AccountID)
		tc := extractor.TaskContext{Account: lease.AccountID, Cookies: cookies, DataStartDate: lease.DataStartDate, DataEndDate: lease.DataEndDate}
		if tab, ok := o.pool.TabContext(lease.AccountID); ok {
			tc.TabCtx = tab
		} else {
			tc.TabCtx = ctx
		}
		results := resultsSoFar
		for _, ex := range remaining {
			result, _, err := ex.Run(ctx, tc)
			results = append(results, result)
			if err != nil {
				// A second invalidation within the same task is not
				// re-attempted: spec.md allows exactly one re-login.
				continue
			}
		}
		return results, "", 0
	}

	o.metrics.AuthInvalidations.Inc()
	o.authMachine.ReportInvalidation(ctx, lease.AccountID, activeProduct, allProducts, lease.DataStartDate, lease.DataEndDate)
	return resultsSoFar, "authinvalid", 0
}

func (o *Orchestrator) reportProductResults(ctx context.Context, lease *coordinatorapi.TaskLease, results []extractor.Result) {
	statuses := make([]coordinatorapi.ProductStatus, 0, len(allProducts))
	byName := make(map[string]extractor.Result, len(results))
	for _, r := range results {
		byName[r.Product] = r
	}
	for _, name := range allProducts {
		r, ok := byName[name]
		if !ok {
			statuses = append(statuses, coordinatorapi.ProductStatus{Product: name, Status: 0})
			continue
		}
		statuses = append(statuses, coordinatorapi.ProductStatus{Product: name, Status: r.Status, Records: r.RecordCount, Error: r.ErrorMessage})
	}
	if err := o.coordinator.ReportBatchStatus(ctx, lease.AccountID, lease.DataStartDate, lease.DataEndDate, statuses); err != nil {
		o.log.Error("batch status report failed", zap.Int64("lease_id", lease.ID), zap.Error(err))
	}
}

// randomizedDelay applies the 2-5s inter-navigation delay required by
// spec.md §4.7, interruptible at shutdown.
func (o *Orchestrator) randomizedDelay() {
	lo, hi := o.cfg.DelayMin, o.cfg.DelayMax
	if hi <= lo {
		hi = lo + time.Second
	}
	d := lo + time.Duration(rand.Int63n(int64(hi-lo)))
	o.interruptibleSleep(d)
}

func statusLabel(status int) string {
	switch status {
	case 2:
		return "success"
	case 3:
		return "failure"
	default:
		return "not_run"
	}
}

func parseCookieJSON(raw string) map[string]string {
	// Coordinator-supplied cookies arrive as a "k=v; k2=v2" header
	// string, or are empty; parsing mirrors auth.parseCookieHeader so
	// both paths agree on format.
	cookies := make(map[string]string)
	if raw == "" {
		return cookies
	}
	for _, pair := range strings.Split(raw, ";") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 {
			cookies[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return cookies
}
