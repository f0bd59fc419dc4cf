// Command collector runs the headless-browser collector daemon: it
// leases tasks from the coordinator, drives the portal through a
// pooled browser tab per account, and reports product outcomes back.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"collectoragent/internal/accountlock"
	"collectoragent/internal/auth"
	"collectoragent/internal/browserpool"
	"collectoragent/internal/config"
	"collectoragent/internal/configreload"
	"collectoragent/internal/coordinatorapi"
	"collectoragent/internal/cookiequeue"
	"collectoragent/internal/extractor"
	"collectoragent/internal/ipdiscovery"
	"collectoragent/internal/keepalive"
	"collectoragent/internal/logging"
	"collectoragent/internal/metrics"
	"collectoragent/internal/orchestrator"
	"collectoragent/internal/portal"
	"collectoragent/internal/resource"
	"collectoragent/internal/statusserver"
	"collectoragent/internal/template"
	"collectoragent/internal/workwindow"
)

func main() {
	configPath := flag.String("config", "config.yaml", "worker config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector: load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logCfg.Output = cfg.LogOutput
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector: build logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(log)
	defer log.Sync()

	log.Info("collector starting", zap.String("config_path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, log); err != nil {
		log.Error("collector exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("collector stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, log *logging.Logger) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	coordinator := coordinatorapi.New(cfg.CoordinatorBaseURL, cfg.HTTPConnectTimeout, cfg.HTTPAPITimeout, log)

	monitor, err := resource.New(cfg.ResourceSampleWindow, resource.Thresholds{
		CPUWarningPct:  cfg.CPUWarningPct,
		CPUCriticalPct: cfg.CPUCriticalPct,
		MemWarningPct:  cfg.MemWarningPct,
		MemCriticalPct: cfg.MemCriticalPct,
	}, log)
	if err != nil {
		return fmt.Errorf("build resource monitor: %w", err)
	}

	locks := accountlock.New()

	pool := browserpool.New(browserpool.Config{
		MaxProcesses:          cfg.MaxProcesses,
		MaxContextsPerProcess: cfg.MaxContextsPerProcess,
		ActiveContextCap:      cfg.ActiveContextCap,
		Headless:              cfg.Headless,
		IdleTimeout:           cfg.IdleTimeout,
		DailyRestartHour:      cfg.DailyRestartHour,
	}, log)

	store := browserpool.NewFileStore(cfg.StateDir, cfg.StateEncryptionKey)
	if err := pool.LoadSnapshot(ctx, store); err != nil {
		log.Warn("pool snapshot restore failed, starting empty", zap.Error(err))
	}

	cookieQueue := cookiequeue.New(1024, 20, 10*time.Second, []cookiequeue.Uploader{
		coordinatorapi.NewCookieEndpoint(coordinator, "/post/platform_accounts/cookie"),
		coordinatorapi.NewCookieEndpoint(coordinator, "/post/account_cookie/cookie"),
	}, log)
	go cookieQueue.Run(ctx)
	defer cookieQueue.Shutdown()

	authMachine := auth.New(pool, coordinator, log)

	keepaliveSched := keepalive.New(keepalive.Config{
		BatchSize:    cfg.KeepaliveBatchSize,
		Interval:     cfg.KeepaliveInterval,
		Cooldown:     cfg.KeepaliveCooldown,
		BatchPause:   cfg.KeepaliveBatchPause,
		ProbeURL:     cfg.PortalBaseURL + "/home",
		ProbeTimeout: cfg.KeepaliveNavTimeout,
	}, pool, locks, monitor, authMachine, cookieQueue, log)

	portalClient := portal.New(pool, cfg.PageNavTimeout, cfg.PortalBaseURL)
	metricCodes := make([]string, 0, len(cfg.ReportMetrics))
	for _, col := range cfg.ReportMetrics {
		metricCodes = append(metricCodes, col.Code)
	}
	provisioner := template.New(portalClient, coordinator, cfg.TemplateName, cfg.TemplateAltName, metricCodes, log)

	ipDiscoverer := ipdiscovery.New(ipdiscovery.DefaultEchoServices, &http.Client{Timeout: 10 * time.Second})

	window, err := workwindow.New(cfg.WorkWindowStartHour, cfg.WorkWindowEndHour, cfg.DevMode, cfg.Timezone)
	if err != nil {
		return fmt.Errorf("build work window: %w", err)
	}

	reportHTTP := &http.Client{Timeout: cfg.HTTPDownloadTimeout}
	extractors := []extractor.Extractor{
		extractor.NewStoreStatisticsExtractor(coordinator, cfg.PortalBaseURL+"/store/traffic"),
		extractor.NewReportCenterExtractor("kewen_daily_report", "daily", portalClient, coordinator, reportHTTP, cfg.DownloadDir, cfg.ReportMetrics, cfg.DailyReportCouponFilter),
		extractor.NewReportCenterExtractor("kewen_monthly_report", "monthly", portalClient, coordinator, reportHTTP, cfg.DownloadDir, cfg.ReportMetrics, ""),
	}
	if cfg.EnableReviewSummaryA {
		extractors = append(extractors, extractor.NewReviewListingExtractor("review_listing_a", cfg.PortalBaseURL+"/reviews/list", 0, 5, coordinator))
		extractors = append(extractors, extractor.NewReviewExportExtractor("review_export_a", 0, portalClient, reportHTTP, coordinator, cfg.DownloadDir))
	}
	if cfg.EnableReviewSummaryB {
		extractors = append(extractors, extractor.NewReviewListingExtractor("review_listing_b", cfg.PortalBaseURL+"/reviews/list", 1, 5, coordinator))
		extractors = append(extractors, extractor.NewReviewExportExtractor("review_export_b", 1, portalClient, reportHTTP, coordinator, cfg.DownloadDir))
	}
	if cfg.EnableReviewReply {
		extractors = append(extractors, extractor.NewReviewReplyExtractor(portalClient, portal.DefaultReplyComposer{}, coordinator))
	}

	orchCfg := orchestrator.Config{
		AccountLockTimeout:   60 * time.Second,
		CriticalSleep:        30 * time.Second,
		ProgrammerErrorSleep: 30 * time.Second,
		DelayMin:             2 * time.Second,
		DelayMax:             5 * time.Second,
		LightProbeURL:        cfg.PortalBaseURL + "/home",
		LoginProbeTimeout:    cfg.LoginProbeTimeout,
		DailyRestartHour:     cfg.DailyRestartHour,
	}
	orch := orchestrator.New(orchCfg, pool, store, locks, monitor, keepaliveSched, authMachine, coordinator, provisioner, ipDiscoverer, window, extractors, m, log)
	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, finishing current lease")
		orch.RequestShutdown()
	}()

	reloader, err := configreload.New(configPath, cfg, log)
	if err != nil {
		log.Warn("config hot-reload unavailable", zap.Error(err))
	} else {
		go reloader.Run()
		defer reloader.Stop()
	}

	statusSrv := statusserver.New(cfg.StatusListenAddr, statusProvider{pool: pool, monitor: monitor}, reg, log)
	go func() {
		if err := statusSrv.Start(ctx); err != nil {
			log.Warn("status server stopped with error", zap.Error(err))
		}
	}()

	orch.Run(ctx)

	if err := pool.SaveSnapshot(store); err != nil {
		log.Warn("pool snapshot save failed", zap.Error(err))
	}
	pool.Shutdown()
	return nil
}

// statusProvider adapts the pool and resource monitor to
// statusserver.StatusProvider.
type statusProvider struct {
	pool    *browserpool.Pool
	monitor *resource.Monitor
}

func (p statusProvider) StatusSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"active_contexts": p.pool.ContextCount(),
		"process_counts":  p.pool.ProcessCounts(),
		"resource_level":  p.monitor.Classify().String(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
}
