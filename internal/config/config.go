// Package config loads and defaults the collector worker's YAML
// configuration and exposes the tunable subset that hot-reload may
// update in place.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MetricColumn maps a report spreadsheet column to a stable field name,
// per spec.md's first Open Question: the mapping is data, never a
// hard-coded index in extractor source.
type MetricColumn struct {
	Code        string `yaml:"code"`
	Field       string `yaml:"field"`
	ColumnIndex int    `yaml:"column_index"`
}

// Config is the complete collector worker configuration.
type Config struct {
	// Coordinator and portal endpoints.
	CoordinatorBaseURL string `yaml:"coordinator_base_url"`
	PortalBaseURL       string `yaml:"portal_base_url"`

	// Pool sizing.
	MaxProcesses          int           `yaml:"max_processes"`
	MaxContextsPerProcess int           `yaml:"max_contexts_per_process"`
	ActiveContextCap      int           `yaml:"active_context_cap"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	DailyRestartHour      int           `yaml:"daily_restart_hour"`
	Headless              bool          `yaml:"headless"`

	// Resource thresholds.
	CPUWarningPct    float64       `yaml:"cpu_warning_pct"`
	CPUCriticalPct   float64       `yaml:"cpu_critical_pct"`
	MemWarningPct    float64       `yaml:"mem_warning_pct"`
	MemCriticalPct   float64       `yaml:"mem_critical_pct"`
	ResourceSampleWindow time.Duration `yaml:"resource_sample_window"`

	// Keepalive tuning.
	KeepaliveBatchSize    int           `yaml:"keepalive_batch_size"`
	KeepaliveInterval     time.Duration `yaml:"keepalive_interval"`
	KeepaliveCooldown     time.Duration `yaml:"keepalive_cooldown"`
	KeepaliveBatchPause   time.Duration `yaml:"keepalive_batch_pause"`

	// HTTP timeouts.
	HTTPConnectTimeout  time.Duration `yaml:"http_connect_timeout"`
	HTTPAPITimeout      time.Duration `yaml:"http_api_timeout"`
	HTTPDownloadTimeout time.Duration `yaml:"http_download_timeout"`
	PageNavTimeout      time.Duration `yaml:"page_nav_timeout"`
	LoginProbeTimeout   time.Duration `yaml:"login_probe_timeout"`
	KeepaliveNavTimeout time.Duration `yaml:"keepalive_nav_timeout"`

	// Work window.
	WorkWindowStartHour int    `yaml:"work_window_start_hour"`
	WorkWindowEndHour   int    `yaml:"work_window_end_hour"`
	DevMode             bool   `yaml:"dev_mode"`
	Timezone            string `yaml:"timezone"`

	// Filesystem layout.
	StateDir    string `yaml:"state_dir"`
	DownloadDir string `yaml:"download_dir"`
	StateEncryptionKey string `yaml:"state_encryption_key"`
	ArtifactMaxAge time.Duration `yaml:"artifact_max_age"`

	// Report-template provisioning.
	TemplateName  string         `yaml:"template_name"`
	TemplateAltName string       `yaml:"template_alt_name"`
	ReportMetrics []MetricColumn `yaml:"report_metrics"`

	// Product policy knobs.
	DailyReportCouponFilter string `yaml:"daily_report_coupon_filter"`
	EnableReviewReply       bool   `yaml:"enable_review_reply"`
	EnableReviewSummaryA    bool   `yaml:"enable_review_summary_a"`
	EnableReviewSummaryB    bool   `yaml:"enable_review_summary_b"`

	// Retry policy.
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff"`
	RetryBackoffFactor  float64       `yaml:"retry_backoff_factor"`
	RetryMaxBackoff     time.Duration `yaml:"retry_max_backoff"`
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`

	// Status surface.
	StatusListenAddr string `yaml:"status_listen_addr"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`

	mu sync.RWMutex `yaml:"-"`
}

// Load reads and parses a YAML config file, applying defaults and
// computing derived fields.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	cfg.ComputeDerived()
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxProcesses == 0 {
		c.MaxProcesses = 4
	}
	if c.MaxContextsPerProcess == 0 {
		c.MaxContextsPerProcess = 8
	}
	if c.ActiveContextCap == 0 {
		c.ActiveContextCap = c.MaxProcesses * c.MaxContextsPerProcess
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.DailyRestartHour == 0 {
		c.DailyRestartHour = 4
	}
	if c.CPUWarningPct == 0 {
		c.CPUWarningPct = 50
	}
	if c.CPUCriticalPct == 0 {
		c.CPUCriticalPct = 70
	}
	if c.MemWarningPct == 0 {
		c.MemWarningPct = 60
	}
	if c.MemCriticalPct == 0 {
		c.MemCriticalPct = 80
	}
	if c.ResourceSampleWindow == 0 {
		c.ResourceSampleWindow = 30 * time.Second
	}
	if c.KeepaliveBatchSize == 0 {
		c.KeepaliveBatchSize = 2
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 60 * time.Minute
	}
	if c.KeepaliveCooldown == 0 {
		c.KeepaliveCooldown = 10 * time.Minute
	}
	if c.KeepaliveBatchPause == 0 {
		c.KeepaliveBatchPause = 3 * time.Second
	}
	if c.HTTPConnectTimeout == 0 {
		c.HTTPConnectTimeout = 10 * time.Second
	}
	if c.HTTPAPITimeout == 0 {
		c.HTTPAPITimeout = 30 * time.Second
	}
	if c.HTTPDownloadTimeout == 0 {
		c.HTTPDownloadTimeout = 120 * time.Second
	}
	if c.PageNavTimeout == 0 {
		c.PageNavTimeout = 60 * time.Second
	}
	if c.LoginProbeTimeout == 0 {
		c.LoginProbeTimeout = 30 * time.Second
	}
	if c.KeepaliveNavTimeout == 0 {
		c.KeepaliveNavTimeout = 15 * time.Second
	}
	if c.WorkWindowStartHour == 0 && c.WorkWindowEndHour == 0 {
		c.WorkWindowStartHour = 8
		c.WorkWindowEndHour = 23
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.StateDir == "" {
		c.StateDir = "./state"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "./downloads"
	}
	if c.ArtifactMaxAge == 0 {
		c.ArtifactMaxAge = 7 * 24 * time.Hour
	}
	if c.TemplateName == "" {
		c.TemplateName = "Kewen_data"
	}
	if c.TemplateAltName == "" {
		c.TemplateAltName = "hdp-all"
	}
	if c.DailyReportCouponFilter == "" {
		c.DailyReportCouponFilter = "All Codes"
	}
	if c.RetryInitialBackoff == 0 {
		c.RetryInitialBackoff = 2 * time.Second
	}
	if c.RetryBackoffFactor == 0 {
		c.RetryBackoffFactor = 2
	}
	if c.RetryMaxBackoff == 0 {
		c.RetryMaxBackoff = 60 * time.Second
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 3
	}
	if c.StatusListenAddr == "" {
		c.StatusListenAddr = "127.0.0.1:9400"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.LogOutput == "" {
		c.LogOutput = "stdout"
	}
}

// Validate performs cross-field sanity checks.
func (c *Config) Validate() error {
	if c.CoordinatorBaseURL == "" {
		return fmt.Errorf("coordinator_base_url is required")
	}
	if c.MaxProcesses <= 0 || c.MaxContextsPerProcess <= 0 {
		return fmt.Errorf("max_processes and max_contexts_per_process must be positive")
	}
	if c.WorkWindowStartHour < 0 || c.WorkWindowStartHour > 23 {
		return fmt.Errorf("work_window_start_hour out of range")
	}
	if c.WorkWindowEndHour < 0 || c.WorkWindowEndHour > 23 {
		return fmt.Errorf("work_window_end_hour out of range")
	}
	return nil
}

// ComputeDerived fills in fields whose value follows from others.
func (c *Config) ComputeDerived() {
	if c.ActiveContextCap > c.MaxProcesses*c.MaxContextsPerProcess {
		c.ActiveContextCap = c.MaxProcesses * c.MaxContextsPerProcess
	}
}

// Snapshot is a lock-free copy of Config's fields, safe to read after
// the live Config has moved on to a concurrent reload.
type Snapshot struct {
	CoordinatorBaseURL string
	PortalBaseURL       string

	MaxProcesses          int
	MaxContextsPerProcess int
	ActiveContextCap      int
	IdleTimeout           time.Duration
	DailyRestartHour      int
	Headless              bool

	CPUWarningPct        float64
	CPUCriticalPct       float64
	MemWarningPct        float64
	MemCriticalPct       float64
	ResourceSampleWindow time.Duration

	KeepaliveBatchSize  int
	KeepaliveInterval   time.Duration
	KeepaliveCooldown   time.Duration
	KeepaliveBatchPause time.Duration

	HTTPConnectTimeout  time.Duration
	HTTPAPITimeout      time.Duration
	HTTPDownloadTimeout time.Duration
	PageNavTimeout      time.Duration
	LoginProbeTimeout   time.Duration
	KeepaliveNavTimeout time.Duration

	WorkWindowStartHour int
	WorkWindowEndHour   int
	DevMode             bool
	Timezone            string

	StateDir           string
	DownloadDir        string
	StateEncryptionKey string
	ArtifactMaxAge     time.Duration

	TemplateName    string
	TemplateAltName string
	ReportMetrics   []MetricColumn

	DailyReportCouponFilter string
	EnableReviewReply       bool
	EnableReviewSummaryA    bool
	EnableReviewSummaryB    bool

	RetryInitialBackoff time.Duration
	RetryBackoffFactor  float64
	RetryMaxBackoff     time.Duration
	RetryMaxAttempts    int

	StatusListenAddr string

	LogLevel  string
	LogFormat string
	LogOutput string
}

// Snapshot returns a tunable-field copy safe for concurrent reads
// while a reload goroutine mutates the live config. It copies fields
// individually rather than the Config struct itself, so the embedded
// mutex is never duplicated.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		CoordinatorBaseURL:    c.CoordinatorBaseURL,
		PortalBaseURL:         c.PortalBaseURL,
		MaxProcesses:          c.MaxProcesses,
		MaxContextsPerProcess: c.MaxContextsPerProcess,
		ActiveContextCap:      c.ActiveContextCap,
		IdleTimeout:           c.IdleTimeout,
		DailyRestartHour:      c.DailyRestartHour,
		Headless:              c.Headless,
		CPUWarningPct:         c.CPUWarningPct,
		CPUCriticalPct:        c.CPUCriticalPct,
		MemWarningPct:         c.MemWarningPct,
		MemCriticalPct:        c.MemCriticalPct,
		ResourceSampleWindow:  c.ResourceSampleWindow,
		KeepaliveBatchSize:    c.KeepaliveBatchSize,
		KeepaliveInterval:     c.KeepaliveInterval,
		KeepaliveCooldown:     c.KeepaliveCooldown,
		KeepaliveBatchPause:   c.KeepaliveBatchPause,
		HTTPConnectTimeout:    c.HTTPConnectTimeout,
		HTTPAPITimeout:        c.HTTPAPITimeout,
		HTTPDownloadTimeout:   c.HTTPDownloadTimeout,
		PageNavTimeout:        c.PageNavTimeout,
		LoginProbeTimeout:     c.LoginProbeTimeout,
		KeepaliveNavTimeout:   c.KeepaliveNavTimeout,
		WorkWindowStartHour:   c.WorkWindowStartHour,
		WorkWindowEndHour:     c.WorkWindowEndHour,
		DevMode:               c.DevMode,
		Timezone:              c.Timezone,
		StateDir:              c.StateDir,
		DownloadDir:           c.DownloadDir,
		StateEncryptionKey:    c.StateEncryptionKey,
		ArtifactMaxAge:        c.ArtifactMaxAge,
		TemplateName:          c.TemplateName,
		TemplateAltName:       c.TemplateAltName,
		ReportMetrics:         c.ReportMetrics,
		DailyReportCouponFilter: c.DailyReportCouponFilter,
		EnableReviewReply:       c.EnableReviewReply,
		EnableReviewSummaryA:    c.EnableReviewSummaryA,
		EnableReviewSummaryB:    c.EnableReviewSummaryB,
		RetryInitialBackoff:   c.RetryInitialBackoff,
		RetryBackoffFactor:    c.RetryBackoffFactor,
		RetryMaxBackoff:       c.RetryMaxBackoff,
		RetryMaxAttempts:      c.RetryMaxAttempts,
		StatusListenAddr:      c.StatusListenAddr,
		LogLevel:              c.LogLevel,
		LogFormat:             c.LogFormat,
		LogOutput:             c.LogOutput,
	}
}

// ApplyReload overwrites only the documented hot-reloadable subset of
// fields from a freshly parsed config, leaving structural fields
// (pool sizing, filesystem paths) untouched until restart.
func (c *Config) ApplyReload(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CPUWarningPct = next.CPUWarningPct
	c.CPUCriticalPct = next.CPUCriticalPct
	c.MemWarningPct = next.MemWarningPct
	c.MemCriticalPct = next.MemCriticalPct
	c.KeepaliveBatchSize = next.KeepaliveBatchSize
	c.KeepaliveInterval = next.KeepaliveInterval
	c.KeepaliveCooldown = next.KeepaliveCooldown
	c.WorkWindowStartHour = next.WorkWindowStartHour
	c.WorkWindowEndHour = next.WorkWindowEndHour
	c.DevMode = next.DevMode
	c.ReportMetrics = next.ReportMetrics
	c.DailyReportCouponFilter = next.DailyReportCouponFilter
	c.EnableReviewReply = next.EnableReviewReply
	c.EnableReviewSummaryA = next.EnableReviewSummaryA
	c.EnableReviewSummaryB = next.EnableReviewSummaryB
}
