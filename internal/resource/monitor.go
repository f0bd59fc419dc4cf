// Package resource implements the Resource Monitor: it classifies host
// CPU and memory pressure as NORMAL, WARNING, or CRITICAL and caches
// the verdict for a short window so hot paths never pay for a fresh
// /proc read on every call.
package resource

import (
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"collectoragent/internal/logging"
)

// Level is a resource-pressure classification.
type Level int

const (
	Normal Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "NORMAL"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Thresholds holds the CPU/memory warning and critical percentages.
type Thresholds struct {
	CPUWarningPct  float64
	CPUCriticalPct float64
	MemWarningPct  float64
	MemCriticalPct float64
}

type cpuSample struct {
	idle, total uint64
}

// Monitor samples host resource pressure through procfs.
type Monitor struct {
	fs     procfs.FS
	log    *logging.Logger
	window time.Duration
	thresh Thresholds

	mu          sync.Mutex
	lastSampled time.Time
	lastLevel   Level
	lastCPU     *cpuSample
}

// New creates a Monitor reading from the default /proc mount.
func New(window time.Duration, thresh Thresholds, log *logging.Logger) (*Monitor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &Monitor{fs: fs, log: log, window: window, thresh: thresh}, nil
}

// Classify returns the cached verdict if the last sample is younger
// than the sample window; otherwise it takes a fresh two-point CPU
// sample and a point-in-time memory sample and returns the worse of
// the two dimensions.
func (m *Monitor) Classify() Level {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastSampled.IsZero() && time.Since(m.lastSampled) < m.window {
		return m.lastLevel
	}

	cpuPct := m.sampleCPU()
	memPct := m.sampleMem()

	level := levelFor(cpuPct, m.thresh.CPUWarningPct, m.thresh.CPUCriticalPct)
	if memLevel := levelFor(memPct, m.thresh.MemWarningPct, m.thresh.MemCriticalPct); memLevel > level {
		level = memLevel
	}

	m.lastLevel = level
	m.lastSampled = time.Now()
	return level
}

func levelFor(pct, warn, crit float64) Level {
	switch {
	case pct >= crit:
		return Critical
	case pct >= warn:
		return Warning
	default:
		return Normal
	}
}

// sampleCPU computes idle/total delta across two Stat() reads. The
// first ever sample has no prior point and degrades to 0%.
func (m *Monitor) sampleCPU() float64 {
	stat, err := m.fs.Stat()
	if err != nil {
		m.log.Warn("cpu sample failed, degrading to 0%")
		return 0
	}
	cur := &cpuSample{
		idle:  uint64(stat.CPUTotal.Idle),
		total: uint64(totalJiffies(stat.CPUTotal)),
	}
	defer func() { m.lastCPU = cur }()

	if m.lastCPU == nil {
		return 0
	}
	idleDelta := float64(cur.idle) - float64(m.lastCPU.idle)
	totalDelta := float64(cur.total) - float64(m.lastCPU.total)
	if totalDelta <= 0 {
		return 0
	}
	busy := (totalDelta - idleDelta) / totalDelta
	if busy < 0 {
		busy = 0
	}
	return busy * 100
}

func totalJiffies(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

func (m *Monitor) sampleMem() float64 {
	info, err := m.fs.Meminfo()
	if err != nil || info.MemTotal == nil || info.MemAvailable == nil {
		m.log.Warn("memory sample failed, degrading to 0%")
		return 0
	}
	total := float64(*info.MemTotal)
	avail := float64(*info.MemAvailable)
	if total <= 0 {
		return 0
	}
	used := total - avail
	return used / total * 100
}

// SafeForKeepalive reports whether keepalive work may proceed.
func (m *Monitor) SafeForKeepalive() bool {
	return m.Classify() == Normal
}

// SafeForTask reports whether task work may proceed.
func (m *Monitor) SafeForTask() bool {
	lvl := m.Classify()
	return lvl == Normal || lvl == Warning
}
