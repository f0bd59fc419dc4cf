package resource

import (
	"testing"

	"github.com/prometheus/procfs"
)

func TestLevelForThresholds(t *testing.T) {
	tests := []struct {
		name string
		pct  float64
		warn float64
		crit float64
		want Level
	}{
		{"well below warning", 10, 70, 90, Normal},
		{"at warning", 70, 70, 90, Warning},
		{"between warning and critical", 80, 70, 90, Warning},
		{"at critical", 90, 70, 90, Critical},
		{"above critical", 99, 70, 90, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := levelFor(tt.pct, tt.warn, tt.crit); got != tt.want {
				t.Errorf("levelFor(%v, %v, %v) = %v, want %v", tt.pct, tt.warn, tt.crit, got, tt.want)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{Normal, "NORMAL"},
		{Warning, "WARNING"},
		{Critical, "CRITICAL"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestTotalJiffiesSumsAllFields(t *testing.T) {
	// A sanity check that totalJiffies sums every accounted-for field,
	// not a hard-coded subset, since sampleCPU's busy ratio depends on
	// the total including idle and iowait.
	c := procfs.CPUStat{User: 10, Nice: 20, System: 30, Idle: 40, Iowait: 5, IRQ: 1, SoftIRQ: 2, Steal: 0}
	got := totalJiffies(c)
	want := 10.0 + 20 + 30 + 40 + 5 + 1 + 2 + 0
	if got != want {
		t.Errorf("totalJiffies = %v, want %v", got, want)
	}
}
