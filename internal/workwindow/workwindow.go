// Package workwindow implements the wall-clock gate that determines
// whether the daemon may do discretionary work, with a dev-mode
// bypass for round-the-clock testing.
package workwindow

import "time"

// Gate decides whether now falls inside the configured work window.
type Gate struct {
	startHour int
	endHour   int
	devMode   bool
	loc       *time.Location
}

// New creates a Gate. tz names a time.LoadLocation zone; "Local" or
// "" uses the host's local zone.
func New(startHour, endHour int, devMode bool, tz string) (*Gate, error) {
	if tz == "" {
		tz = "Local"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Gate{startHour: startHour, endHour: endHour, devMode: devMode, loc: loc}, nil
}

// InWindow reports whether the given instant is inside the work
// window. Dev mode always returns true (24h operation).
func (g *Gate) InWindow(now time.Time) bool {
	if g.devMode {
		return true
	}
	hour := now.In(g.loc).Hour()
	if g.startHour <= g.endHour {
		return hour >= g.startHour && hour < g.endHour
	}
	// Window wraps past midnight, e.g. 22 -> 6.
	return hour >= g.startHour || hour < g.endHour
}

// NextOpen returns the instant the window next opens, relative to
// now, assuming now is currently outside the window.
func (g *Gate) NextOpen(now time.Time) time.Time {
	if g.devMode || g.InWindow(now) {
		return now
	}
	local := now.In(g.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), g.startHour, 0, 0, 0, g.loc)
	if !next.After(local) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
