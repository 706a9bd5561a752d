package workspace

import (
	"context"
	"time"
)

const (
	DefaultReapInterval = time.Hour
	DefaultReapMaxAge   = time.Hour
)

// Reaper periodically removes workspaces left behind by crashed or killed
// processes.
type Reaper struct {
	Manager  *Manager
	Interval time.Duration
	MaxAge   time.Duration
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	r.sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultReapMaxAge
	}
	if _, err := r.Manager.ReapStale(maxAge); err != nil {
		r.Manager.logger.Warn("workspace.reap_sweep_failed", "error", err.Error())
	}
}
