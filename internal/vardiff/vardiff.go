// Package vardiff retargets per-worker share difficulty so that each worker
// submits roughly one share per target interval.
package vardiff

import (
	"time"

	"github.com/bardlex/gompcore/internal/engine"
)

// Config holds the retarget parameters.
type Config struct {
	MinDifficulty float64
	MaxDifficulty float64
	// TargetTime is the desired average time between shares.
	TargetTime time.Duration
	// RetargetTime is the minimum sampling window before a retarget.
	RetargetTime time.Duration
	// Variance is the tolerated relative deviation from TargetTime before
	// difficulty changes.
	Variance float64
	// MaxStep bounds the factor by which one retarget may change difficulty.
	MaxStep float64
}

// DefaultConfig mirrors the pool defaults.
func DefaultConfig() Config {
	return Config{
		MinDifficulty: 1,
		MaxDifficulty: 1_000_000,
		TargetTime:    30 * time.Second,
		RetargetTime:  90 * time.Second,
		Variance:      0.1,
		MaxStep:       4,
	}
}

// Controller computes retargets. It holds no per-worker state of its own;
// samples live in the worker's engine.VarDiffState.
type Controller struct {
	cfg Config
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.MaxStep <= 1 {
		cfg.MaxStep = 4
	}
	return &Controller{cfg: cfg}
}

// Clamp bounds d to the configured difficulty range.
func (c *Controller) Clamp(d float64) float64 {
	return min(max(d, c.cfg.MinDifficulty), c.cfg.MaxDifficulty)
}

// RecordShare adds an accepted share at now and, once the sampling window
// has elapsed, queues a new difficulty on w for the next job. It returns the
// queued difficulty. The caller must hold w's lock.
func (c *Controller) RecordShare(w *engine.WorkerContext, now time.Time) (float64, bool) {
	st := w.VarDiff
	if st == nil {
		return w.Difficulty, false
	}

	// The first share only opens the sampling window.
	if st.WindowStart.IsZero() {
		st.WindowStart = now
		return w.Difficulty, false
	}
	st.Samples = append(st.Samples, now)

	elapsed := now.Sub(st.WindowStart)
	if elapsed < c.cfg.RetargetTime {
		return w.Difficulty, false
	}

	avg := elapsed.Seconds() / float64(len(st.Samples))
	st.Samples = st.Samples[:0]
	st.WindowStart = now

	if avg <= 0 {
		return w.Difficulty, false
	}

	ratio := c.cfg.TargetTime.Seconds() / avg
	if ratio > 1-c.cfg.Variance && ratio < 1+c.cfg.Variance {
		return w.Difficulty, false
	}
	ratio = min(max(ratio, 1/c.cfg.MaxStep), c.cfg.MaxStep)

	// A retarget not yet delivered with a job is the base for the next one.
	base := w.Difficulty
	if pending := w.PendingDifficulty(); pending > 0 {
		base = pending
	}
	next := c.Clamp(base * ratio)
	if next == base {
		return w.Difficulty, false
	}

	w.QueueDifficulty(next)
	return next, true
}
