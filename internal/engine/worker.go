package engine

import (
	"sync"
	"time"
)

// VarDiffState is the part of a worker's variable-difficulty controller the
// engine reads. LastUpdate is zero until the first retarget was applied.
type VarDiffState struct {
	LastUpdate time.Time
	// Samples holds share timestamps since the last retarget.
	Samples []time.Time
	// WindowStart is when the current sampling window opened.
	WindowStart time.Time
}

// WorkerContext is the per-connection mining state. All fields are guarded
// by the context's lock; the broadcaster and the submission path for the
// same connection both take it.
type WorkerContext struct {
	mu sync.Mutex

	Miner      string
	WorkerName string
	UserAgent  string

	Difficulty         float64
	PreviousDifficulty float64
	VarDiff            *VarDiffState

	// FallbackLookup enables predicate-based job lookup when the submitted
	// job id is unknown.
	FallbackLookup bool

	History *JobHistory

	pendingDifficulty float64
}

// NewWorkerContext returns a context with an empty job history.
func NewWorkerContext(difficulty float64, maxActiveJobs int, vardiff bool) *WorkerContext {
	w := &WorkerContext{
		Difficulty: difficulty,
		History:    NewJobHistory(maxActiveJobs),
	}
	if vardiff {
		w.VarDiff = &VarDiffState{}
	}
	return w
}

// Lock acquires the per-connection lock.
func (w *WorkerContext) Lock() { w.mu.Lock() }

// Unlock releases the per-connection lock.
func (w *WorkerContext) Unlock() { w.mu.Unlock() }

// QueueDifficulty records a difficulty to apply before the next job.
// Caller holds the lock.
func (w *WorkerContext) QueueDifficulty(difficulty float64) {
	w.pendingDifficulty = difficulty
}

// PendingDifficulty returns the queued difficulty, or 0. Caller holds the lock.
func (w *WorkerContext) PendingDifficulty() float64 {
	return w.pendingDifficulty
}

// ApplyPendingDifficulty moves a queued difficulty into effect, keeping the
// old value as PreviousDifficulty. It reports whether the difficulty
// changed. Caller holds the lock.
func (w *WorkerContext) ApplyPendingDifficulty(now time.Time) (float64, bool) {
	pending := w.pendingDifficulty
	w.pendingDifficulty = 0

	if pending <= 0 || pending == w.Difficulty {
		return w.Difficulty, false
	}

	w.PreviousDifficulty = w.Difficulty
	w.Difficulty = pending
	if w.VarDiff != nil {
		w.VarDiff.LastUpdate = now
	}
	return pending, true
}
