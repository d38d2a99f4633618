package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gompcore/pkg/log"
)

// Broadcaster pushes published jobs to every registered connection.
// Deliveries for one job run concurrently, bounded by the configured
// concurrency; the next job is not started until every delivery of the
// previous one returned, so each connection sees jobs in order.
type Broadcaster struct {
	chain       Chain
	maxActive   int
	concurrency int
	logger      *log.Logger
	metrics     *Metrics

	mu    sync.RWMutex
	conns map[string]WorkerConn

	// sendMu serializes Broadcast and SendCurrent.
	sendMu  sync.Mutex
	lastJob *Job
}

// NewBroadcaster creates a broadcaster. maxActive bounds every connection's
// job history.
func NewBroadcaster(chain Chain, maxActive, concurrency int, logger *log.Logger, metrics *Metrics) *Broadcaster {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Broadcaster{
		chain:       chain,
		maxActive:   maxActive,
		concurrency: concurrency,
		logger:      logger.WithComponent("broadcaster"),
		metrics:     metrics,
		conns:       make(map[string]WorkerConn),
	}
}

// Add registers conn for future broadcasts.
func (b *Broadcaster) Add(conn WorkerConn) {
	b.mu.Lock()
	b.conns[conn.ID()] = conn
	n := len(b.conns)
	b.mu.Unlock()
	b.metrics.setWorkers(n)
}

// Remove unregisters the connection with the given id.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	delete(b.conns, id)
	n := len(b.conns)
	b.mu.Unlock()
	b.metrics.setWorkers(n)
}

// Count returns the number of registered connections.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Run broadcasts every job received on jobs until ctx is done or jobs is
// closed.
func (b *Broadcaster) Run(ctx context.Context, jobs <-chan *Job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			b.Broadcast(ctx, job)
		}
	}
}

// Broadcast delivers job to every registered connection. Jobs on a new
// parent block are sent with clean_jobs set.
func (b *Broadcaster) Broadcast(ctx context.Context, job *Job) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	clean := supersedes(b.lastJob, job)
	b.lastJob = job

	b.mu.RLock()
	conns := make([]WorkerConn, 0, len(b.conns))
	for _, conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	params := b.chain.NotifyParams(job, clean)
	swg := sizedwaitgroup.New(b.concurrency)
	for _, conn := range conns {
		if err := swg.AddWithContext(ctx); err != nil {
			break
		}
		go func(conn WorkerConn) {
			defer swg.Done()
			b.deliver(conn, job, params)
		}(conn)
	}
	swg.Wait()

	b.logger.LogJobDistribution(job.ID, job.Height(), clean, len(conns))
}

// supersedes reports whether next makes work on prev worthless. Templates
// without a ChainTip fall back to comparing heights.
func supersedes(prev, next *Job) bool {
	if prev == nil {
		return true
	}
	p, ok1 := prev.Template.(ChainTip)
	n, ok2 := next.Template.(ChainTip)
	if ok1 && ok2 {
		return p.Parent() != n.Parent()
	}
	return prev.Height() != next.Height()
}

// SendCurrent delivers the most recently broadcast job to a single
// connection, for example right after it authorized. It reports false when
// no job has been broadcast yet.
func (b *Broadcaster) SendCurrent(conn WorkerConn) bool {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if b.lastJob == nil {
		return false
	}
	b.deliver(conn, b.lastJob, b.chain.NotifyParams(b.lastJob, true))
	return true
}

func (b *Broadcaster) deliver(conn WorkerConn, job *Job, params []any) {
	w := conn.Worker()

	w.Lock()
	w.History.AddJob(job, b.maxActive)
	difficulty, changed := w.ApplyPendingDifficulty(time.Now())
	w.Unlock()

	if changed {
		b.logger.Debug("applying difficulty",
			"conn_id", conn.ID(),
			"difficulty", difficulty,
			"share_target", fmt.Sprintf("%064x", b.chain.DifficultyToTarget(difficulty)),
		)
		if err := conn.SendDifficulty(difficulty); err != nil {
			b.metrics.broadcastFailed()
			b.logger.WithError(err).Warn("failed to send difficulty", "conn_id", conn.ID())
		}
	}

	if err := conn.SendJob(params); err != nil {
		b.metrics.broadcastFailed()
		b.logger.WithError(err).Warn("failed to send job", "conn_id", conn.ID(), "job_id", job.ID)
	}
}
