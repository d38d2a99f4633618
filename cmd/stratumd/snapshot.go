package main

import (
	"context"

	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/log"
)

type jobStore interface {
	SetCurrentJob(ctx context.Context, job *redis.JobSnapshot) error
}

// snapshotJobs forwards every job from in and records it in store on the
// way. A nil store passes jobs through untouched. The returned channel is
// closed when in is closed or ctx is done.
func snapshotJobs(ctx context.Context, in <-chan *engine.Job, store jobStore, logger *log.Logger) <-chan *engine.Job {
	if store == nil {
		return in
	}

	out := make(chan *engine.Job, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case job, ok := <-in:
				if !ok {
					return
				}
				if err := store.SetCurrentJob(ctx, newSnapshot(job)); err != nil {
					logger.WithError(err).Warn("failed to store job snapshot", "job_id", job.ID)
				}
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func newSnapshot(job *engine.Job) *redis.JobSnapshot {
	return &redis.JobSnapshot{
		JobID:             job.ID,
		Identity:          job.Template.Identity(),
		Height:            job.Height(),
		NetworkDifficulty: job.Difficulty,
		CreatedAt:         job.CreatedAt,
	}
}
