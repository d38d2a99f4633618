package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/bardlex/gompcore/pkg/log"
)

// BlockFoundNotifier is told when the daemon accepted a block from this pool.
type BlockFoundNotifier interface {
	NotifyBlockFound()
}

// Pipeline validates submissions and settles block candidates.
type Pipeline struct {
	chain     Chain
	submitter BlockSubmitter
	sink      ShareSink
	notifier  BlockFoundNotifier
	logger    *log.Logger
	metrics   *Metrics
}

// NewPipeline creates a submission pipeline. sink and notifier may be nil.
func NewPipeline(chain Chain, submitter BlockSubmitter, sink ShareSink, notifier BlockFoundNotifier, logger *log.Logger, metrics *Metrics) *Pipeline {
	return &Pipeline{
		chain:     chain,
		submitter: submitter,
		sink:      sink,
		notifier:  notifier,
		logger:    logger.WithComponent("pipeline"),
		metrics:   metrics,
	}
}

// Submit validates sub for worker. On success the returned share has
// already been through block submission and been handed to the sink.
func (p *Pipeline) Submit(ctx context.Context, worker *WorkerContext, sub *Submission) (*Share, error) {
	worker.Lock()
	job := worker.History.GetJob(sub.JobID)
	if job == nil && worker.FallbackLookup {
		job = worker.History.FindByPredicate(func(j *Job) bool {
			return p.chain.MatchesFallback(j, sub)
		})
		if job != nil {
			p.logger.Debug("resolved job by fallback lookup",
				"reported_job_id", sub.JobID, "job_id", job.ID, "user_agent", worker.UserAgent)
		}
	}
	if job == nil {
		worker.Unlock()
		p.metrics.shareResult(ErrJobNotFound)
		return nil, newShareError(KindJobNotFound, nil)
	}

	share, work, err := job.processShare(sub, worker)
	worker.Unlock()

	p.metrics.shareResult(err)
	if err != nil {
		return nil, err
	}

	share.ID = uuid.NewString()

	if share.IsBlockCandidate {
		p.settleCandidate(ctx, job, sub, work, share)
	}

	if p.sink != nil {
		if err := p.sink.PublishShare(ctx, share); err != nil {
			p.logger.WithError(err).Error("failed to publish share", "share_id", share.ID)
		}
	}

	return share, nil
}

// settleCandidate submits the block and downgrades the share if the daemon
// did not take it.
func (p *Pipeline) settleCandidate(ctx context.Context, job *Job, sub *Submission, work *Work, share *Share) {
	logger := p.logger.WithJob(job.ID, job.Height())

	accepted := false
	solution, err := p.chain.SerializeBlock(job, sub, work)
	if err != nil {
		logger.WithError(err).Error("failed to serialize block")
	} else {
		accepted = p.submitter.Submit(ctx, job, solution)
	}
	p.metrics.blockSubmitted(accepted)

	if !accepted {
		logger.Warn("block candidate rejected", "block_hash", share.BlockHash)
		share.IsBlockCandidate = false
		share.TransactionConfirmationData = ""
		return
	}

	logger.LogBlockFound(share.BlockHash, share.Height, share.Miner, share.Worker, share.ShareDifficulty)
	if p.notifier != nil {
		p.notifier.NotifyBlockFound()
	}
}
