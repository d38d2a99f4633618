package engine

import (
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"
)

// MinShareRatio is the fraction of the assigned difficulty a share must
// reach to be credited.
const MinShareRatio = 0.99

// Job is one unit of work derived from a template. Everything except the
// submission set is fixed at construction.
type Job struct {
	ID         string
	Template   Template
	Difficulty float64
	Target     *big.Int
	CreatedAt  time.Time

	chain       Chain
	submissions sync.Map
}

// Share is the outcome of a successfully validated submission.
type Share struct {
	ID                          string
	JobID                       string
	Miner                       string
	Worker                      string
	Height                      int64
	Difficulty                  float64
	ShareDifficulty             float64
	NetworkDifficulty           float64
	IsBlockCandidate            bool
	BlockHash                   string
	TransactionConfirmationData string
	SubmittedAt                 time.Time
}

// NewJob builds a job for tpl. The network difficulty is derived from the
// template target.
func NewJob(id string, tpl Template, chain Chain) *Job {
	target := new(big.Int).Set(tpl.Target())
	return &Job{
		ID:         id,
		Template:   tpl,
		Difficulty: chain.TargetToDifficulty(target),
		Target:     target,
		CreatedAt:  time.Now(),
		chain:      chain,
	}
}

// Height returns the template height.
func (j *Job) Height() int64 { return j.Template.Height() }

// registerSubmission inserts key and reports whether it was absent.
func (j *Job) registerSubmission(key string) bool {
	_, loaded := j.submissions.LoadOrStore(key, struct{}{})
	return !loaded
}

// submissionCount returns the number of distinct submissions recorded.
func (j *Job) submissionCount() int {
	n := 0
	j.submissions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ProcessShare validates sub against this job for worker. The caller must
// hold the worker's lock.
func (j *Job) ProcessShare(sub *Submission, worker *WorkerContext) (*Share, error) {
	share, _, err := j.processShare(sub, worker)
	return share, err
}

func (j *Job) processShare(sub *Submission, worker *WorkerContext) (*Share, *Work, error) {
	key, err := j.chain.ValidateSubmission(j.Template, sub)
	if err != nil {
		return nil, nil, newShareError(KindInvalidNonce, err)
	}

	if !j.registerSubmission(key) {
		return nil, nil, newShareError(KindDuplicatedShare, nil)
	}

	work, err := j.chain.Compute(j.Template, sub)
	if err != nil {
		return nil, nil, newShareError(KindInvalidNonce, err)
	}

	if indexed, ok := j.Template.(IndexedTemplate); ok {
		if !slices.Equal(indexed.Indices(), work.Indices) {
			return nil, nil, newShareError(KindChainIndexMismatch,
				fmt.Errorf("expected indices %v, got %v", indexed.Indices(), work.Indices))
		}
	}

	shareDiff := j.chain.ShareDifficulty(work)
	candidate := j.chain.Meets(work, j.Target)

	credited := worker.Difficulty
	if !candidate {
		credited, err = creditedDifficulty(shareDiff, worker)
		if err != nil {
			return nil, nil, err
		}
	}

	share := &Share{
		JobID:             j.ID,
		Miner:             sub.Miner,
		Worker:            sub.WorkerName,
		Height:            j.Height(),
		Difficulty:        credited,
		ShareDifficulty:   shareDiff,
		NetworkDifficulty: j.Difficulty,
		SubmittedAt:       sub.ReceivedAt,
	}
	if share.SubmittedAt.IsZero() {
		share.SubmittedAt = time.Now()
	}
	if candidate {
		share.IsBlockCandidate = true
		share.BlockHash = work.Hash
		share.TransactionConfirmationData = work.ConfirmationData
	}

	return share, work, nil
}

// creditedDifficulty applies the acceptance ratio against the current
// difficulty and, for one retarget only, against the previous one.
func creditedDifficulty(shareDiff float64, worker *WorkerContext) (float64, error) {
	if shareDiff/worker.Difficulty >= MinShareRatio {
		return worker.Difficulty, nil
	}

	if worker.VarDiff != nil && !worker.VarDiff.LastUpdate.IsZero() && worker.PreviousDifficulty > 0 {
		if shareDiff/worker.PreviousDifficulty >= MinShareRatio {
			return worker.PreviousDifficulty, nil
		}
	}

	return 0, &ShareError{Kind: KindLowDifficultyShare, ShareDifficulty: shareDiff}
}
