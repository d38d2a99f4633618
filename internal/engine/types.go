// Package engine implements the job lifecycle and share validation core of
// the pool: turning block templates into jobs, handing jobs to connected
// workers, and validating the shares those workers submit.
//
// Everything chain specific sits behind the Chain interface; the engine
// itself never parses a template payload or hashes a header.
package engine

import (
	"context"
	"math/big"
	"time"
)

// Template is one candidate block obtained from a daemon.
type Template interface {
	// Identity is the job-affecting key (previous hash, height, sequence)
	// used to decide whether a template is new work.
	Identity() string
	// Height returns the block height, or -1 when the chain has none.
	Height() int64
	// Target is the network target in the chain's work-value space.
	Target() *big.Int
}

// ChainTip is implemented by templates that build on a known parent block.
// A job on a new parent invalidates all earlier work.
type ChainTip interface {
	Parent() string
}

// IndexedTemplate is implemented by templates of sharded chains whose work
// is partitioned into routing groups.
type IndexedTemplate interface {
	Template
	Indices() []int
}

// Submission is a single mining.submit request as seen by the engine.
type Submission struct {
	Miner       string
	WorkerName  string
	JobID       string
	Extranonce1 string
	Extranonce2 string
	NTime       string
	Nonce       string
	VersionBits string
	// VersionMask is the mask the worker negotiated for VersionBits, 0 when
	// the chain's own mask applies.
	VersionMask uint32
	ReceivedAt  time.Time
}

// Work is the result of hashing a submission.
type Work struct {
	// Hash is the block hash in display order, hex encoded.
	Hash string
	// Value is the proof-of-work value compared against targets.
	// Lower is better.
	Value *big.Int
	// Indices are the routing indices derived from the hash, if any.
	Indices []int
	// ConfirmationData identifies the block for later confirmation
	// tracking, for example the coinbase transaction id.
	ConfirmationData string
}

// Hasher turns a template and a submission into a proof-of-work value.
// Implementations must be pure.
type Hasher interface {
	Compute(tpl Template, sub *Submission) (*Work, error)
}

// TargetCodec converts between difficulties and targets. Comparisons must
// use the chain's exact consensus representation.
type TargetCodec interface {
	DifficultyToTarget(difficulty float64) *big.Int
	TargetToDifficulty(target *big.Int) float64
	ShareDifficulty(work *Work) float64
	// Meets reports whether work satisfies target.
	Meets(work *Work, target *big.Int) bool
}

// JobCodec covers the wire-facing pieces of a chain: the structural shape of
// a submission, notify parameters and block serialization.
type JobCodec interface {
	// ValidateSubmission checks the submission's shape against the job's
	// template and returns the de-duplication key for it.
	ValidateSubmission(tpl Template, sub *Submission) (string, error)
	NotifyParams(job *Job, cleanJobs bool) []any
	SerializeBlock(job *Job, sub *Submission, work *Work) (string, error)
	// MatchesFallback is used to find a job for firmware known to report
	// wrong job ids.
	MatchesFallback(job *Job, sub *Submission) bool
}

// Chain is everything the engine needs from one blockchain backend.
type Chain interface {
	Hasher
	TargetCodec
	JobCodec
}

// TemplateFetcher pulls the current template from a daemon.
type TemplateFetcher interface {
	FetchTemplate(ctx context.Context) (Template, error)
}

// TemplateDecoder decodes templates pushed by a source.
type TemplateDecoder interface {
	DecodeTemplate(payload []byte) (Template, error)
}

// TemplateSource produces template events until ctx is done. Push sources
// reconnect on their own; a transient failure yields no events rather than
// a closed channel.
type TemplateSource interface {
	Name() string
	Subscribe(ctx context.Context) <-chan TemplateEvent
}

// BlockSubmitter hands a solved block to the daemon. Calling Submit twice
// with the same solution must be safe.
type BlockSubmitter interface {
	Submit(ctx context.Context, job *Job, solution string) bool
}

// ShareSink receives every accepted share after block submission settled.
type ShareSink interface {
	PublishShare(ctx context.Context, share *Share) error
}

// WorkerConn is a connected worker from the broadcaster's point of view.
type WorkerConn interface {
	ID() string
	Worker() *WorkerContext
	SendDifficulty(difficulty float64) error
	SendJob(params []any) error
}
