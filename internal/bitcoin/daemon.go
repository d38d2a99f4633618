package bitcoin

import (
	"context"
	"strings"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

// RPCFetcher pulls templates with getblocktemplate.
type RPCFetcher struct {
	rpc   RPC
	chain *Chain
}

var _ engine.TemplateFetcher = (*RPCFetcher)(nil)

// NewRPCFetcher returns a fetcher building templates for chain.
func NewRPCFetcher(rpc RPC, chain *Chain) *RPCFetcher {
	return &RPCFetcher{rpc: rpc, chain: chain}
}

// FetchTemplate implements engine.TemplateFetcher.
func (f *RPCFetcher) FetchTemplate(ctx context.Context) (engine.Template, error) {
	gbt, err := f.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "fetch_template",
			"getblocktemplate failed")
	}
	return f.chain.BuildTemplate(gbt)
}

// Submitter hands solved blocks to bitcoind.
type Submitter struct {
	rpc    RPC
	logger *log.Logger
}

var _ engine.BlockSubmitter = (*Submitter)(nil)

// NewSubmitter returns a submitter using rpc.
func NewSubmitter(rpc RPC, logger *log.Logger) *Submitter {
	return &Submitter{rpc: rpc, logger: logger.WithComponent("block_submitter")}
}

// Submit implements engine.BlockSubmitter. A "duplicate" rejection means the
// daemon already has the block, which happens when a retried submission
// lands twice, and counts as accepted.
func (s *Submitter) Submit(ctx context.Context, job *engine.Job, solution string) bool {
	err := s.rpc.SubmitBlock(ctx, solution)
	if err == nil {
		return true
	}

	if strings.Contains(err.Error(), "duplicate") {
		s.logger.WithJob(job.ID, job.Height()).Info("block already known to daemon")
		return true
	}

	s.logger.WithJob(job.ID, job.Height()).WithError(err).Error("block submission rejected")
	return false
}
