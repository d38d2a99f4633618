package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
)

// fakeDiff1 is the work value of a difficulty 1 share for fakeChain.
const fakeDiff1 = 1_000_000_000

type fakeTemplate struct {
	identity string
	height   int64
	target   *big.Int
	ntime    string
}

func (t *fakeTemplate) Identity() string { return t.identity }
func (t *fakeTemplate) Height() int64    { return t.height }
func (t *fakeTemplate) Target() *big.Int { return t.target }

type fakeIndexedTemplate struct {
	fakeTemplate
	indices []int
}

func (t *fakeIndexedTemplate) Indices() []int { return t.indices }

func newTemplate(height int64) *fakeTemplate {
	return &fakeTemplate{
		identity: fmt.Sprintf("prev-%d", height),
		height:   height,
		target:   big.NewInt(1000),
		ntime:    "00000001",
	}
}

// fakeChain interprets a submission's nonce as a decimal work value.
type fakeChain struct {
	workIndices []int
}

func (fakeChain) ValidateSubmission(_ Template, sub *Submission) (string, error) {
	if _, err := strconv.ParseInt(sub.Nonce, 10, 64); err != nil {
		return "", fmt.Errorf("nonce %q is not a number", sub.Nonce)
	}
	return sub.Extranonce2 + ":" + sub.Nonce, nil
}

func (c fakeChain) Compute(_ Template, sub *Submission) (*Work, error) {
	v, _ := strconv.ParseInt(sub.Nonce, 10, 64)
	return &Work{
		Hash:             "hash-" + sub.Nonce,
		Value:            big.NewInt(v),
		Indices:          c.workIndices,
		ConfirmationData: "coinbase-" + sub.Nonce,
	}, nil
}

func (fakeChain) DifficultyToTarget(d float64) *big.Int {
	return big.NewInt(int64(fakeDiff1 / d))
}

func (fakeChain) TargetToDifficulty(t *big.Int) float64 {
	return fakeDiff1 / float64(t.Int64())
}

func (fakeChain) ShareDifficulty(w *Work) float64 {
	return fakeDiff1 / float64(w.Value.Int64())
}

func (fakeChain) Meets(w *Work, target *big.Int) bool {
	return w.Value.Cmp(target) <= 0
}

func (fakeChain) NotifyParams(job *Job, clean bool) []any {
	return []any{job.ID, clean}
}

func (fakeChain) SerializeBlock(job *Job, sub *Submission, _ *Work) (string, error) {
	return "block:" + job.ID + ":" + sub.Nonce, nil
}

func (fakeChain) MatchesFallback(job *Job, sub *Submission) bool {
	return job.Template.(*fakeTemplate).ntime == sub.NTime
}

// nonceFor returns a nonce whose share difficulty is approximately diff.
func nonceFor(diff float64) string {
	return strconv.FormatInt(int64(fakeDiff1/diff), 10)
}

type fakeSubmitter struct {
	mu        sync.Mutex
	accept    bool
	solutions []string
}

func (s *fakeSubmitter) Submit(_ context.Context, _ *Job, solution string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solutions = append(s.solutions, solution)
	return s.accept
}

type fakeSink struct {
	mu     sync.Mutex
	shares []Share
	err    error
}

func (s *fakeSink) PublishShare(_ context.Context, share *Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares = append(s.shares, *share)
	return s.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *fakeNotifier) NotifyBlockFound() {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
}

// fakeConn records what the broadcaster sent, in order.
type fakeConn struct {
	id     string
	worker *WorkerContext
	fail   bool

	mu   sync.Mutex
	sent []string
}

func newFakeConn(id string, difficulty float64) *fakeConn {
	return &fakeConn{id: id, worker: NewWorkerContext(difficulty, 4, true)}
}

func (c *fakeConn) ID() string             { return c.id }
func (c *fakeConn) Worker() *WorkerContext { return c.worker }

func (c *fakeConn) SendDifficulty(d float64) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, fmt.Sprintf("diff:%g", d))
	return nil
}

func (c *fakeConn) SendJob(params []any) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, fmt.Sprintf("job:%v:%v", params[0], params[1]))
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeSource emits events from a channel the test controls.
type fakeSource struct {
	ch chan TemplateEvent
}

func newFakeSource() *fakeSource {
	return &fakeSource{ch: make(chan TemplateEvent, 16)}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Subscribe(context.Context) <-chan TemplateEvent { return s.ch }

// fakeFetcher returns queued results, then repeats the last template.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	results []fetchResult
}

type fetchResult struct {
	tpl Template
	err error
}

func (f *fakeFetcher) FetchTemplate(context.Context) (Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil, errors.New("daemon unavailable")
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r.tpl, r.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
