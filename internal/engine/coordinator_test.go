package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/bardlex/gompcore/pkg/log"
)

func startCoordinator(t *testing.T, c *Coordinator) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return cancel, errc
}

func expectJob(t *testing.T, c *Coordinator) *Job {
	t.Helper()
	select {
	case job := <-c.Jobs():
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job")
		return nil
	}
}

func expectNoJob(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case job := <-c.Jobs():
		t.Fatalf("unexpected job %s at height %d", job.ID, job.Height())
	case <-time.After(100 * time.Millisecond):
	}
}

func newPushCoordinator() (*Coordinator, *Registry, *fakeSource) {
	registry := NewRegistry()
	src := newFakeSource()
	c := NewCoordinator(CoordinatorConfig{JobIDPrefix: "job-", InitialInterval: time.Hour},
		registry, fakeChain{}, nil, log.Discard(), nil)
	c.AddSource(src)
	return c, registry, src
}

func TestIsNovel(t *testing.T) {
	current := NewJob("job-1", newTemplate(100), fakeChain{})

	sameHeightNewTip := newTemplate(100)
	sameHeightNewTip.identity = "prev-100-reorg"

	noHeight := newTemplate(-1)

	tests := []struct {
		name    string
		current *Job
		tpl     Template
		want    bool
	}{
		{"no current job", nil, newTemplate(5), true},
		{"same identity", current, newTemplate(100), false},
		{"higher height", current, newTemplate(101), true},
		{"lower height", current, newTemplate(99), false},
		{"same height different identity", current, sameHeightNewTip, true},
		{"template without height", current, noHeight, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNovel(tt.current, tt.tpl); got != tt.want {
				t.Errorf("IsNovel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoordinator_NewHeightPublishes(t *testing.T) {
	c, registry, src := newPushCoordinator()
	startCoordinator(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(99)}
	first := expectJob(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(100)}
	second := expectJob(t, c)

	if second.Height() != 100 {
		t.Errorf("Height() = %d, want 100", second.Height())
	}
	if second.ID <= first.ID {
		t.Errorf("job id %s not greater than %s", second.ID, first.ID)
	}
	if registry.Current() != second {
		t.Errorf("registry current = %s, want %s", registry.Current().ID, second.ID)
	}
}

func TestCoordinator_LowerHeightIgnored(t *testing.T) {
	c, registry, src := newPushCoordinator()
	startCoordinator(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(100)}
	current := expectJob(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(99)}
	expectNoJob(t, c)

	if registry.Current() != current {
		t.Errorf("registry current changed to %s", registry.Current().ID)
	}
}

func TestCoordinator_IdenticalTemplatesPublishOnce(t *testing.T) {
	c, _, src := newPushCoordinator()
	startCoordinator(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(100)}
	src.ch <- TemplateEvent{Trigger: TriggerPoll, Template: newTemplate(100)}

	expectJob(t, c)
	expectNoJob(t, c)
}

func TestCoordinator_TemplateErrorsAreNotFatal(t *testing.T) {
	registry := NewRegistry()
	src := newFakeSource()
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("rpc error -10: bitcoind is downloading blocks")},
		{tpl: newTemplate(7)},
	}}
	c := NewCoordinator(CoordinatorConfig{JobIDPrefix: "job-", InitialInterval: time.Hour},
		registry, fakeChain{}, fetcher, log.Discard(), nil)
	c.AddSource(src)
	startCoordinator(t, c)

	// The initial trigger consumes the failing fetch.
	waitFor(t, func() bool { return fetcher.callCount() >= 1 })
	expectNoJob(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush}
	job := expectJob(t, c)
	if job.Height() != 7 {
		t.Errorf("Height() = %d, want 7", job.Height())
	}
}

func TestCoordinator_DecodesPayload(t *testing.T) {
	c, _, src := newPushCoordinator()
	c.SetDecoder(decoderFunc(func(payload []byte) (Template, error) {
		if string(payload) == "garbage" {
			return nil, errors.New("unexpected end of JSON input")
		}
		return newTemplate(int64(len(payload))), nil
	}))
	startCoordinator(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Payload: []byte("garbage")}
	src.ch <- TemplateEvent{Trigger: TriggerPush, Payload: []byte("0123456789")}

	job := expectJob(t, c)
	if job.Height() != 10 {
		t.Errorf("Height() = %d, want 10", job.Height())
	}
}

func TestCoordinator_InitialTriggerStopsAfterFirstJob(t *testing.T) {
	registry := NewRegistry()
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
		{err: errors.New("connection refused")},
		{tpl: newTemplate(1)},
	}}
	c := NewCoordinator(CoordinatorConfig{JobIDPrefix: "job-", InitialInterval: 5 * time.Millisecond},
		registry, fakeChain{}, fetcher, log.Discard(), nil)
	startCoordinator(t, c)

	expectJob(t, c)
	select {
	case <-c.FirstJob():
	case <-time.After(time.Second):
		t.Fatal("FirstJob() not closed after first job")
	}

	calls := fetcher.callCount()
	time.Sleep(50 * time.Millisecond)
	if got := fetcher.callCount(); got != calls {
		t.Errorf("fetch calls grew from %d to %d after first job", calls, got)
	}
}

func TestCoordinator_BlockFoundRefreshes(t *testing.T) {
	registry := NewRegistry()
	fetcher := &fakeFetcher{results: []fetchResult{{tpl: newTemplate(1)}, {tpl: newTemplate(2)}}}
	c := NewCoordinator(CoordinatorConfig{JobIDPrefix: "job-", InitialInterval: time.Hour},
		registry, fakeChain{}, fetcher, log.Discard(), nil)
	startCoordinator(t, c)

	expectJob(t, c)
	c.NotifyBlockFound()

	job := expectJob(t, c)
	if job.Height() != 2 {
		t.Errorf("Height() = %d, want 2", job.Height())
	}
}

func TestCoordinator_JobIDCollisionStopsStream(t *testing.T) {
	c, registry, src := newPushCoordinator()
	registry.Publish(NewJob("job-00000001", &fakeTemplate{identity: "other", height: 1, target: big.NewInt(1000)}, fakeChain{}))
	_, done := startCoordinator(t, c)

	src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(5)}

	select {
	case err := <-done:
		if !errors.Is(err, ErrJobIDCollision) {
			t.Errorf("Run() error = %v, want ErrJobIDCollision", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return on id collision")
	}
}

func TestCoordinator_SequentialOrdering(t *testing.T) {
	c, _, src := newPushCoordinator()
	startCoordinator(t, c)

	for h := int64(1); h <= 10; h++ {
		src.ch <- TemplateEvent{Trigger: TriggerPush, Template: newTemplate(h)}
	}

	prev := ""
	for h := int64(1); h <= 10; h++ {
		job := expectJob(t, c)
		if job.Height() != h {
			t.Fatalf("job %d has height %d", h, job.Height())
		}
		if job.ID <= prev {
			t.Fatalf("job id %s not greater than %s", job.ID, prev)
		}
		prev = job.ID
	}
}

type decoderFunc func([]byte) (Template, error)

func (f decoderFunc) DecodeTemplate(p []byte) (Template, error) { return f(p) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
