package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gompcore/pkg/log"
)

// Trigger identifies what caused a template event.
type Trigger int

const (
	TriggerBlockFound Trigger = iota + 1
	TriggerPush
	TriggerPoll
	TriggerInitial
)

func (t Trigger) String() string {
	switch t {
	case TriggerBlockFound:
		return "block_found"
	case TriggerPush:
		return "push"
	case TriggerPoll:
		return "poll"
	case TriggerInitial:
		return "initial"
	default:
		return "unknown"
	}
}

// TemplateEvent is one "something changed" notification. Template, when
// set, is used as is; otherwise Payload is decoded, and without a payload
// the coordinator fetches the template.
type TemplateEvent struct {
	Trigger  Trigger
	Template Template
	Payload  []byte
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	JobIDPrefix string
	// InitialInterval is how often the initial trigger fires until the
	// first job is published.
	InitialInterval time.Duration
	// EventBuffer is the capacity of the merged event channel.
	EventBuffer int
}

// Coordinator merges template triggers for one work-stream and turns them,
// one at a time, into published jobs.
type Coordinator struct {
	cfg      CoordinatorConfig
	registry *Registry
	chain    Chain
	fetcher  TemplateFetcher
	decoder  TemplateDecoder
	sources  []TemplateSource
	logger   *log.Logger
	metrics  *Metrics

	events chan TemplateEvent
	jobs   chan *Job

	firstJob     chan struct{}
	firstJobOnce sync.Once
	lastID       string
}

// NewCoordinator creates a coordinator. fetcher is used for events that
// carry neither a template nor a payload and may be nil when every source
// attaches one.
func NewCoordinator(cfg CoordinatorConfig, registry *Registry, chain Chain, fetcher TemplateFetcher, logger *log.Logger, metrics *Metrics) *Coordinator {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}

	c := &Coordinator{
		cfg:      cfg,
		registry: registry,
		chain:    chain,
		fetcher:  fetcher,
		logger:   logger.WithComponent("coordinator"),
		metrics:  metrics,
		events:   make(chan TemplateEvent, cfg.EventBuffer),
		jobs:     make(chan *Job, 16),
		firstJob: make(chan struct{}),
	}
	if d, ok := chain.(TemplateDecoder); ok {
		c.decoder = d
	}
	return c
}

// AddSource registers a template source. Must be called before Run.
func (c *Coordinator) AddSource(src TemplateSource) {
	c.sources = append(c.sources, src)
}

// SetDecoder overrides the payload decoder.
func (c *Coordinator) SetDecoder(d TemplateDecoder) {
	c.decoder = d
}

// Jobs delivers every published job, in publication order.
func (c *Coordinator) Jobs() <-chan *Job {
	return c.jobs
}

// FirstJob is closed once the first job has been published.
func (c *Coordinator) FirstJob() <-chan struct{} {
	return c.firstJob
}

// NotifyBlockFound requests an immediate refresh after this pool found a
// block. It never blocks; if the event queue is full a refresh is already
// pending.
func (c *Coordinator) NotifyBlockFound() {
	select {
	case c.events <- TemplateEvent{Trigger: TriggerBlockFound}:
	default:
	}
}

// Run processes template events until ctx is done. It returns nil on
// cancellation and ErrJobIDCollision if the registry produced a duplicate
// id.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, src := range c.sources {
		wg.Add(1)
		go func(src TemplateSource) {
			defer wg.Done()
			c.forward(ctx, src.Subscribe(ctx))
		}(src)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runInitial(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			novel, err := c.update(ctx, ev)
			if err != nil {
				c.logger.WithError(err).Error("coordinator stopped")
				return err
			}
			if novel {
				c.firstJobOnce.Do(func() { close(c.firstJob) })
			}
		}
	}
}

func (c *Coordinator) forward(ctx context.Context, in <-chan TemplateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runInitial fires the initial trigger immediately and then every
// InitialInterval until the first job exists.
func (c *Coordinator) runInitial(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.InitialInterval)
	defer ticker.Stop()

	for {
		select {
		case c.events <- TemplateEvent{Trigger: TriggerInitial}:
		case <-c.firstJob:
			return
		case <-ctx.Done():
			return
		}

		select {
		case <-ticker.C:
		case <-c.firstJob:
			return
		case <-ctx.Done():
			return
		}
	}
}

// update handles one event and reports whether it produced a new job.
// Template errors are logged and reported as not novel.
func (c *Coordinator) update(ctx context.Context, ev TemplateEvent) (bool, error) {
	// A late initial trigger after the first job is a no-op.
	if ev.Trigger == TriggerInitial && c.registry.Current() != nil {
		return false, nil
	}

	tpl, err := c.resolve(ctx, ev)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		c.metrics.templateError(ev.Trigger)
		c.logger.WithError(newShareError(KindTemplateDecode, err)).
			Error("template update failed", "trigger", ev.Trigger.String())
		return false, nil
	}

	current := c.registry.Current()
	if !IsNovel(current, tpl) {
		c.metrics.templateRefresh(ev.Trigger)
		c.logger.LogTemplateRefresh(ev.Trigger.String(), tpl.Identity(), tpl.Height())
		return false, nil
	}

	id := c.registry.NextJobID(c.cfg.JobIDPrefix)
	if id == c.lastID || (current != nil && current.ID == id) {
		return false, fmt.Errorf("%w: %s", ErrJobIDCollision, id)
	}
	c.lastID = id

	job := NewJob(id, tpl, c.chain)
	c.registry.Publish(job)
	c.metrics.jobPublished(job)
	c.logger.LogNewJob(ev.Trigger.String(), job.ID, job.Height(), job.Difficulty)

	select {
	case c.jobs <- job:
	case <-ctx.Done():
	}
	return true, nil
}

func (c *Coordinator) resolve(ctx context.Context, ev TemplateEvent) (Template, error) {
	switch {
	case ev.Template != nil:
		return ev.Template, nil
	case len(ev.Payload) > 0 && c.decoder != nil:
		return c.decoder.DecodeTemplate(ev.Payload)
	case c.fetcher != nil:
		return c.fetcher.FetchTemplate(ctx)
	default:
		return nil, errors.New("event carries no template and no fetcher is configured")
	}
}

// IsNovel reports whether tpl is new work relative to current. Templates
// with a lower height than the current job are never novel.
func IsNovel(current *Job, tpl Template) bool {
	if current == nil {
		return true
	}
	if tpl.Identity() == current.Template.Identity() {
		return false
	}
	if tpl.Height() >= 0 && current.Height() >= 0 && tpl.Height() < current.Height() {
		return false
	}
	return true
}
