// Package source provides chain-agnostic template sources for the job
// coordinator: a fixed-interval poller and a websocket push feed.
package source

import (
	"context"
	"time"

	"github.com/bardlex/gompcore/internal/engine"
)

// PollSource emits a poll trigger on every tick. The coordinator fetches the
// template itself.
type PollSource struct {
	interval time.Duration
}

var _ engine.TemplateSource = (*PollSource)(nil)

// NewPollSource returns a poller. A non-positive interval disables polling.
func NewPollSource(interval time.Duration) *PollSource {
	return &PollSource{interval: interval}
}

// Name implements engine.TemplateSource.
func (p *PollSource) Name() string { return "poll" }

// Subscribe implements engine.TemplateSource. Ticks are dropped while a
// previous one is still queued.
func (p *PollSource) Subscribe(ctx context.Context) <-chan engine.TemplateEvent {
	out := make(chan engine.TemplateEvent, 1)

	go func() {
		defer close(out)
		if p.interval <= 0 {
			<-ctx.Done()
			return
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- engine.TemplateEvent{Trigger: engine.TriggerPoll}:
				default:
				}
			}
		}
	}()

	return out
}
