package engine

import (
	"fmt"
	"sync/atomic"
)

// Registry holds the current job of one work-stream and its job id counter.
// Publish is a plain atomic swap; the coordinator guarantees a single
// writer.
type Registry struct {
	current atomic.Pointer[Job]
	counter atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the current job, or nil before the first publish.
func (r *Registry) Current() *Job {
	return r.current.Load()
}

// Publish makes job the current job.
func (r *Registry) Publish(job *Job) {
	r.current.Store(job)
}

// NextJobID returns the next id for this work-stream. Ids are the prefix
// followed by a zero-padded hex counter, so they increase both numerically
// and lexically.
func (r *Registry) NextJobID(prefix string) string {
	return fmt.Sprintf("%s%08x", prefix, r.counter.Add(1))
}
