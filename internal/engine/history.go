package engine

// JobHistory is the bounded list of jobs sent to one connection, oldest
// first. It is not safe for concurrent use; callers hold the owning
// WorkerContext's lock.
type JobHistory struct {
	maxActive int
	entries   []*Job
}

// NewJobHistory returns an empty history bounded to maxActive entries.
func NewJobHistory(maxActive int) *JobHistory {
	if maxActive < 1 {
		maxActive = 1
	}
	return &JobHistory{
		maxActive: maxActive,
		entries:   make([]*Job, 0, maxActive+1),
	}
}

// AddJob appends job unless a job with the same id is already present, then
// evicts the oldest entries while the history exceeds maxActive. A
// non-positive maxActive uses the bound given at construction.
func (h *JobHistory) AddJob(job *Job, maxActive int) {
	if maxActive < 1 {
		maxActive = h.maxActive
	}

	if h.GetJob(job.ID) == nil {
		h.entries = append(h.entries, job)
	}

	for len(h.entries) > maxActive {
		h.entries[0] = nil
		h.entries = h.entries[1:]
	}
}

// GetJob returns the job with the given id, or nil.
func (h *JobHistory) GetJob(id string) *Job {
	for _, job := range h.entries {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// FindByPredicate returns the most recent job matching pred, or nil.
func (h *JobHistory) FindByPredicate(pred func(*Job) bool) *Job {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if pred(h.entries[i]) {
			return h.entries[i]
		}
	}
	return nil
}

// latest returns the most recently added job, or nil.
func (h *JobHistory) latest() *Job {
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[len(h.entries)-1]
}

// size returns the number of retained jobs.
func (h *JobHistory) size() int { return len(h.entries) }

// ids returns the retained job ids, oldest first.
func (h *JobHistory) ids() []string {
	ids := make([]string, len(h.entries))
	for i, job := range h.entries {
		ids[i] = job.ID
	}
	return ids
}
