package engine

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"github.com/bardlex/gompcore/pkg/log"
)

func TestBroadcaster_DeliversToEveryConnection(t *testing.T) {
	b := NewBroadcaster(fakeChain{}, 4, 8, log.Discard(), nil)

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i), 1000)
		b.Add(conns[i])
	}

	job := NewJob("job-1", newTemplate(100), fakeChain{})
	b.Broadcast(context.Background(), job)

	for _, c := range conns {
		if got := c.messages(); !slices.Equal(got, []string{"job:job-1:true"}) {
			t.Errorf("%s received %v", c.id, got)
		}
		if c.worker.History.GetJob("job-1") == nil {
			t.Errorf("%s history does not contain job-1", c.id)
		}
	}
}

func TestBroadcaster_AppliesPendingDifficultyFirst(t *testing.T) {
	b := NewBroadcaster(fakeChain{}, 4, 1, log.Discard(), nil)
	conn := newFakeConn("c1", 1000)
	b.Add(conn)

	conn.worker.Lock()
	conn.worker.QueueDifficulty(4000)
	conn.worker.Unlock()

	b.Broadcast(context.Background(), NewJob("job-1", newTemplate(1), fakeChain{}))

	want := []string{"diff:4000", "job:job-1:true"}
	if got := conn.messages(); !slices.Equal(got, want) {
		t.Errorf("messages = %v, want %v", got, want)
	}

	w := conn.worker
	if w.Difficulty != 4000 || w.PreviousDifficulty != 1000 {
		t.Errorf("Difficulty = %v, PreviousDifficulty = %v, want 4000 and 1000", w.Difficulty, w.PreviousDifficulty)
	}
	if w.VarDiff.LastUpdate.IsZero() {
		t.Error("VarDiff.LastUpdate not set by retarget")
	}
	if w.PendingDifficulty() != 0 {
		t.Errorf("PendingDifficulty() = %v, want 0", w.PendingDifficulty())
	}
}

func TestBroadcaster_FailureIsolated(t *testing.T) {
	b := NewBroadcaster(fakeChain{}, 4, 2, log.Discard(), nil)
	broken := newFakeConn("broken", 1000)
	broken.fail = true
	healthy := newFakeConn("healthy", 1000)
	b.Add(broken)
	b.Add(healthy)

	b.Broadcast(context.Background(), NewJob("job-1", newTemplate(1), fakeChain{}))

	if got := healthy.messages(); len(got) != 1 {
		t.Errorf("healthy connection received %v", got)
	}
	// The job is still recorded so a late submit can be resolved.
	if broken.worker.History.GetJob("job-1") == nil {
		t.Error("broken connection history does not contain job-1")
	}
}

func TestBroadcaster_OrderAndCleanFlag(t *testing.T) {
	b := NewBroadcaster(fakeChain{}, 2, 4, log.Discard(), nil)
	conn := newFakeConn("c1", 1000)
	b.Add(conn)

	jobs := make(chan *Job, 4)
	jobs <- NewJob("job-1", newTemplate(10), fakeChain{})
	refresh := newTemplate(10)
	refresh.identity = "prev-10-b"
	jobs <- NewJob("job-2", refresh, fakeChain{})
	jobs <- NewJob("job-3", newTemplate(11), fakeChain{})
	close(jobs)

	if err := b.Run(context.Background(), jobs); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"job:job-1:true", "job:job-2:false", "job:job-3:true"}
	if got := conn.messages(); !slices.Equal(got, want) {
		t.Errorf("messages = %v, want %v", got, want)
	}
	if ids := conn.worker.History.ids(); !slices.Equal(ids, []string{"job-2", "job-3"}) {
		t.Errorf("history = %v, want [job-2 job-3]", ids)
	}
}

type tipTemplate struct {
	fakeTemplate
	parent string
}

func (t *tipTemplate) Parent() string { return t.parent }

func TestBroadcaster_CleanOnNewParent(t *testing.T) {
	b := NewBroadcaster(fakeChain{}, 4, 4, log.Discard(), nil)
	conn := newFakeConn("c1", 1000)
	b.Add(conn)

	tip := func(identity, parent string) Template {
		tpl := &tipTemplate{fakeTemplate: *newTemplate(10), parent: parent}
		tpl.identity = identity
		return tpl
	}

	jobs := make(chan *Job, 4)
	jobs <- NewJob("job-1", tip("a-1", "a"), fakeChain{})
	jobs <- NewJob("job-2", tip("a-2", "a"), fakeChain{})
	// reorg: another block at the same height
	jobs <- NewJob("job-3", tip("b-1", "b"), fakeChain{})
	close(jobs)

	if err := b.Run(context.Background(), jobs); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"job:job-1:true", "job:job-2:false", "job:job-3:true"}
	if got := conn.messages(); !slices.Equal(got, want) {
		t.Errorf("messages = %v, want %v", got, want)
	}
}

func TestBroadcaster_RemoveAndSendCurrent(t *testing.T) {
	b := NewBroadcaster(fakeChain{}, 4, 4, log.Discard(), nil)
	gone := newFakeConn("gone", 1000)
	b.Add(gone)
	b.Remove("gone")

	late := newFakeConn("late", 1000)
	if b.SendCurrent(late) {
		t.Error("SendCurrent() = true before any broadcast")
	}

	b.Broadcast(context.Background(), NewJob("job-1", newTemplate(1), fakeChain{}))
	if len(gone.messages()) != 0 {
		t.Errorf("removed connection received %v", gone.messages())
	}
	if b.Count() != 0 {
		t.Errorf("Count() = %d, want 0", b.Count())
	}

	if !b.SendCurrent(late) {
		t.Fatal("SendCurrent() = false after broadcast")
	}
	if got := late.messages(); !slices.Equal(got, []string{"job:job-1:true"}) {
		t.Errorf("late connection received %v", got)
	}
}
