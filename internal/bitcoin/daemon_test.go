package bitcoin

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
)

func TestRPCFetcher(t *testing.T) {
	chain := testChain(t)

	t.Run("builds template", func(t *testing.T) {
		fetcher := NewRPCFetcher(&fakeRPC{template: testGBT(t, 12, testTx(1))}, chain)
		tpl, err := fetcher.FetchTemplate(context.Background())
		if err != nil {
			t.Fatalf("FetchTemplate() error = %v", err)
		}
		if tpl.Height() != 12 {
			t.Errorf("Height() = %d, want 12", tpl.Height())
		}
	})

	t.Run("rpc failure is a template error", func(t *testing.T) {
		fetcher := NewRPCFetcher(&fakeRPC{err: stderrors.New("connection refused")}, chain)
		_, err := fetcher.FetchTemplate(context.Background())
		if !errors.IsType(err, errors.ErrorTypeTemplate) {
			t.Errorf("FetchTemplate() error = %v, want template error", err)
		}
	})
}

func TestSubmitter(t *testing.T) {
	chain := testChain(t)
	tpl, err := chain.BuildTemplate(testGBT(t, 12))
	if err != nil {
		t.Fatalf("BuildTemplate() error = %v", err)
	}
	job := engine.NewJob("job-1", tpl, chain)

	tests := []struct {
		name      string
		submitErr error
		want      bool
	}{
		{"accepted", nil, true},
		{"already known", stderrors.New("duplicate"), true},
		{"rejected", stderrors.New("high-hash"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpc := &fakeRPC{submitErr: tt.submitErr}
			s := NewSubmitter(rpc, log.Discard())

			if got := s.Submit(context.Background(), job, "deadbeef"); got != tt.want {
				t.Errorf("Submit() = %v, want %v", got, tt.want)
			}
			if len(rpc.submitted) != 1 || rpc.submitted[0] != "deadbeef" {
				t.Errorf("submitted = %v, want [deadbeef]", rpc.submitted)
			}
		})
	}
}

func TestNetworkStats_Refresh(t *testing.T) {
	rpc := &fakeRPC{info: &btcjson.GetMiningInfoResult{
		Blocks:        840_000,
		Difficulty:    83_148_355_189_239.77,
		NetworkHashPS: 6.2e20,
	}}
	metrics := engine.NewMetrics(prometheus.NewRegistry(), "btc")
	stats := NewNetworkStats(rpc, 0, metrics, log.Discard())

	if err := stats.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	snap := stats.Snapshot()
	if snap.Height != 840_000 {
		t.Errorf("Height = %d, want 840000", snap.Height)
	}
	if snap.Difficulty != 83_148_355_189_239.77 {
		t.Errorf("Difficulty = %v", snap.Difficulty)
	}
	if snap.RefreshedAt.IsZero() {
		t.Error("RefreshedAt not set")
	}
}

func TestNetworkStats_RefreshError(t *testing.T) {
	stats := NewNetworkStats(&fakeRPC{err: stderrors.New("timeout")}, 0, nil, log.Discard())

	if err := stats.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() error = nil, want error")
	}
	if !stats.Snapshot().RefreshedAt.IsZero() {
		t.Error("failed refresh replaced the snapshot")
	}
}
