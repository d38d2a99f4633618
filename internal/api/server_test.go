package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/pkg/log"
)

type fakeShares struct {
	shares    []*postgres.Share
	stats     *postgres.MinerStats
	err       error
	lastLimit int
}

func (f *fakeShares) GetSharesByMiner(_ context.Context, miner string, limit int) ([]*postgres.Share, error) {
	f.lastLimit = limit
	var out []*postgres.Share
	for _, s := range f.shares {
		if s.Miner == miner {
			out = append(out, s)
		}
	}
	return out, f.err
}

func (f *fakeShares) MinerStats(_ context.Context, miner string, _ time.Time) (*postgres.MinerStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	st := *f.stats
	st.Miner = miner
	return &st, nil
}

type fakeBlocks struct{ blocks []*postgres.Block }

func (f *fakeBlocks) GetRecentBlocks(_ context.Context, limit int) ([]*postgres.Block, error) {
	return f.blocks[:min(limit, len(f.blocks))], nil
}

type fakeCache struct {
	job      *redis.JobSnapshot
	rate     float64
	invalid  map[string]int64
	cacheErr error
}

func (f *fakeCache) Hashrate(context.Context, string, time.Duration) (float64, error) {
	return f.rate, f.cacheErr
}

func (f *fakeCache) InvalidShares(context.Context, string) (map[string]int64, error) {
	return f.invalid, f.cacheErr
}

func (f *fakeCache) GetCurrentJob(context.Context) (*redis.JobSnapshot, error) {
	if f.job == nil {
		return nil, redis.ErrNotFound
	}
	return f.job, nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

func newTestServer(shares *fakeShares, cache *fakeCache, health error) *Server {
	blocks := &fakeBlocks{blocks: []*postgres.Block{
		{Hash: "00aa", Height: 101, Status: postgres.BlockStatusAccepted},
		{Hash: "00bb", Height: 100, Status: postgres.BlockStatusCandidate},
	}}
	return New(Backends{Shares: shares, Blocks: blocks, Cache: cache, Health: fakeHealth{health}},
		Config{}, log.Discard())
}

func get(t *testing.T, s *Server, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("GET %s: body %q is not JSON: %v", path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestServer_Miner(t *testing.T) {
	last := time.Unix(1700000000, 0).UTC()
	shares := &fakeShares{stats: &postgres.MinerStats{Shares: 12, Work: 4096, LastShareAt: &last}}
	cache := &fakeCache{rate: 1.5e12, invalid: map[string]int64{"stale": 2}}
	s := newTestServer(shares, cache, nil)

	var sum MinerSummary
	if code := get(t, s, "/miners/bc1qminer", &sum); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if sum.Miner != "bc1qminer" || sum.Shares != 12 || sum.Work != 4096 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Hashrate != 1.5e12 || sum.HashrateHuman != "1.5 TH/s" {
		t.Errorf("hashrate = %v (%q)", sum.Hashrate, sum.HashrateHuman)
	}
	if sum.Invalid["stale"] != 2 || sum.Period != "24h0m0s" {
		t.Errorf("invalid, period = %v, %s", sum.Invalid, sum.Period)
	}
}

func TestServer_MinerCacheDown(t *testing.T) {
	shares := &fakeShares{stats: &postgres.MinerStats{Shares: 1, Work: 1}}
	cache := &fakeCache{cacheErr: stderrors.New("redis: connection refused")}
	s := newTestServer(shares, cache, nil)

	var sum MinerSummary
	if code := get(t, s, "/miners/bc1qminer", &sum); code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with a partial summary", code)
	}
	if sum.Hashrate != 0 || len(sum.Invalid) != 0 {
		t.Errorf("summary = %+v, want cache fields empty", sum)
	}

	shares.err = stderrors.New("pq: connection refused")
	if code := get(t, s, "/miners/bc1qminer", nil); code != http.StatusInternalServerError {
		t.Errorf("status with postgres down = %d, want 500", code)
	}
}

func TestServer_MinerShares(t *testing.T) {
	shares := &fakeShares{shares: []*postgres.Share{
		{ShareID: "s1", Miner: "bc1qminer"},
		{ShareID: "s2", Miner: "bc1qother"},
	}}
	s := newTestServer(shares, &fakeCache{}, nil)

	tests := []struct {
		path      string
		wantCode  int
		wantLimit int
		wantLen   int
	}{
		{"/miners/bc1qminer/shares", http.StatusOK, defaultLimit, 1},
		{"/miners/bc1qminer/shares?limit=5", http.StatusOK, 5, 1},
		{"/miners/bc1qminer/shares?limit=100000", http.StatusOK, maxLimit, 1},
		{"/miners/nobody/shares", http.StatusOK, defaultLimit, 0},
		{"/miners/bc1qminer/shares?limit=-1", http.StatusBadRequest, 0, 0},
		{"/miners/bc1qminer/shares?limit=ten", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			shares.lastLimit = 0
			var got []map[string]any
			if code := get(t, s, tt.path, &got); code != tt.wantCode {
				t.Fatalf("status = %d, want %d", code, tt.wantCode)
			}
			if shares.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", shares.lastLimit, tt.wantLimit)
			}
			if tt.wantCode == http.StatusOK && len(got) != tt.wantLen {
				t.Errorf("shares = %v, want %d", got, tt.wantLen)
			}
			if len(got) > 0 && got[0]["share_id"] != "s1" {
				t.Errorf("share json = %v", got[0])
			}
		})
	}
}

func TestServer_Blocks(t *testing.T) {
	s := newTestServer(&fakeShares{}, &fakeCache{}, nil)

	var blocks []map[string]any
	if code := get(t, s, "/blocks?limit=1", &blocks); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(blocks) != 1 || blocks[0]["hash"] != "00aa" || blocks[0]["status"] != "accepted" {
		t.Errorf("blocks = %v", blocks)
	}
	if _, ok := blocks[0]["confirmation_data"]; ok {
		t.Error("confirmation data exposed")
	}
}

func TestServer_JobAndHealth(t *testing.T) {
	cache := &fakeCache{}
	s := newTestServer(&fakeShares{}, cache, nil)

	if code := get(t, s, "/job", nil); code != http.StatusNotFound {
		t.Errorf("job before first snapshot = %d, want 404", code)
	}
	cache.job = &redis.JobSnapshot{JobID: "1f", Height: 840000}
	var job redis.JobSnapshot
	if code := get(t, s, "/job", &job); code != http.StatusOK || job.JobID != "1f" {
		t.Errorf("job = %d %+v", code, job)
	}

	if code := get(t, s, "/health", nil); code != http.StatusOK {
		t.Errorf("health = %d, want 200", code)
	}
	down := newTestServer(&fakeShares{}, cache, stderrors.New("postgres circuit breaker is open"))
	if code := get(t, down, "/health", nil); code != http.StatusServiceUnavailable {
		t.Errorf("health = %d, want 503", code)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(&fakeShares{}, &fakeCache{}, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/blocks", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /blocks = %d, want 405", rec.Code)
	}
}
