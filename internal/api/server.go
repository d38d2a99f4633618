// Package api serves shareproc's read-only pool statistics over HTTP.
package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/bardlex/gompcore/internal/database/postgres"
	"github.com/bardlex/gompcore/internal/database/redis"
	"github.com/bardlex/gompcore/pkg/log"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ShareReader queries stored shares.
type ShareReader interface {
	GetSharesByMiner(ctx context.Context, miner string, limit int) ([]*postgres.Share, error)
	MinerStats(ctx context.Context, miner string, since time.Time) (*postgres.MinerStats, error)
}

// BlockReader queries found blocks.
type BlockReader interface {
	GetRecentBlocks(ctx context.Context, limit int) ([]*postgres.Block, error)
}

// Cache holds the short-lived pool state.
type Cache interface {
	Hashrate(ctx context.Context, miner string, window time.Duration) (float64, error)
	InvalidShares(ctx context.Context, miner string) (map[string]int64, error)
	GetCurrentJob(ctx context.Context) (*redis.JobSnapshot, error)
}

// HealthChecker reports backend health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Backends are the stores the API reads from.
type Backends struct {
	Shares ShareReader
	Blocks BlockReader
	Cache  Cache
	Health HealthChecker
}

// Config controls the reported windows.
type Config struct {
	// HashrateWindow is the sliding window for hashrate estimates.
	HashrateWindow time.Duration
	// StatsPeriod is how far back share totals reach.
	StatsPeriod time.Duration
}

// Server is the stats API.
type Server struct {
	b      Backends
	cfg    Config
	logger *log.Logger
	router *mux.Router
}

// MinerSummary is the /miners/{address} response.
type MinerSummary struct {
	Miner         string           `json:"miner"`
	Shares        int64            `json:"shares"`
	Work          float64          `json:"work"`
	LastShareAt   *time.Time       `json:"last_share_at,omitempty"`
	Hashrate      float64          `json:"hashrate"`
	HashrateHuman string           `json:"hashrate_human"`
	Invalid       map[string]int64 `json:"invalid"`
	Period        string           `json:"period"`
}

func New(b Backends, cfg Config, logger *log.Logger) *Server {
	if cfg.HashrateWindow <= 0 {
		cfg.HashrateWindow = 10 * time.Minute
	}
	if cfg.StatsPeriod <= 0 {
		cfg.StatsPeriod = 24 * time.Hour
	}

	s := &Server{b: b, cfg: cfg, logger: logger.WithComponent("api"), router: mux.NewRouter()}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/job", s.handleJob).Methods(http.MethodGet)
	s.router.HandleFunc("/blocks", s.handleBlocks).Methods(http.MethodGet)
	s.router.HandleFunc("/miners/{address}", s.handleMiner).Methods(http.MethodGet)
	s.router.HandleFunc("/miners/{address}/shares", s.handleMinerShares).Methods(http.MethodGet)
	s.router.Use(s.headers)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("stats API listening", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.b.Health.Health(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.write(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.b.Cache.GetCurrentJob(r.Context())
	switch {
	case stderrors.Is(err, redis.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.write(w, http.StatusOK, job)
	}
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	blocks, err := s.b.Blocks.GetRecentBlocks(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if blocks == nil {
		blocks = []*postgres.Block{}
	}
	s.write(w, http.StatusOK, blocks)
}

func (s *Server) handleMiner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	miner := mux.Vars(r)["address"]

	stats, err := s.b.Shares.MinerStats(ctx, miner, time.Now().Add(-s.cfg.StatsPeriod))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	sum := MinerSummary{
		Miner:       miner,
		Shares:      stats.Shares,
		Work:        stats.Work,
		LastShareAt: stats.LastShareAt,
		Period:      s.cfg.StatsPeriod.String(),
		Invalid:     map[string]int64{},
	}

	// cache misses leave the summary partial
	if rate, err := s.b.Cache.Hashrate(ctx, miner, s.cfg.HashrateWindow); err != nil {
		s.logger.WithError(err).Warn("hashrate lookup failed", "miner", miner)
	} else {
		sum.Hashrate = rate
	}
	if invalid, err := s.b.Cache.InvalidShares(ctx, miner); err != nil {
		s.logger.WithError(err).Warn("invalid share lookup failed", "miner", miner)
	} else if invalid != nil {
		sum.Invalid = invalid
	}
	sum.HashrateHuman = humanize.SIWithDigits(sum.Hashrate, 2, "H/s")

	s.write(w, http.StatusOK, sum)
}

func (s *Server) handleMinerShares(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	shares, err := s.b.Shares.GetSharesByMiner(r.Context(), mux.Vars(r)["address"], limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if shares == nil {
		shares = []*postgres.Share{}
	}
	s.write(w, http.StatusOK, shares)
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, stderrors.New("limit must be a positive integer")
	}
	return min(n, maxLimit), nil
}

func (s *Server) write(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
	}
	s.write(w, status, map[string]string{"error": err.Error()})
}
