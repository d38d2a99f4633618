package stratum

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/internal/vardiff"
	"github.com/bardlex/gompcore/pkg/log"
)

// SharePipeline validates submissions. Implemented by engine.Pipeline.
type SharePipeline interface {
	Submit(ctx context.Context, worker *engine.WorkerContext, sub *engine.Submission) (*engine.Share, error)
}

// JobBroadcaster tracks authorized sessions. Implemented by
// engine.Broadcaster.
type JobBroadcaster interface {
	Add(conn engine.WorkerConn)
	Remove(id string)
	SendCurrent(conn engine.WorkerConn) bool
}

// InvalidShareRecorder counts rejected shares per miner, for example in
// Redis for ban decisions.
type InvalidShareRecorder interface {
	RecordInvalidShare(ctx context.Context, miner, worker, reason string) error
}

// HandlerConfig holds the chain facts the handler needs.
type HandlerConfig struct {
	// Params selects the network payout addresses must belong to.
	Params          *chaincfg.Params
	Extranonce2Size int
	// VersionMask is the pool's version-rolling mask; 0 disables
	// mining.configure version rolling.
	VersionMask uint32
}

// Handler routes Stratum requests to the engine.
type Handler struct {
	cfg      HandlerConfig
	pipeline SharePipeline
	jobs     JobBroadcaster
	vardiff  *vardiff.Controller
	firmware *engine.FirmwareTable
	invalid  InvalidShareRecorder
	logger   *log.Logger

	extraNonce atomic.Uint32
}

// NewHandler creates a handler. vardiff, firmware and invalid may be nil.
func NewHandler(cfg HandlerConfig, pipeline SharePipeline, jobs JobBroadcaster, vd *vardiff.Controller, firmware *engine.FirmwareTable, invalid InvalidShareRecorder, logger *log.Logger) *Handler {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	return &Handler{
		cfg:      cfg,
		pipeline: pipeline,
		jobs:     jobs,
		vardiff:  vd,
		firmware: firmware,
		invalid:  invalid,
		logger:   logger.WithComponent("handler"),
	}
}

// HandleMessage implements MessageHandler.
func (h *Handler) HandleMessage(ctx context.Context, session *Session, msg *Message) error {
	if !msg.IsRequest() {
		h.logger.Debug("ignoring non-request message", "method", msg.Method)
		return nil
	}

	switch msg.Method {
	case MethodSubscribe:
		return h.handleSubscribe(session, msg)
	case MethodAuthorize:
		return h.handleAuthorize(session, msg)
	case MethodSubmit:
		return h.handleSubmit(ctx, session, msg)
	case MethodExtranonceSubscribe:
		return session.Reply(msg.ID, true)
	case MethodConfigure:
		return h.handleConfigure(session, msg)
	default:
		h.logger.Debug("unknown method", "method", msg.Method)
		return session.SendError(msg.ID, ErrorMethodNotFound, "Method not found")
	}
}

// Disconnect drops session from job broadcasts.
func (h *Handler) Disconnect(session *Session) {
	h.jobs.Remove(session.ID())
}

func (h *Handler) handleSubscribe(session *Session, msg *Message) error {
	req, err := ParseSubscribeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	// a repeated subscribe keeps the extranonce1 already handed out
	id := session.update(func(id *Identity) {
		if id.ExtraNonce1 == "" {
			id.ExtraNonce1 = fmt.Sprintf("%08x", h.extraNonce.Add(1))
		}
		id.Subscribed = true
		id.UserAgent = req.UserAgent
	})

	fallback := h.firmware.FallbackLookup(req.UserAgent)
	w := session.Worker()
	w.Lock()
	w.UserAgent = req.UserAgent
	w.FallbackLookup = fallback
	w.Unlock()

	h.logger.Info("miner subscribed",
		"session_id", session.ID(),
		"user_agent", req.UserAgent,
		"extranonce1", id.ExtraNonce1,
		"fallback_lookup", fallback,
	)

	return session.Reply(msg.ID, []any{
		[][]string{
			{MethodSetDifficulty, session.ID()},
			{MethodNotify, session.ID()},
		},
		id.ExtraNonce1,
		h.cfg.Extranonce2Size,
	})
}

func (h *Handler) handleAuthorize(session *Session, msg *Message) error {
	if !session.Identity().Subscribed {
		return session.SendError(msg.ID, ErrorNotSubscribed, "Not subscribed")
	}

	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	address := req.Address()
	addr, err := btcutil.DecodeAddress(address, h.cfg.Params)
	if err != nil || !addr.IsForNet(h.cfg.Params) {
		h.logger.Info("rejected authorization", "session_id", session.ID(), "username", req.Username)
		return session.SendError(msg.ID, ErrorUnauthorized, "Invalid address")
	}

	var first bool
	session.update(func(id *Identity) {
		first = !id.Authorized
		id.Authorized = true
		id.Miner = address
		id.WorkerName = req.Worker()
	})

	w := session.Worker()
	w.Lock()
	w.Miner = address
	w.WorkerName = req.Worker()
	difficulty := w.Difficulty
	w.Unlock()

	h.logger.WithMiner(address, req.Worker()).Info("miner authorized", "session_id", session.ID())

	if err := session.Reply(msg.ID, true); err != nil {
		return err
	}
	if !first {
		return nil
	}

	if err := session.SendDifficulty(difficulty); err != nil {
		return err
	}
	h.jobs.Add(session)
	h.jobs.SendCurrent(session)
	return nil
}

func (h *Handler) handleSubmit(ctx context.Context, session *Session, msg *Message) error {
	id := session.Identity()
	if !id.Authorized {
		return session.SendError(msg.ID, ErrorUnauthorized, "Unauthorized worker")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	if req.VersionBits != "" && id.VersionMask == 0 {
		return session.SendError(msg.ID, ErrorOther, "Version rolling not negotiated")
	}

	sub := &engine.Submission{
		Miner:       id.Miner,
		WorkerName:  id.WorkerName,
		JobID:       req.JobID,
		Extranonce1: id.ExtraNonce1,
		Extranonce2: req.ExtraNonce2,
		NTime:       req.NTime,
		Nonce:       req.Nonce,
		VersionBits: req.VersionBits,
		VersionMask: id.VersionMask,
		ReceivedAt:  time.Now(),
	}

	share, err := h.pipeline.Submit(ctx, session.Worker(), sub)
	if err != nil {
		return h.reject(ctx, session, msg, sub, err)
	}

	h.logger.LogShareSubmission(share.Miner, share.Worker, share.JobID, share.Difficulty, "accepted")

	if h.vardiff != nil {
		w := session.Worker()
		w.Lock()
		next, queued := h.vardiff.RecordShare(w, sub.ReceivedAt)
		current := w.Difficulty
		w.Unlock()
		if queued {
			h.logger.Info("difficulty retarget queued",
				"session_id", session.ID(),
				"old_difficulty", current,
				"new_difficulty", next,
			)
		}
	}

	return session.Reply(msg.ID, true)
}

func (h *Handler) reject(ctx context.Context, session *Session, msg *Message, sub *engine.Submission, err error) error {
	kind := engine.KindOf(err)
	code, text := rejectionCode(kind, err)

	h.logger.LogShareSubmission(sub.Miner, sub.WorkerName, sub.JobID, 0, kind.String())

	if h.invalid != nil {
		if rerr := h.invalid.RecordInvalidShare(ctx, sub.Miner, sub.WorkerName, kind.String()); rerr != nil {
			h.logger.WithError(rerr).Warn("failed to record invalid share")
		}
	}

	return session.SendError(msg.ID, code, text)
}

// rejectionCode maps a share rejection to its Stratum error code.
func rejectionCode(kind engine.ErrorKind, err error) (int, string) {
	switch kind {
	case engine.KindJobNotFound:
		return ErrorJobNotFound, "Job not found"
	case engine.KindDuplicatedShare:
		return ErrorDuplicateShare, "Duplicate share"
	case engine.KindLowDifficultyShare:
		return ErrorLowDifficulty, "Low difficulty share"
	case engine.KindInvalidNonce:
		return ErrorOther, "Invalid share"
	default:
		return ErrorOther, err.Error()
	}
}

func (h *Handler) handleConfigure(session *Session, msg *Message) error {
	req, err := ParseConfigureRequest(msg.Params)
	if err != nil {
		return session.SendError(msg.ID, ErrorInvalidParams, "Invalid parameters")
	}

	result := make(map[string]any, len(req.Extensions))
	for _, ext := range req.Extensions {
		if ext != "version-rolling" {
			result[ext] = false
			continue
		}

		mask := h.negotiateVersionMask(req.Options)
		if mask == 0 {
			result[ext] = false
			continue
		}
		session.update(func(id *Identity) { id.VersionMask = mask })
		result[ext] = true
		result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
	}

	return session.Reply(msg.ID, result)
}

// negotiateVersionMask intersects the miner's requested mask with the
// pool's. A missing or malformed request gets the full pool mask.
func (h *Handler) negotiateVersionMask(options map[string]any) uint32 {
	requested := uint32(0xffffffff)
	if raw, ok := options["version-rolling.mask"].(string); ok {
		if v, err := strconv.ParseUint(raw, 16, 32); err == nil {
			requested = uint32(v)
		}
	}
	return requested & h.cfg.VersionMask
}
