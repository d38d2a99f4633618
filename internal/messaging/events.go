package messaging

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/gompcore/internal/engine"
)

// Block statuses carried by BlockEvent.
const (
	BlockStatusCandidate = "candidate"
	BlockStatusAccepted  = "accepted"
)

// ShareEvent is an accepted share as published on TopicShares.
type ShareEvent struct {
	ShareID           string    `json:"share_id"`
	JobID             string    `json:"job_id"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker"`
	Height            int64     `json:"height"`
	Difficulty        float64   `json:"difficulty"`
	ShareDifficulty   float64   `json:"share_difficulty"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	IsBlockCandidate  bool      `json:"is_block_candidate"`
	BlockHash         string    `json:"block_hash,omitempty"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// BlockEvent describes a block found by the pool.
type BlockEvent struct {
	ShareID           string    `json:"share_id"`
	JobID             string    `json:"job_id"`
	BlockHash         string    `json:"block_hash"`
	Height            int64     `json:"height"`
	Miner             string    `json:"miner"`
	Worker            string    `json:"worker"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	ConfirmationData  string    `json:"confirmation_data"`
	Status            string    `json:"status"`
	FoundAt           time.Time `json:"found_at"`
}

// NewShareEvent converts an engine share.
func NewShareEvent(s *engine.Share) *ShareEvent {
	return &ShareEvent{
		ShareID:           s.ID,
		JobID:             s.JobID,
		Miner:             s.Miner,
		Worker:            s.Worker,
		Height:            s.Height,
		Difficulty:        s.Difficulty,
		ShareDifficulty:   s.ShareDifficulty,
		NetworkDifficulty: s.NetworkDifficulty,
		IsBlockCandidate:  s.IsBlockCandidate,
		BlockHash:         s.BlockHash,
		SubmittedAt:       s.SubmittedAt,
	}
}

// NewBlockEvent converts a block candidate share.
func NewBlockEvent(s *engine.Share, status string) *BlockEvent {
	return &BlockEvent{
		ShareID:           s.ID,
		JobID:             s.JobID,
		BlockHash:         s.BlockHash,
		Height:            s.Height,
		Miner:             s.Miner,
		Worker:            s.Worker,
		NetworkDifficulty: s.NetworkDifficulty,
		ConfirmationData:  s.TransactionConfirmationData,
		Status:            status,
		FoundAt:           s.SubmittedAt,
	}
}

func (e *ShareEvent) toMap() map[string]any {
	return map[string]any{
		"share_id":           e.ShareID,
		"job_id":             e.JobID,
		"miner":              e.Miner,
		"worker":             e.Worker,
		"height":             e.Height,
		"difficulty":         e.Difficulty,
		"share_difficulty":   e.ShareDifficulty,
		"network_difficulty": e.NetworkDifficulty,
		"is_block_candidate": e.IsBlockCandidate,
		"block_hash":         e.BlockHash,
		"submitted_at":       timestampMap(e.SubmittedAt),
	}
}

func (e *ShareEvent) fromMap(m fieldMap) error {
	e.ShareID = m.str("share_id")
	e.JobID = m.str("job_id")
	e.Miner = m.str("miner")
	e.Worker = m.str("worker")
	e.Height = int64(m.num("height"))
	e.Difficulty = m.num("difficulty")
	e.ShareDifficulty = m.num("share_difficulty")
	e.NetworkDifficulty = m.num("network_difficulty")
	e.IsBlockCandidate = m.boolean("is_block_candidate")
	e.BlockHash = m.str("block_hash")

	var err error
	e.SubmittedAt, err = m.timestamp("submitted_at")
	return err
}

func (e *BlockEvent) toMap() map[string]any {
	return map[string]any{
		"share_id":           e.ShareID,
		"job_id":             e.JobID,
		"block_hash":         e.BlockHash,
		"height":             e.Height,
		"miner":              e.Miner,
		"worker":             e.Worker,
		"network_difficulty": e.NetworkDifficulty,
		"confirmation_data":  e.ConfirmationData,
		"status":             e.Status,
		"found_at":           timestampMap(e.FoundAt),
	}
}

func (e *BlockEvent) fromMap(m fieldMap) error {
	e.ShareID = m.str("share_id")
	e.JobID = m.str("job_id")
	e.BlockHash = m.str("block_hash")
	e.Height = int64(m.num("height"))
	e.Miner = m.str("miner")
	e.Worker = m.str("worker")
	e.NetworkDifficulty = m.num("network_difficulty")
	e.ConfirmationData = m.str("confirmation_data")
	e.Status = m.str("status")

	var err error
	e.FoundAt, err = m.timestamp("found_at")
	return err
}

type event interface {
	toMap() map[string]any
	fromMap(m fieldMap) error
}

// Encode serializes a ShareEvent or BlockEvent. The proto encoding is a
// google.protobuf.Struct with timestamps as nested seconds/nanos objects.
func Encode(enc Encoding, ev event) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return sonic.Marshal(ev)
	case EncodingProto:
		st, err := structpb.NewStruct(ev.toMap())
		if err != nil {
			return nil, fmt.Errorf("failed to build event struct: %w", err)
		}
		return proto.Marshal(st)
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// Decode parses data written by Encode with the same encoding.
func Decode(enc Encoding, data []byte, ev event) error {
	switch enc {
	case EncodingJSON, "":
		return sonic.Unmarshal(data, ev)
	case EncodingProto:
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("failed to decode event struct: %w", err)
		}
		return ev.fromMap(st.AsMap())
	default:
		return fmt.Errorf("unknown encoding %q", enc)
	}
}

func timestampMap(t time.Time) map[string]any {
	ts := timestamppb.New(t)
	return map[string]any{
		"seconds": ts.GetSeconds(),
		"nanos":   int64(ts.GetNanos()),
	}
}

type fieldMap map[string]any

func (m fieldMap) str(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m fieldMap) num(key string) float64 {
	f, _ := m[key].(float64)
	return f
}

func (m fieldMap) boolean(key string) bool {
	b, _ := m[key].(bool)
	return b
}

func (m fieldMap) timestamp(key string) (time.Time, error) {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return time.Time{}, fmt.Errorf("missing timestamp %q", key)
	}
	ts := &timestamppb.Timestamp{
		Seconds: int64(fieldMap(raw).num("seconds")),
		Nanos:   int32(fieldMap(raw).num("nanos")),
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", key, err)
	}
	return ts.AsTime(), nil
}
