package postgres

import (
	"time"
)

// Share is a persisted accepted share.
type Share struct {
	ID                int64     `db:"id" json:"-"`
	ShareID           string    `db:"share_id" json:"share_id"`
	JobID             string    `db:"job_id" json:"job_id"`
	Miner             string    `db:"miner" json:"miner"`
	Worker            string    `db:"worker" json:"worker"`
	Height            int64     `db:"height" json:"height"`
	Difficulty        float64   `db:"difficulty" json:"difficulty"`
	ShareDifficulty   float64   `db:"share_difficulty" json:"share_difficulty"`
	NetworkDifficulty float64   `db:"network_difficulty" json:"network_difficulty"`
	IsBlockCandidate  bool      `db:"is_block_candidate" json:"is_block_candidate"`
	BlockHash         string    `db:"block_hash" json:"block_hash,omitempty"`
	SubmittedAt       time.Time `db:"submitted_at" json:"submitted_at"`
}

// Block statuses.
const (
	BlockStatusCandidate = "candidate"
	BlockStatusAccepted  = "accepted"
)

// Block is a block found by the pool.
type Block struct {
	ID                int64     `db:"id" json:"-"`
	Hash              string    `db:"hash" json:"hash"`
	Height            int64     `db:"height" json:"height"`
	ShareID           string    `db:"share_id" json:"share_id"`
	JobID             string    `db:"job_id" json:"job_id"`
	Miner             string    `db:"miner" json:"miner"`
	Worker            string    `db:"worker" json:"worker"`
	NetworkDifficulty float64   `db:"network_difficulty" json:"network_difficulty"`
	ConfirmationData  string    `db:"confirmation_data" json:"-"`
	Status            string    `db:"status" json:"status"`
	FoundAt           time.Time `db:"found_at" json:"found_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// MinerStats aggregates a miner's shares over a period.
type MinerStats struct {
	Miner       string     `db:"miner" json:"miner"`
	Shares      int64      `db:"shares" json:"shares"`
	Work        float64    `db:"work" json:"work"`
	LastShareAt *time.Time `db:"last_share_at" json:"last_share_at,omitempty"`
}
