package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/internal/validation"
	"github.com/bardlex/gompcore/pkg/errors"
)

const (
	// Extranonce1Size is the per-connection extranonce length in bytes.
	Extranonce1Size = 4

	witnessReservedLen = 32
)

// diff1Target is the target of a difficulty 1 share.
var diff1Target = blockchain.CompactToBig(0x1d00ffff)

// ChainConfig configures the Bitcoin backend.
type ChainConfig struct {
	Params        *chaincfg.Params
	PayoutAddress string
	CoinbaseTag   string
	Limits        validation.Limits
}

// Chain implements engine.Chain and engine.TemplateDecoder for Bitcoin.
type Chain struct {
	params       *chaincfg.Params
	payoutScript []byte
	tag          []byte
	limits       validation.Limits
}

var (
	_ engine.Chain           = (*Chain)(nil)
	_ engine.TemplateDecoder = (*Chain)(nil)
	_ engine.ChainTip        = (*Template)(nil)
)

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// NewChain decodes the payout address for cfg.Params and returns the chain.
func NewChain(cfg ChainConfig) (*Chain, error) {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	if cfg.Limits.Extranonce2Size == 0 {
		cfg.Limits = validation.DefaultLimits()
	}

	addr, err := btcutil.DecodeAddress(cfg.PayoutAddress, cfg.Params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_chain",
			"failed to decode pool address").
			WithContext("address", cfg.PayoutAddress).
			WithContext("network", cfg.Params.Name)
	}
	if !addr.IsForNet(cfg.Params) {
		return nil, errors.New(errors.ErrorTypeValidation, "new_chain",
			"pool address is for a different network").
			WithContext("network", cfg.Params.Name)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_chain",
			"failed to create output script")
	}

	return &Chain{
		params:       cfg.Params,
		payoutScript: pkScript,
		tag:          []byte(cfg.CoinbaseTag),
		limits:       cfg.Limits,
	}, nil
}

// Params returns the network parameters the chain was built for.
func (c *Chain) Params() *chaincfg.Params { return c.params }

// Extranonce2Size returns the extranonce2 length miners must roll.
func (c *Chain) Extranonce2Size() int { return c.limits.Extranonce2Size }

// VersionMask returns the header bits miners may roll.
func (c *Chain) VersionMask() uint32 { return c.limits.VersionMask }

// DecodeTemplate decodes a pushed getblocktemplate result.
func (c *Chain) DecodeTemplate(payload []byte) (engine.Template, error) {
	var gbt btcjson.GetBlockTemplateResult
	if err := sonic.Unmarshal(payload, &gbt); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "decode_template",
			"failed to decode block template").
			WithContext("payload_size", len(payload))
	}
	return c.BuildTemplate(&gbt)
}

// ValidateSubmission checks field shapes and ntime skew and returns the
// de-duplication key.
func (c *Chain) ValidateSubmission(tpl engine.Template, sub *engine.Submission) (string, error) {
	t, err := asTemplate(tpl)
	if err != nil {
		return "", err
	}

	if err := validation.CheckHex("extranonce1", sub.Extranonce1, Extranonce1Size); err != nil {
		return "", err
	}
	if err := validation.CheckHex("extranonce2", sub.Extranonce2, c.limits.Extranonce2Size); err != nil {
		return "", err
	}
	if _, err := validation.CheckNTime(sub.NTime, time.Unix(int64(t.curTime), 0), c.limits.MaxTimeSkew); err != nil {
		return "", err
	}
	if _, err := validation.ParseUint32("nonce", sub.Nonce); err != nil {
		return "", err
	}

	// The key carries the header version actually hashed, so spellings of
	// the same header ("" and "00000000" version bits) collide.
	version, err := c.headerVersion(t, sub)
	if err != nil {
		return "", err
	}
	parts := []string{sub.Extranonce1, sub.Extranonce2, sub.NTime, sub.Nonce, fmt.Sprintf("%08x", version)}
	return strings.ToLower(strings.Join(parts, ":")), nil
}

// headerVersion applies the submission's rolled bits to the template
// version. Bits must lie inside the pool mask and, when the miner
// negotiated one, inside its own mask.
func (c *Chain) headerVersion(t *Template, sub *engine.Submission) (uint32, error) {
	version := uint32(t.version)
	if sub.VersionBits == "" {
		return version, nil
	}

	mask := c.limits.VersionMask
	if sub.VersionMask != 0 {
		mask &= sub.VersionMask
	}
	bits, err := validation.CheckVersionBits(sub.VersionBits, mask)
	if err != nil {
		return 0, err
	}
	return version&^mask | bits, nil
}

// Compute rebuilds the coinbase, merkle root and header for sub and
// double-SHA256 hashes the header.
func (c *Chain) Compute(tpl engine.Template, sub *engine.Submission) (*engine.Work, error) {
	t, err := asTemplate(tpl)
	if err != nil {
		return nil, err
	}

	header, coinbaseTxid, _, err := c.assemble(t, sub)
	if err != nil {
		return nil, err
	}

	hash := header.BlockHash()
	return &engine.Work{
		Hash:             hash.String(),
		Value:            blockchain.HashToBig(&hash),
		ConfirmationData: coinbaseTxid.String(),
	}, nil
}

// assemble builds the block header and full coinbase for a submission.
func (c *Chain) assemble(t *Template, sub *engine.Submission) (wire.BlockHeader, chainhash.Hash, []byte, error) {
	var (
		header wire.BlockHeader
		txid   chainhash.Hash
	)

	en1, err := hex.DecodeString(sub.Extranonce1)
	if err != nil {
		return header, txid, nil, errors.Wrap(err, errors.ErrorTypeValidation, "assemble", "invalid extranonce1")
	}
	en2, err := hex.DecodeString(sub.Extranonce2)
	if err != nil {
		return header, txid, nil, errors.Wrap(err, errors.ErrorTypeValidation, "assemble", "invalid extranonce2")
	}
	ntime, err := validation.ParseUint32("ntime", sub.NTime)
	if err != nil {
		return header, txid, nil, err
	}
	nonce, err := validation.ParseUint32("nonce", sub.Nonce)
	if err != nil {
		return header, txid, nil, err
	}

	version, err := c.headerVersion(t, sub)
	if err != nil {
		return header, txid, nil, err
	}

	coinbase := t.coinbase(en1, en2)
	txid = chainhash.DoubleHashH(coinbase)

	header = wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  t.prevHash,
		MerkleRoot: t.merkleRoot(txid),
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       t.bits,
		Nonce:      nonce,
	}
	return header, txid, coinbase, nil
}

// DifficultyToTarget returns diff1 / difficulty, truncated. Non-positive
// difficulties map to the difficulty 1 target.
func (c *Chain) DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return new(big.Int).Set(diff1Target)
	}

	q := new(big.Float).SetPrec(256).SetInt(diff1Target)
	q.Quo(q, new(big.Float).SetPrec(256).SetFloat64(difficulty))
	target, _ := q.Int(nil)
	return target
}

// TargetToDifficulty returns diff1 / target.
func (c *Chain) TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}

	q := new(big.Float).SetPrec(256).SetInt(diff1Target)
	q.Quo(q, new(big.Float).SetPrec(256).SetInt(target))
	d, _ := q.Float64()
	return d
}

// ShareDifficulty returns the difficulty the work actually achieved.
func (c *Chain) ShareDifficulty(work *engine.Work) float64 {
	if work.Value.Sign() == 0 {
		return math.MaxFloat64
	}
	return c.TargetToDifficulty(work.Value)
}

// Meets reports whether the hash value is at or below target.
func (c *Chain) Meets(work *engine.Work, target *big.Int) bool {
	return work.Value.Cmp(target) <= 0
}

// NotifyParams returns the mining.notify parameters for job.
func (c *Chain) NotifyParams(job *engine.Job, cleanJobs bool) []any {
	t, err := asTemplate(job.Template)
	if err != nil {
		return nil
	}

	return []any{
		job.ID,
		t.notify.prevHash,
		t.notify.coinb1,
		t.notify.coinb2,
		t.notify.branch,
		t.notify.version,
		t.notify.bits,
		t.notify.ntime,
		cleanJobs,
	}
}

// SerializeBlock assembles the full block for a solved submission and
// returns it hex encoded, ready for submitblock.
func (c *Chain) SerializeBlock(job *engine.Job, sub *engine.Submission, _ *engine.Work) (string, error) {
	t, err := asTemplate(job.Template)
	if err != nil {
		return "", err
	}

	header, _, coinbase, err := c.assemble(t, sub)
	if err != nil {
		return "", err
	}

	coinbaseTx := &wire.MsgTx{}
	if err := coinbaseTx.DeserializeNoWitness(bytes.NewReader(coinbase)); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "serialize_block",
			"failed to decode coinbase")
	}
	if t.witness {
		coinbaseTx.TxIn[0].Witness = wire.TxWitness{make([]byte, witnessReservedLen)}
	}

	block := wire.NewMsgBlock(&header)
	block.Transactions = make([]*wire.MsgTx, 0, len(t.txs)+1)
	block.Transactions = append(block.Transactions, coinbaseTx)
	block.Transactions = append(block.Transactions, t.txs...)

	buf := getBuffer()
	defer putBuffer(buf)

	if err := block.Serialize(buf); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "serialize_block",
			"failed to serialize block").
			WithContext("job_id", job.ID)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// MatchesFallback matches jobs by their template ntime, which firmware that
// does not roll ntime echoes back unchanged.
func (c *Chain) MatchesFallback(job *engine.Job, sub *engine.Submission) bool {
	t, err := asTemplate(job.Template)
	if err != nil {
		return false
	}
	return t.notify.ntime == strings.ToLower(sub.NTime)
}

func asTemplate(tpl engine.Template) (*Template, error) {
	t, ok := tpl.(*Template)
	if !ok {
		return nil, errors.New(errors.ErrorTypeInternal, "template",
			fmt.Sprintf("unexpected template type %T", tpl))
	}
	return t, nil
}
