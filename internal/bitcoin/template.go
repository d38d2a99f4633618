// Package bitcoin is the Bitcoin backend of the job engine: block templates
// built from getblocktemplate, the chain codec that hashes and serializes
// stratum submissions, and the daemon plumbing (RPC, ZMQ, network stats).
package bitcoin

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompcore/pkg/errors"
)

// maxCoinbaseScriptLen is the consensus limit on the coinbase scriptSig.
const maxCoinbaseScriptLen = 100

// bufferPool holds serialization buffers for block assembly.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024*1024))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	// oversized buffers are left to the GC
	if buf.Cap() < 10*1024*1024 {
		bufferPool.Put(buf)
	}
}

// Template is a getblocktemplate result prepared for stratum: the coinbase
// is split around the extranonce and the merkle branch for the coinbase
// position is precomputed.
type Template struct {
	height   int64
	prevHash chainhash.Hash
	version  int32
	bits     uint32
	curTime  uint32
	target   *big.Int

	coinb1 []byte
	coinb2 []byte
	branch []chainhash.Hash
	txs    []*wire.MsgTx
	// witness is set when the template carries a witness commitment, in
	// which case the coinbase needs the reserved witness value.
	witness bool

	notify notifyFields
}

type notifyFields struct {
	prevHash string
	coinb1   string
	coinb2   string
	branch   []string
	version  string
	bits     string
	ntime    string
}

// Identity is the previous block hash and height.
func (t *Template) Identity() string {
	return t.prevHash.String() + ":" + strconv.FormatInt(t.height, 10)
}

// Height returns the height of the block being mined.
func (t *Template) Height() int64 { return t.height }

// Target returns the network target decoded from the template bits.
func (t *Template) Target() *big.Int { return t.target }

// Parent implements engine.ChainTip with the previous block hash.
func (t *Template) Parent() string { return t.prevHash.String() }

// BuildTemplate prepares gbt for mining, paying the coinbase to the chain's
// payout address.
func (c *Chain) BuildTemplate(gbt *btcjson.GetBlockTemplateResult) (*Template, error) {
	if gbt == nil {
		return nil, errors.New(errors.ErrorTypeTemplate, "build_template", "empty block template")
	}

	prevHash, err := chainhash.NewHashFromStr(gbt.PreviousHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_template",
			"invalid previous block hash").
			WithContext("previousblockhash", gbt.PreviousHash)
	}

	bits, err := strconv.ParseUint(gbt.Bits, 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_template", "invalid bits").
			WithContext("bits", gbt.Bits)
	}

	if gbt.CoinbaseValue == nil {
		return nil, errors.New(errors.ErrorTypeTemplate, "build_template",
			"template has no coinbasevalue")
	}

	txs := make([]*wire.MsgTx, 0, len(gbt.Transactions))
	txids := make([]chainhash.Hash, 0, len(gbt.Transactions))
	for i, tx := range gbt.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_template",
				"invalid transaction data").WithContext("index", i)
		}
		msgTx := &wire.MsgTx{}
		if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_template",
				"failed to deserialize transaction").WithContext("index", i)
		}
		txs = append(txs, msgTx)
		txids = append(txids, msgTx.TxHash())
	}

	var commitment []byte
	if gbt.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(gbt.DefaultWitnessCommitment)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTemplate, "build_template",
				"invalid witness commitment")
		}
	}

	coinb1, coinb2, err := c.splitCoinbase(gbt.Height, *gbt.CoinbaseValue, commitment)
	if err != nil {
		return nil, err
	}

	t := &Template{
		height:   gbt.Height,
		prevHash: *prevHash,
		version:  gbt.Version,
		bits:     uint32(bits),
		curTime:  uint32(gbt.CurTime),
		target:   blockchain.CompactToBig(uint32(bits)),
		coinb1:   coinb1,
		coinb2:   coinb2,
		branch:   merkleBranch(txids),
		txs:      txs,
		witness:  commitment != nil,
	}
	t.notify = t.notifyFields()
	return t, nil
}

func (t *Template) notifyFields() notifyFields {
	branch := make([]string, len(t.branch))
	for i, h := range t.branch {
		branch[i] = hex.EncodeToString(h[:])
	}

	return notifyFields{
		prevHash: stratumPrevHash(t.prevHash),
		coinb1:   hex.EncodeToString(t.coinb1),
		coinb2:   hex.EncodeToString(t.coinb2),
		branch:   branch,
		version:  fmt.Sprintf("%08x", uint32(t.version)),
		bits:     fmt.Sprintf("%08x", t.bits),
		ntime:    fmt.Sprintf("%08x", t.curTime),
	}
}

// splitCoinbase serializes a BIP 34 coinbase paying value to the chain's
// payout script and returns the bytes before and after the extranonce slot.
func (c *Chain) splitCoinbase(height, value int64, witnessCommitment []byte) ([]byte, []byte, error) {
	heightScript, err := txscript.NewScriptBuilder().AddInt64(height).Script()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "split_coinbase",
			"failed to create height script")
	}

	slot := Extranonce1Size + c.limits.Extranonce2Size
	prefix := append(heightScript, c.tag...)
	if room := maxCoinbaseScriptLen - slot; len(prefix) > room {
		prefix = prefix[:room]
	}
	script := make([]byte, len(prefix)+slot)
	copy(script, prefix)

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		SignatureScript:  script,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(value, c.payoutScript))
	if witnessCommitment != nil {
		tx.AddTxOut(wire.NewTxOut(0, witnessCommitment))
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeTemplate, "split_coinbase",
			"failed to serialize coinbase")
	}
	raw := buf.Bytes()

	// version, input count, outpoint, script length, then the script itself
	split := 4 + wire.VarIntSerializeSize(1) + 36 +
		wire.VarIntSerializeSize(uint64(len(script))) + len(prefix)

	coinb1 := append([]byte(nil), raw[:split]...)
	coinb2 := append([]byte(nil), raw[split+slot:]...)
	return coinb1, coinb2, nil
}

// coinbase joins the coinbase halves around the extranonces.
func (t *Template) coinbase(extranonce1, extranonce2 []byte) []byte {
	cb := make([]byte, 0, len(t.coinb1)+len(extranonce1)+len(extranonce2)+len(t.coinb2))
	cb = append(cb, t.coinb1...)
	cb = append(cb, extranonce1...)
	cb = append(cb, extranonce2...)
	return append(cb, t.coinb2...)
}

// merkleRoot folds the coinbase txid up the precomputed branch.
func (t *Template) merkleRoot(coinbaseTxid chainhash.Hash) chainhash.Hash {
	root := coinbaseTxid
	for _, h := range t.branch {
		root = hashPair(root, h)
	}
	return root
}

// merkleBranch returns the sibling hashes needed to rebuild the merkle root
// from the coinbase, which always sits at index 0. txids excludes the
// coinbase.
func merkleBranch(txids []chainhash.Hash) []chainhash.Hash {
	if len(txids) == 0 {
		return nil
	}

	level := make([]chainhash.Hash, 0, len(txids)+2)
	level = append(level, chainhash.Hash{})
	level = append(level, txids...)

	var branch []chainhash.Hash
	for len(level) > 1 {
		branch = append(branch, level[1])
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := make([]chainhash.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return branch
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// stratumPrevHash encodes the previous hash the way stratum v1 miners expect
// it: internal byte order with every 32-bit word byte swapped.
func stratumPrevHash(h chainhash.Hash) string {
	var out [chainhash.HashSize]byte
	for i := 0; i < chainhash.HashSize; i += 4 {
		out[i] = h[i+3]
		out[i+1] = h[i+2]
		out[i+2] = h[i+1]
		out[i+3] = h[i]
	}
	return hex.EncodeToString(out[:])
}
