package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompcore/internal/engine"
	"github.com/bardlex/gompcore/internal/validation"
)

const testCurTime = 1_700_000_000 // 0x6553f100

// fakeRPC is an in-memory RPC.
type fakeRPC struct {
	mu        sync.Mutex
	template  *btcjson.GetBlockTemplateResult
	info      *btcjson.GetMiningInfoResult
	err       error
	submitErr error
	submitted []string
}

func (f *fakeRPC) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.template, nil
}

func (f *fakeRPC) GetMiningInfo(context.Context) (*btcjson.GetMiningInfoResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func (f *fakeRPC) SubmitBlock(_ context.Context, blockHex string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, blockHex)
	return f.submitErr
}

func (f *fakeRPC) Ping(context.Context) error { return f.err }

func payoutAddress(t *testing.T, params *chaincfg.Params) string {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), params)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func testChain(t *testing.T) *Chain {
	t.Helper()
	chain, err := NewChain(ChainConfig{
		Params:        &chaincfg.RegressionNetParams,
		PayoutAddress: payoutAddress(t, &chaincfg.RegressionNetParams),
		CoinbaseTag:   "/gompcore/",
		Limits:        validation.DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("NewChain() error = %v", err)
	}
	return chain
}

// testTx returns a distinct non-coinbase transaction.
func testTx(n int64) *wire.MsgTx {
	prev := chainhash.Hash{byte(n), 0xaa}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(1000*n, []byte{0x51}))
	return tx
}

func testGBT(t *testing.T, height int64, txs ...*wire.MsgTx) *btcjson.GetBlockTemplateResult {
	t.Helper()
	value := int64(5_000_000_000)
	gbt := &btcjson.GetBlockTemplateResult{
		Bits:          "207fffff",
		CurTime:       testCurTime,
		Height:        height,
		PreviousHash:  fmt.Sprintf("%064x", height-1),
		Version:       0x20000000,
		CoinbaseValue: &value,
	}
	for _, tx := range txs {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			t.Fatalf("Serialize() error = %v", err)
		}
		gbt.Transactions = append(gbt.Transactions, btcjson.GetBlockTemplateResultTx{
			Data: hex.EncodeToString(buf.Bytes()),
		})
	}
	return gbt
}

func testSubmission(nonce string) *engine.Submission {
	return &engine.Submission{
		Extranonce1: "01020304",
		Extranonce2: "0000000a",
		NTime:       "6553f100",
		Nonce:       nonce,
	}
}

// naiveMerkleRoot builds the full tree level by level.
func naiveMerkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	level := append([]chainhash.Hash(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		var next []chainhash.Hash
		for i := 0; i < len(level); i += 2 {
			next = append(next, chainhash.DoubleHashH(append(level[i][:], level[i+1][:]...)))
		}
		level = next
	}
	return level[0]
}
