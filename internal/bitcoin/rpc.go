package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompcore/pkg/circuit"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

// RPC is the part of the bitcoind JSON-RPC API the pool calls.
type RPC interface {
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)
	GetMiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error)
	// SubmitBlock returns nil only when the daemon accepted the block.
	SubmitBlock(ctx context.Context, blockHex string) error
	Ping(ctx context.Context) error
}

// templateRequest asks for a segwit template the pool can rebuild the
// coinbase of.
var templateRequest = &btcjson.TemplateRequest{
	Mode:         "template",
	Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
	Rules:        []string{"segwit"},
}

// RPCClient is an RPC over btcd's rpcclient. Every call passes one shared
// circuit breaker, then a retry policy.
type RPCClient struct {
	client  *rpcclient.Client
	breaker *circuit.Breaker
	policy  *retry.Config
}

var _ RPC = (*RPCClient)(nil)

// NewRPCClient creates an HTTP POST mode client. No connection is made
// until the first call.
func NewRPCClient(host string, port int, username, password string, logger *log.Logger) (*RPCClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         net.JoinHostPort(host, strconv.Itoa(port)),
		User:         username,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("host", host).
			WithContext("port", port)
	}

	logger = logger.WithComponent("bitcoind_rpc")
	breaker := circuit.New(&circuit.Config{
		Name:            "bitcoind",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &RPCClient{client: client, breaker: breaker, policy: retry.NetworkConfig()}, nil
}

// Close shuts down the underlying client.
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// call runs fn under the breaker with policy, wrapping a failure as op.
func call[T any](ctx context.Context, c *RPCClient, policy *retry.Config, typ errors.ErrorType, op, msg string, fn func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (T, error) {
		return retry.DoWithResult(ctx, policy, func() (T, error) {
			res, err := fn()
			if err != nil {
				var zero T
				return zero, errors.Wrap(err, typ, op, msg)
			}
			return res, nil
		})
	})
}

func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return call(ctx, c, c.policy, errors.ErrorTypeBitcoin, "get_block_template",
		"failed to retrieve block template from Bitcoin Core",
		func() (*btcjson.GetBlockTemplateResult, error) {
			return c.client.GetBlockTemplateAsync(templateRequest).Receive()
		})
}

func (c *RPCClient) GetMiningInfo(ctx context.Context) (*btcjson.GetMiningInfoResult, error) {
	return call(ctx, c, c.policy, errors.ErrorTypeBitcoin, "get_mining_info",
		"failed to retrieve mining information",
		func() (*btcjson.GetMiningInfoResult, error) {
			return c.client.GetMiningInfoAsync().Receive()
		})
}

// SubmitBlock decodes blockHex and submits it. A rejection reason from the
// daemon is returned as an error. Malformed hex never reaches the daemon.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) error {
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_validation",
			"invalid block hex encoding").
			WithContext("block_hex_length", len(blockHex))
	}

	var block wire.MsgBlock
	if err := block.Deserialize(bytes.NewReader(raw)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "block_deserialization",
			"failed to deserialize block data").
			WithContext("block_size", len(raw))
	}

	_, err = call(ctx, c, retry.SubmitConfig(), errors.ErrorTypeBitcoin, "submit_block",
		"failed to submit block to Bitcoin Core",
		func() (struct{}, error) {
			return struct{}{}, c.client.SubmitBlockAsync(btcutil.NewBlock(&block), nil).Receive()
		})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeBitcoin, "submit_block", "block rejected").
			WithContext("block_hash", block.BlockHash().String())
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c, c.policy, errors.ErrorTypeNetwork, "ping",
		"Bitcoin Core connectivity check failed",
		func() (struct{}, error) {
			return struct{}{}, c.client.PingAsync().Receive()
		})
	return err
}
