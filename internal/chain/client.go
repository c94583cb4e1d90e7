// Package chain wraps an Ethereum JSON-RPC node: log fetching, call traces,
// transaction lookup and the ownership/approval reads used to classify order
// fillability.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/retry"
)

// Config holds node connection settings.
type Config struct {
	RPCURL        string
	ChainID       int64
	MaxLogRange   uint64
	Retry         retry.Policy
	TraceDisabled bool
}

// Client is a retrying JSON-RPC client.
type Client struct {
	eth    *ethclient.Client
	rpc    *rpc.Client
	cfg    Config
	signer types.Signer
	logger *slog.Logger

	mu         sync.Mutex
	timestamps map[uint64]uint64
}

// Dial connects to the node at cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	rc, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	if cfg.MaxLogRange == 0 {
		cfg.MaxLogRange = 2000
	}
	return &Client{
		eth:        ethclient.NewClient(rc),
		rpc:        rc,
		cfg:        cfg,
		signer:     types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		logger:     logger.With(slog.String("component", "chain")),
		timestamps: make(map[uint64]uint64),
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// isRevert reports whether err is an EVM revert, which retrying cannot fix.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		err := fn(ctx)
		if isRevert(err) || errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// BlockTimestamp returns a block's timestamp, memoized per client.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.Lock()
	ts, ok := c.timestamps[number]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}

	var header *types.Header
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		header, err = c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: header %d: %w", number, err)
	}

	c.mu.Lock()
	if len(c.timestamps) > 10000 {
		c.timestamps = make(map[uint64]uint64)
	}
	c.timestamps[number] = header.Time
	c.mu.Unlock()
	return header.Time, nil
}

// FilterLogs fetches logs matching topic0s in [from, to], halving the block
// range when the node rejects it. Results are ordered by block, transaction
// and log index.
func (c *Client) FilterLogs(ctx context.Context, from, to uint64, topic0s []common.Hash) ([]types.Log, error) {
	var out []types.Log
	chunk := c.cfg.MaxLogRange
	for start := from; start <= to; {
		end := start + chunk - 1
		if end > to {
			end = to
		}

		q := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Topics:    [][]common.Hash{topic0s},
		}
		var logs []types.Log
		err := c.do(ctx, func(ctx context.Context) error {
			var err error
			logs, err = c.eth.FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			if chunk > 1 && ctx.Err() == nil {
				chunk /= 2
				c.logger.Warn("get logs failed, shrinking range",
					slog.Uint64("chunk", chunk),
					slog.String("error", err.Error()),
				)
				continue
			}
			return nil, fmt.Errorf("chain: filter logs %d-%d: %w", start, end, err)
		}

		out = append(out, logs...)
		start = end + 1
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		if out[i].TxIndex != out[j].TxIndex {
			return out[i].TxIndex < out[j].TxIndex
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// TxInfo is the part of a transaction attribution needs.
type TxInfo struct {
	Hash  common.Hash
	From  common.Address
	To    common.Address
	Input []byte
	Value *big.Int
}

// Transaction fetches a mined transaction.
func (c *Client) Transaction(ctx context.Context, hash common.Hash) (TxInfo, error) {
	var tx *types.Transaction
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		tx, _, err = c.eth.TransactionByHash(ctx, hash)
		return err
	})
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxInfo{}, domain.ErrNotFound
		}
		return TxInfo{}, fmt.Errorf("chain: transaction %s: %w", hash.Hex(), err)
	}

	info := TxInfo{Hash: hash, Input: tx.Data(), Value: tx.Value()}
	if tx.To() != nil {
		info.To = *tx.To()
	}
	if from, err := types.Sender(c.signer, tx); err == nil {
		info.From = from
	}
	return info, nil
}

// CallFrame is one node of a callTracer result.
type CallFrame struct {
	Type   string         `json:"type"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Input  hexutil.Bytes  `json:"input"`
	Output hexutil.Bytes  `json:"output,omitempty"`
	Value  *hexutil.Big   `json:"value,omitempty"`
	Error  string         `json:"error,omitempty"`
	Calls  []CallFrame    `json:"calls,omitempty"`
}

// TraceTransaction returns the call tree of a mined transaction. It returns
// domain.ErrNoTrace when the node cannot trace.
func (c *Client) TraceTransaction(ctx context.Context, hash common.Hash) (CallFrame, error) {
	if c.cfg.TraceDisabled {
		return CallFrame{}, domain.ErrNoTrace
	}

	var raw json.RawMessage
	err := c.do(ctx, func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &raw, "debug_traceTransaction", hash,
			map[string]any{"tracer": "callTracer"})
	})
	if err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32601 {
			return CallFrame{}, domain.ErrNoTrace
		}
		return CallFrame{}, fmt.Errorf("chain: trace %s: %w", hash.Hex(), errors.Join(domain.ErrNoTrace, err))
	}
	if len(raw) == 0 || string(raw) == "null" {
		return CallFrame{}, domain.ErrNoTrace
	}

	var frame CallFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return CallFrame{}, fmt.Errorf("chain: decode trace %s: %w", hash.Hex(), err)
	}
	return frame, nil
}
