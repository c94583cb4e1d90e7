// Package protocoltest runs exchange handlers over packed log fixtures.
package protocoltest

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/attribution"
	"github.com/alanyoungcy/nftbook/internal/chain"
	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
	"github.com/alanyoungcy/nftbook/internal/pricing"
	"github.com/alanyoungcy/nftbook/internal/trace"
)

// Tx is the transaction every fixture log belongs to.
var Tx = common.HexToHash("0xfeed")

// Timestamp is the block time of every fixture log.
const Timestamp = 1700000000

// Converter prices every amount at face value.
type Converter struct{}

func (Converter) Convert(_ context.Context, _ string, amount *big.Int, _ time.Time) (pricing.Prices, error) {
	return pricing.Prices{Native: new(big.Int).Set(amount), USD: new(big.Int).Set(amount)}, nil
}

// Attributor attributes nothing.
type Attributor struct{}

func (Attributor) Resolve(context.Context, attribution.TxFetcher, common.Hash, domain.OrderKind, attribution.Options) (domain.Attribution, error) {
	return domain.Attribution{}, nil
}

// Node serves canned call traces. Every transaction is sent by From.
type Node struct {
	From   common.Address
	Traces map[common.Hash]chain.CallFrame
}

func (n Node) TraceTransaction(_ context.Context, hash common.Hash) (chain.CallFrame, error) {
	frame, ok := n.Traces[hash]
	if !ok {
		return chain.CallFrame{}, domain.ErrNoTrace
	}
	return frame, nil
}

func (n Node) Transaction(_ context.Context, hash common.Hash) (chain.TxInfo, error) {
	return chain.TxInfo{Hash: hash, From: n.From, Value: new(big.Int)}, nil
}

func Logger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// Reconciler returns a reconciler over the fakes. orders may be nil.
func Reconciler(orders fills.OrderLookup) *fills.Reconciler {
	return fills.NewReconciler(Converter{}, Attributor{}, orders, Logger())
}

// Process classifies logs for h alone and handles them as one batch.
func Process(t testing.TB, h events.ProtocolHandler, node Node, logs ...types.Log) *events.Accumulator {
	t.Helper()
	table := make(map[domain.EventSubKind]events.ProtocolHandler)
	for _, d := range h.Definitions() {
		table[d.SubKind] = h
	}
	c, err := events.NewClassifier(table, trace.NewResolver(node, nil, Logger()), Logger())
	require.NoError(t, err)

	var evs []domain.RawEvent
	for _, l := range logs {
		ev, ok := c.Classify(l, Timestamp)
		require.True(t, ok, "log %d not classified", l.Index)
		evs = append(evs, ev)
	}
	acc, err := c.Process(context.Background(), evs)
	require.NoError(t, err)
	return acc
}

// Topic is an indexed address.
func Topic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

// Log packs the non-indexed args of event and emits it from address at
// index within Tx.
func Log(t testing.TB, a abi.ABI, address common.Address, event string, index uint, indexed []common.Hash, args ...any) types.Log {
	t.Helper()
	ev, ok := a.Events[event]
	require.True(t, ok, "no event %s", event)
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)
	return types.Log{
		Address:     address,
		Topics:      append([]common.Hash{ev.ID}, indexed...),
		Data:        data,
		BlockNumber: 100,
		TxHash:      Tx,
		Index:       index,
	}
}
