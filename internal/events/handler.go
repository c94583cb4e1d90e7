// Package events classifies raw logs and routes them, in per-transaction
// log order, to the protocol handler that owns their sub kind.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/trace"
)

// ErrSkip marks an event a handler deliberately ignored.
var ErrSkip = errors.New("events: skipped")

// Definition ties a log signature to a sub kind. A log matches when its
// first topic and topic count agree and, if Addresses is set, it was
// emitted by one of them.
type Definition struct {
	SubKind   domain.EventSubKind
	Topic     common.Hash
	NumTopics int
	Addresses []common.Address
}

// Define derives a Definition from an event of a parsed ABI.
func Define(a abi.ABI, event string, kind domain.EventSubKind, addresses ...common.Address) Definition {
	ev, ok := a.Events[event]
	if !ok {
		panic("events: unknown abi event " + event)
	}
	n := 1
	for _, in := range ev.Inputs {
		if in.Indexed {
			n++
		}
	}
	return Definition{SubKind: kind, Topic: ev.ID, NumTopics: n, Addresses: addresses}
}

// ProtocolHandler classifies and handles the events of one protocol.
type ProtocolHandler interface {
	Definitions() []Definition
	Handle(ctx context.Context, env *Env, ev domain.RawEvent) error
}

// PreScanner is implemented by handlers that must see all of a
// transaction's events before any of them is handled.
type PreScanner interface {
	PreScan(env *Env, txEvents []domain.RawEvent)
}

// Env is the per-batch state handlers share.
type Env struct {
	Acc    *Accumulator
	Traces *trace.Batch
	Logger *slog.Logger

	skipped map[string]bool
	tx      txState
}

type txState struct {
	hash         string
	matched      map[string][]string
	currencyFrom map[string]bool
}

// NewEnv creates the state for one batch. traces may be nil for handlers
// that never consult a trace.
func NewEnv(traces *trace.Batch, logger *slog.Logger) *Env {
	e := &Env{
		Acc:     NewAccumulator(),
		Traces:  traces,
		Logger:  logger,
		skipped: make(map[string]bool),
	}
	e.beginTx("")
	return e
}

func (e *Env) beginTx(hash string) {
	e.tx = txState{
		hash:         hash,
		matched:      make(map[string][]string),
		currencyFrom: make(map[string]bool),
	}
}

// MarkMatched records that orderIDs were explicitly matched together in
// the current transaction.
func (e *Env) MarkMatched(orderIDs ...string) {
	group := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		group[i] = strings.ToLower(id)
	}
	for _, id := range group {
		e.tx.matched[id] = append(e.tx.matched[id], group...)
	}
}

// Matched reports whether orderID was explicitly matched in the current
// transaction.
func (e *Env) Matched(orderID string) bool {
	_, ok := e.tx.matched[strings.ToLower(orderID)]
	return ok
}

// Counterparts returns the orders matched together with orderID in the
// current transaction.
func (e *Env) Counterparts(orderID string) []string {
	id := strings.ToLower(orderID)
	var out []string
	for _, other := range e.tx.matched[id] {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

// SkipPair marks orderID as the counterpart of an already reconciled leg.
// Its own leg is ignored for the rest of the batch.
func (e *Env) SkipPair(orderID string) {
	e.skipped[strings.ToLower(orderID)] = true
}

// Skipped reports whether orderID's leg was already counted.
func (e *Env) Skipped(orderID string) bool {
	return e.skipped[strings.ToLower(orderID)]
}

// NoteCurrencyTransfer records that owner sent currency earlier in the
// current transaction.
func (e *Env) NoteCurrencyTransfer(owner string) {
	e.tx.currencyFrom[strings.ToLower(owner)] = true
}

// SentCurrency reports whether owner sent currency earlier in the current
// transaction.
func (e *Env) SentCurrency(owner string) bool {
	return e.tx.currencyFrom[strings.ToLower(owner)]
}

// UnpackLog decodes log into out: data fields by name, then indexed
// fields from the topics.
func UnpackLog(a abi.ABI, out any, event string, log types.Log) error {
	ev, ok := a.Events[event]
	if !ok {
		return fmt.Errorf("events: unknown abi event %s", event)
	}
	if len(log.Topics) == 0 || log.Topics[0] != ev.ID {
		return fmt.Errorf("events: log is not %s", event)
	}
	if len(log.Data) > 0 {
		if err := a.UnpackIntoInterface(out, event, log.Data); err != nil {
			return fmt.Errorf("events: unpack %s: %w", event, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("events: topics %s: %w", event, err)
	}
	return nil
}

// MustABI parses a JSON ABI known at compile time.
func MustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// Hex lowercases an address for storage.
func Hex(a common.Address) string {
	return strings.ToLower(a.Hex())
}
