package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/trace"
)

type signature struct {
	topic     common.Hash
	numTopics int
}

type route struct {
	def     Definition
	handler ProtocolHandler
}

// Classifier routes logs to handlers. Every sub kind maps to exactly one
// handler and every definition a handler declares must be routed to it.
type Classifier struct {
	table   map[domain.EventSubKind]ProtocolHandler
	routes  map[signature][]route
	traces  *trace.Resolver
	logger  *slog.Logger
	handled []ProtocolHandler
}

// NewClassifier builds a Classifier from a sub kind table.
func NewClassifier(table map[domain.EventSubKind]ProtocolHandler, traces *trace.Resolver, logger *slog.Logger) (*Classifier, error) {
	c := &Classifier{
		table:  table,
		routes: make(map[signature][]route),
		traces: traces,
		logger: logger.With(slog.String("component", "classifier")),
	}

	seen := make(map[ProtocolHandler]bool)
	for kind, h := range table {
		if h == nil {
			return nil, fmt.Errorf("events: no handler for %s", kind)
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		c.handled = append(c.handled, h)
		for _, def := range h.Definitions() {
			if table[def.SubKind] != h {
				return nil, fmt.Errorf("events: %s is declared by a handler it is not routed to", def.SubKind)
			}
			sig := signature{topic: def.Topic, numTopics: def.NumTopics}
			c.routes[sig] = append(c.routes[sig], route{def: def, handler: h})
		}
	}
	return c, nil
}

// Topics returns every first topic the classifier can route.
func (c *Classifier) Topics() []common.Hash {
	seen := make(map[common.Hash]bool)
	var out []common.Hash
	for sig := range c.routes {
		if !seen[sig.topic] {
			seen[sig.topic] = true
			out = append(out, sig.topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Classify maps a log to its sub kind. It returns false for logs no
// handler owns.
func (c *Classifier) Classify(log types.Log, timestamp int64) (domain.RawEvent, bool) {
	if len(log.Topics) == 0 || log.Removed {
		return domain.RawEvent{}, false
	}
	for _, r := range c.routes[signature{topic: log.Topics[0], numTopics: len(log.Topics)}] {
		if !emittedBy(r.def.Addresses, log.Address) {
			continue
		}
		return domain.RawEvent{
			SubKind: r.def.SubKind,
			Log:     log,
			Base: domain.BaseEventParams{
				Address:   Hex(log.Address),
				Block:     log.BlockNumber,
				BlockHash: strings.ToLower(log.BlockHash.Hex()),
				TxHash:    strings.ToLower(log.TxHash.Hex()),
				TxIndex:   log.TxIndex,
				LogIndex:  log.Index,
				Timestamp: timestamp,
			},
		}, true
	}
	return domain.RawEvent{}, false
}

func emittedBy(addresses []common.Address, addr common.Address) bool {
	if len(addresses) == 0 {
		return true
	}
	for _, a := range addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// Process handles a batch of classified events and returns what they
// produced. Events are handled one transaction at a time in log order; a
// failing event is logged and skipped.
func (c *Classifier) Process(ctx context.Context, evs []domain.RawEvent) (*Accumulator, error) {
	sorted := make([]domain.RawEvent, len(evs))
	copy(sorted, evs)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Base, sorted[j].Base
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.LogIndex < b.LogIndex
	})

	env := NewEnv(c.traces.NewBatch(), c.logger)
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Base.TxHash == sorted[start].Base.TxHash {
			end++
		}
		if err := ctx.Err(); err != nil {
			return env.Acc, fmt.Errorf("events: process: %w", err)
		}
		c.processTx(ctx, env, sorted[start:end])
		start = end
	}
	return env.Acc, nil
}

func (c *Classifier) processTx(ctx context.Context, env *Env, txEvents []domain.RawEvent) {
	env.beginTx(txEvents[0].Base.TxHash)

	for _, h := range c.handled {
		ps, ok := h.(PreScanner)
		if !ok {
			continue
		}
		var own []domain.RawEvent
		for _, ev := range txEvents {
			if c.table[ev.SubKind] == h {
				own = append(own, ev)
			}
		}
		if len(own) > 0 {
			ps.PreScan(env, own)
		}
	}

	for _, ev := range txEvents {
		h, ok := c.table[ev.SubKind]
		if !ok {
			continue
		}
		err := c.handle(ctx, h, env, ev)
		switch {
		case err == nil:
		case errors.Is(err, ErrSkip):
			c.logger.DebugContext(ctx, "event skipped",
				slog.String("kind", string(ev.SubKind)),
				slog.String("tx_hash", ev.Base.TxHash),
				slog.Uint64("log_index", uint64(ev.Base.LogIndex)),
				slog.String("reason", err.Error()),
			)
		default:
			c.logger.WarnContext(ctx, "event handling failed",
				slog.String("kind", string(ev.SubKind)),
				slog.String("tx_hash", ev.Base.TxHash),
				slog.Uint64("log_index", uint64(ev.Base.LogIndex)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Classifier) handle(ctx context.Context, h ProtocolHandler, env *Env, ev domain.RawEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("events: handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, env, ev)
}
