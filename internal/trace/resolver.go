// Package trace fetches and memoizes transaction call trees so handlers
// can recover fields that logs alone do not carry.
package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/chain"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Node is the chain access the resolver needs.
type Node interface {
	TraceTransaction(ctx context.Context, hash common.Hash) (chain.CallFrame, error)
	Transaction(ctx context.Context, hash common.Hash) (chain.TxInfo, error)
}

// Archive is durable storage for fetched traces.
type Archive interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Resolver creates per-batch trace memos. Traces are also written to an
// optional archive so reprocessing does not depend on a tracing node.
type Resolver struct {
	node    Node
	archive Archive
	logger  *slog.Logger
}

// NewResolver creates a Resolver. archive may be nil.
func NewResolver(node Node, archive Archive, logger *slog.Logger) *Resolver {
	return &Resolver{
		node:    node,
		archive: archive,
		logger:  logger.With(slog.String("component", "trace")),
	}
}

func archivePath(tx common.Hash) string {
	return "traces/" + strings.ToLower(tx.Hex()) + ".json"
}

func (r *Resolver) fetch(ctx context.Context, tx common.Hash) (chain.CallFrame, error) {
	if r.archive != nil {
		if frame, err := r.readArchive(ctx, tx); err == nil {
			return frame, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "trace archive read failed",
				slog.String("tx_hash", tx.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	frame, err := r.node.TraceTransaction(ctx, tx)
	if err != nil {
		return chain.CallFrame{}, err
	}

	if r.archive != nil {
		if err := r.writeArchive(ctx, tx, frame); err != nil {
			r.logger.WarnContext(ctx, "trace archive write failed",
				slog.String("tx_hash", tx.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}
	return frame, nil
}

func (r *Resolver) readArchive(ctx context.Context, tx common.Hash) (chain.CallFrame, error) {
	rc, err := r.archive.Get(ctx, archivePath(tx))
	if err != nil {
		return chain.CallFrame{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return chain.CallFrame{}, fmt.Errorf("trace: read archive %s: %w", tx.Hex(), err)
	}
	var frame chain.CallFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return chain.CallFrame{}, fmt.Errorf("trace: decode archive %s: %w", tx.Hex(), err)
	}
	return frame, nil
}

func (r *Resolver) writeArchive(ctx context.Context, tx common.Hash, frame chain.CallFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("trace: encode %s: %w", tx.Hex(), err)
	}
	return r.archive.Put(ctx, archivePath(tx), bytes.NewReader(data), "application/json")
}

// NewBatch returns a memo that lives for one processing batch.
func (r *Resolver) NewBatch() *Batch {
	return &Batch{
		r:      r,
		traces: make(map[common.Hash]traceResult),
		txs:    make(map[common.Hash]txResult),
		ranks:  make(map[rankKey]int),
	}
}

type traceResult struct {
	root *Call
	err  error
}

type txResult struct {
	info chain.TxInfo
	err  error
}

type rankKey struct {
	tx       common.Hash
	exchange common.Address
}

// Batch memoizes traces and transactions and counts trades per
// (transaction, exchange). It is used by one goroutine at a time.
type Batch struct {
	r      *Resolver
	traces map[common.Hash]traceResult
	txs    map[common.Hash]txResult
	ranks  map[rankKey]int
}

// Trace returns the call tree of tx. Failures, including domain.ErrNoTrace,
// are memoized for the batch too.
func (b *Batch) Trace(ctx context.Context, tx common.Hash) (*Call, error) {
	if res, ok := b.traces[tx]; ok {
		return res.root, res.err
	}
	frame, err := b.r.fetch(ctx, tx)
	res := traceResult{err: err}
	if err == nil {
		res.root = FromFrame(frame)
	} else if !errors.Is(err, domain.ErrNoTrace) {
		res.err = fmt.Errorf("%w: %v", domain.ErrNoTrace, err)
	}
	if ctx.Err() == nil {
		b.traces[tx] = res
	}
	return res.root, res.err
}

// Transaction returns the top-level transaction of tx.
func (b *Batch) Transaction(ctx context.Context, tx common.Hash) (chain.TxInfo, error) {
	if res, ok := b.txs[tx]; ok {
		return res.info, res.err
	}
	info, err := b.r.node.Transaction(ctx, tx)
	if ctx.Err() == nil {
		b.txs[tx] = txResult{info: info, err: err}
	}
	return info, err
}

// Rank returns how many trades on exchange were already counted in tx.
func (b *Batch) Rank(tx common.Hash, exchange common.Address) int {
	return b.ranks[rankKey{tx: tx, exchange: exchange}]
}

// NextRank returns how many trades on exchange were already seen in tx and
// counts one more.
func (b *Batch) NextRank(tx common.Hash, exchange common.Address) int {
	k := rankKey{tx: tx, exchange: exchange}
	n := b.ranks[k]
	b.ranks[k] = n + 1
	return n
}

// FindTrade fetches tx's trace and returns the rank-th call matching s.
// It returns domain.ErrNoTrace when no trace is available and
// domain.ErrNotFound when the trace has no such call.
func (b *Batch) FindTrade(ctx context.Context, tx common.Hash, s Search, rank int) (Match, error) {
	root, err := b.Trace(ctx, tx)
	if err != nil {
		return Match{}, err
	}
	m, ok := s.Nth(root, rank)
	if !ok {
		return Match{}, domain.ErrNotFound
	}
	return m, nil
}
