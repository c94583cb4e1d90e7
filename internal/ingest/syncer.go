// Package ingest follows the chain head and feeds exchange logs through the
// event pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
)

// LogSource reads blocks and logs from a node.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, from, to uint64, topic0s []common.Hash) ([]types.Log, error)
}

// Pipeline classifies logs and runs the protocol handlers over them.
type Pipeline interface {
	Topics() []common.Hash
	Classify(log types.Log, timestamp int64) (domain.RawEvent, bool)
	Process(ctx context.Context, evs []domain.RawEvent) (*events.Accumulator, error)
}

// Sink persists what a batch produced.
type Sink interface {
	Apply(ctx context.Context, acc *events.Accumulator) error
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes a Syncer.
type Config struct {
	// Cursor names the persisted position.
	Cursor string
	// FromBlock is where a fresh cursor starts.
	FromBlock     uint64
	BatchBlocks   uint64
	Confirmations uint64
	PollInterval  time.Duration
	// StallAfter raises an alert when no batch succeeds for this long.
	StallAfter time.Duration
}

// Syncer advances a block cursor through the chain.
type Syncer struct {
	src      LogSource
	pipeline Pipeline
	sink     Sink
	cursors  domain.CursorStore
	alerter  Alerter
	cfg      Config
	logger   *slog.Logger
}

// NewSyncer creates a Syncer. alerter may be nil.
func NewSyncer(src LogSource, pipeline Pipeline, sink Sink, cursors domain.CursorStore, alerter Alerter, cfg Config, logger *slog.Logger) *Syncer {
	if cfg.Cursor == "" {
		cfg.Cursor = "events"
	}
	if cfg.BatchBlocks == 0 {
		cfg.BatchBlocks = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	return &Syncer{
		src:      src,
		pipeline: pipeline,
		sink:     sink,
		cursors:  cursors,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ingest")),
	}
}

// Sync processes the next block range. It returns the number of blocks
// consumed, zero when the cursor is at the safe head.
func (s *Syncer) Sync(ctx context.Context) (uint64, error) {
	head, err := s.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ingest: head: %w", err)
	}
	if head < s.cfg.Confirmations {
		return 0, nil
	}
	safe := head - s.cfg.Confirmations

	from := s.cfg.FromBlock
	last, err := s.cursors.Get(ctx, s.cfg.Cursor)
	switch {
	case err == nil:
		from = last + 1
	case !errors.Is(err, domain.ErrNotFound):
		return 0, fmt.Errorf("ingest: cursor: %w", err)
	}
	if from > safe {
		return 0, nil
	}
	to := min(from+s.cfg.BatchBlocks-1, safe)

	logs, err := s.src.FilterLogs(ctx, from, to, s.pipeline.Topics())
	if err != nil {
		return 0, fmt.Errorf("ingest: logs %d-%d: %w", from, to, err)
	}

	timestamps := make(map[uint64]int64)
	evs := make([]domain.RawEvent, 0, len(logs))
	for _, l := range logs {
		ts, ok := timestamps[l.BlockNumber]
		if !ok {
			v, err := s.src.BlockTimestamp(ctx, l.BlockNumber)
			if err != nil {
				return 0, fmt.Errorf("ingest: block %d timestamp: %w", l.BlockNumber, err)
			}
			ts = int64(v)
			timestamps[l.BlockNumber] = ts
		}
		if ev, ok := s.pipeline.Classify(l, ts); ok {
			evs = append(evs, ev)
		}
	}

	acc, err := s.pipeline.Process(ctx, evs)
	if err != nil {
		return 0, err
	}
	if err := s.sink.Apply(ctx, acc); err != nil {
		return 0, err
	}
	if err := s.cursors.Set(ctx, s.cfg.Cursor, to); err != nil {
		return 0, fmt.Errorf("ingest: save cursor: %w", err)
	}

	s.logger.InfoContext(ctx, "synced blocks",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Int("logs", len(logs)),
		slog.Int("events", len(evs)),
		slog.Int("fills", len(acc.Fills)),
	)
	return to - from + 1, nil
}

// Run syncs until ctx is cancelled, catching up without pause and then
// polling the head.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "syncer starting", slog.String("cursor", s.cfg.Cursor))
	lastOK := time.Now()
	alerted := false

	for {
		n, err := s.Sync(ctx)
		switch {
		case err == nil:
			lastOK, alerted = time.Now(), false
		case ctx.Err() != nil:
			s.logger.Info("syncer stopped")
			return nil
		default:
			s.logger.ErrorContext(ctx, "sync failed", slog.String("error", err.Error()))
			if !alerted && s.cfg.StallAfter > 0 && time.Since(lastOK) > s.cfg.StallAfter {
				alerted = true
				s.alert(ctx, err)
			}
		}
		if err == nil && n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("syncer stopped")
			return nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Syncer) alert(ctx context.Context, cause error) {
	if s.alerter == nil {
		return
	}
	msg := fmt.Sprintf("no successful sync for %s: %v", s.cfg.StallAfter, cause)
	if err := s.alerter.Notify(ctx, "ingest_stalled", "Ingest stalled", msg); err != nil {
		s.logger.WarnContext(ctx, "stall alert failed", slog.String("error", err.Error()))
	}
}
