// Package archive exports settled fills to object storage as daily JSONL
// files.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/jobs"
)

// Blobs is the object storage an export is written to.
type Blobs interface {
	Exists(ctx context.Context, path string) (bool, error)
	PutStream(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// FillExporter writes one file per UTC day.
type FillExporter struct {
	fills    domain.FillStore
	blobs    Blobs
	audit    domain.AuditStore
	partSize int64
	logger   *slog.Logger
}

// NewFillExporter creates a FillExporter. audit may be nil.
func NewFillExporter(fills domain.FillStore, blobs Blobs, audit domain.AuditStore, partSize int64, logger *slog.Logger) *FillExporter {
	return &FillExporter{
		fills:    fills,
		blobs:    blobs,
		audit:    audit,
		partSize: partSize,
		logger:   logger.With(slog.String("component", "fill-export")),
	}
}

// Path returns the object key of a day's export.
//
//	exports/fills/2026-10-15.jsonl
func Path(day time.Time) string {
	return fmt.Sprintf("exports/fills/%s.jsonl", day.UTC().Format(time.DateOnly))
}

type fillRecord struct {
	TxHash     string `json:"txHash"`
	LogIndex   uint   `json:"logIndex"`
	BatchIndex uint   `json:"batchIndex"`
	Block      uint64 `json:"block"`
	Timestamp  int64  `json:"timestamp"`
	OrderID    string `json:"orderId,omitempty"`
	OrderKind  string `json:"orderKind"`
	OrderSide  string `json:"orderSide"`
	Maker      string `json:"maker"`
	Taker      string `json:"taker"`
	Contract   string `json:"contract"`
	TokenID    string `json:"tokenId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Price      string `json:"price"`
	USDPrice   string `json:"usdPrice,omitempty"`
	FillSource int    `json:"fillSource,omitempty"`
}

func toRecord(f domain.FillEvent) fillRecord {
	return fillRecord{
		TxHash:     f.Base.TxHash,
		LogIndex:   f.Base.LogIndex,
		BatchIndex: f.Base.BatchIndex,
		Block:      f.Base.Block,
		Timestamp:  f.Base.Timestamp,
		OrderID:    f.OrderID,
		OrderKind:  string(f.OrderKind),
		OrderSide:  string(f.OrderSide),
		Maker:      f.Maker,
		Taker:      f.Taker,
		Contract:   f.Contract,
		TokenID:    f.TokenID,
		Amount:     numString(f.Amount),
		Currency:   f.Currency,
		Price:      numString(f.Price),
		USDPrice:   numString(f.USDPrice),
		FillSource: f.FillSourceID,
	}
}

func numString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Export writes the fills of day. An existing export is left in place. It
// returns the number of fills written.
func (e *FillExporter) Export(ctx context.Context, day time.Time) (int, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	path := Path(from)

	exists, err := e.blobs.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("archive: check %s: %w", path, err)
	}
	if exists {
		return 0, nil
	}

	fills, err := e.fills.ListBetween(ctx, from, from.Add(24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("archive: list fills: %w", err)
	}
	var live []domain.FillEvent
	for _, f := range fills {
		if !f.IsDeleted {
			live = append(live, f)
		}
	}

	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriter(pw)
		enc := json.NewEncoder(bw)
		for _, f := range live {
			if err := enc.Encode(toRecord(f)); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(bw.Flush())
	}()
	if err := e.blobs.PutStream(ctx, path, pr, e.partSize); err != nil {
		pr.CloseWithError(err)
		return 0, fmt.Errorf("archive: upload %s: %w", path, err)
	}

	if e.audit != nil {
		if err := e.audit.Record(ctx, domain.AuditEntry{
			Kind:    domain.AuditFillExport,
			Subject: path,
			Detail:  map[string]any{"count": len(live), "day": from.Format(time.DateOnly)},
		}); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	e.logger.InfoContext(ctx, "fills exported",
		slog.String("path", path),
		slog.Int("count", len(live)),
	)
	return len(live), nil
}

// Handle runs the fill-export queue.
func (e *FillExporter) Handle(ctx context.Context, task domain.JobTask) jobs.Outcome {
	var p struct {
		Day string `json:"day"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return jobs.Invalid("payload", err.Error())
	}
	day, err := time.Parse(time.DateOnly, p.Day)
	if err != nil {
		return jobs.Invalid("payload", err.Error())
	}
	if _, err := e.Export(ctx, day); err != nil {
		return jobs.Failed(err)
	}
	return jobs.Success()
}
