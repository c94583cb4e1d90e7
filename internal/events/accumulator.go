package events

import (
	"strings"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Accumulator collects everything handlers derive from one batch. It is
// written by a single goroutine and persisted by Applier.
type Accumulator struct {
	Fills           []domain.FillEvent
	Cancels         []domain.CancelEvent
	BulkCancels     []domain.BulkCancelEvent
	NonceCancels    []domain.NonceCancelEvent
	OrderInfos      []domain.OrderUpdate
	MakerInfos      []domain.MakerUpdate
	NFTTransfers    []domain.NFTTransfer
	RecomputeTokens []domain.TokenRef

	tokens map[domain.TokenRef]bool
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{tokens: make(map[domain.TokenRef]bool)}
}

func (a *Accumulator) AddFill(f domain.FillEvent) {
	a.Fills = append(a.Fills, f)
	a.Recompute(f.Contract, f.TokenID)
}

func (a *Accumulator) AddCancel(c domain.CancelEvent) {
	a.Cancels = append(a.Cancels, c)
}

func (a *Accumulator) AddBulkCancel(c domain.BulkCancelEvent) {
	a.BulkCancels = append(a.BulkCancels, c)
}

func (a *Accumulator) AddNonceCancel(c domain.NonceCancelEvent) {
	a.NonceCancels = append(a.NonceCancels, c)
}

func (a *Accumulator) AddOrderInfo(u domain.OrderUpdate) {
	a.OrderInfos = append(a.OrderInfos, u)
}

func (a *Accumulator) AddMakerInfo(u domain.MakerUpdate) {
	a.MakerInfos = append(a.MakerInfos, u)
}

func (a *Accumulator) AddTransfer(t domain.NFTTransfer) {
	a.NFTTransfers = append(a.NFTTransfers, t)
	a.Recompute(t.Contract, t.TokenID)
}

// Recompute schedules an aggregate recompute for a token once per batch.
func (a *Accumulator) Recompute(contract, tokenID string) {
	ref := domain.TokenRef{Contract: strings.ToLower(contract), TokenID: tokenID}
	if ref.Contract == "" || ref.TokenID == "" || a.tokens[ref] {
		return
	}
	a.tokens[ref] = true
	a.RecomputeTokens = append(a.RecomputeTokens, ref)
}

// Empty reports whether the batch produced nothing to persist.
func (a *Accumulator) Empty() bool {
	return len(a.Fills) == 0 && len(a.Cancels) == 0 && len(a.BulkCancels) == 0 &&
		len(a.NonceCancels) == 0 && len(a.OrderInfos) == 0 && len(a.MakerInfos) == 0 &&
		len(a.NFTTransfers) == 0 && len(a.RecomputeTokens) == 0
}
