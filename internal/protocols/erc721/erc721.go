// Package erc721 tracks ERC-721 ownership and operator approvals of
// collections, which listings depend on.
package erc721

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
)

var tokenABI = events.MustABI(`[
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"tokenId","type":"uint256","indexed":true}]},
 {"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
  {"name":"owner","type":"address","indexed":true},
  {"name":"operator","type":"address","indexed":true},
  {"name":"approved","type":"bool","indexed":false}]}
]`)

type transfer struct {
	From    common.Address
	To      common.Address
	TokenId *big.Int
}

type approvalForAll struct {
	Owner    common.Address
	Operator common.Address
	Approved bool
}

// Handler handles transfers and operator approvals of any collection.
// ApprovalForAll is shared with ERC-1155 and routed here.
type Handler struct{}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(tokenABI, "Transfer", domain.ERC721Transfer),
		events.Define(tokenABI, "ApprovalForAll", domain.ApprovalForAll),
	}
}

func (h *Handler) Handle(_ context.Context, env *events.Env, ev domain.RawEvent) error {
	contract := events.Hex(ev.Contract())
	switch ev.SubKind {
	case domain.ERC721Transfer:
		var t transfer
		if err := events.UnpackLog(tokenABI, &t, "Transfer", ev.Log); err != nil {
			return err
		}
		tokenID := t.TokenId.String()
		env.Acc.AddTransfer(domain.NFTTransfer{
			Contract: contract,
			TokenID:  tokenID,
			From:     events.Hex(t.From),
			To:       events.Hex(t.To),
			Amount:   "1",
			Base:     ev.Base,
		})
		SellBalanceChange(env, ev, contract, tokenID, t.From, t.To)
		return nil

	case domain.ApprovalForAll:
		var a approvalForAll
		if err := events.UnpackLog(tokenABI, &a, "ApprovalForAll", ev.Log); err != nil {
			return err
		}
		env.Acc.AddMakerInfo(domain.MakerUpdate{
			Maker:     events.Hex(a.Owner),
			Contract:  contract,
			Operator:  events.Hex(a.Operator),
			Kind:      domain.MakerSellApproval,
			TxHash:    ev.Base.TxHash,
			Timestamp: ev.Base.Timestamp,
		})
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

// SellBalanceChange revalidates the listings of both sides of a token
// transfer. Mints and burns have only one side.
func SellBalanceChange(env *events.Env, ev domain.RawEvent, contract, tokenID string, owners ...common.Address) {
	for _, owner := range owners {
		if owner == (common.Address{}) {
			continue
		}
		env.Acc.AddMakerInfo(domain.MakerUpdate{
			Maker:     events.Hex(owner),
			Contract:  contract,
			TokenID:   tokenID,
			Kind:      domain.MakerSellBalance,
			TxHash:    ev.Base.TxHash,
			Timestamp: ev.Base.Timestamp,
		})
	}
}
