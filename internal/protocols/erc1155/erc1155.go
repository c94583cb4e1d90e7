// Package erc1155 tracks ERC-1155 balances.
package erc1155

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/protocols/erc721"
)

var tokenABI = events.MustABI(`[
 {"type":"event","name":"TransferSingle","anonymous":false,"inputs":[
  {"name":"operator","type":"address","indexed":true},
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"id","type":"uint256","indexed":false},
  {"name":"value","type":"uint256","indexed":false}]},
 {"type":"event","name":"TransferBatch","anonymous":false,"inputs":[
  {"name":"operator","type":"address","indexed":true},
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"ids","type":"uint256[]","indexed":false},
  {"name":"values","type":"uint256[]","indexed":false}]}
]`)

type transferSingle struct {
	Operator common.Address
	From     common.Address
	To       common.Address
	Id       *big.Int
	Value    *big.Int
}

type transferBatch struct {
	Operator common.Address
	From     common.Address
	To       common.Address
	Ids      []*big.Int
	Values   []*big.Int
}

// Handler handles ERC-1155 transfers of any collection.
type Handler struct{}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler.
func New() *Handler { return &Handler{} }

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(tokenABI, "TransferSingle", domain.ERC1155TransferSingle),
		events.Define(tokenABI, "TransferBatch", domain.ERC1155TransferBatch),
	}
}

func (h *Handler) Handle(_ context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.ERC1155TransferSingle:
		var t transferSingle
		if err := events.UnpackLog(tokenABI, &t, "TransferSingle", ev.Log); err != nil {
			return err
		}
		h.transfer(env, ev, t.From, t.To, t.Id, t.Value, 0)
		return nil

	case domain.ERC1155TransferBatch:
		var t transferBatch
		if err := events.UnpackLog(tokenABI, &t, "TransferBatch", ev.Log); err != nil {
			return err
		}
		if len(t.Ids) != len(t.Values) {
			return fmt.Errorf("erc1155: %d ids for %d values", len(t.Ids), len(t.Values))
		}
		for i := range t.Ids {
			h.transfer(env, ev, t.From, t.To, t.Ids[i], t.Values[i], uint(i))
		}
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

func (h *Handler) transfer(env *events.Env, ev domain.RawEvent, from, to common.Address, id, value *big.Int, batchIndex uint) {
	contract := events.Hex(ev.Contract())
	base := ev.Base
	base.BatchIndex = batchIndex
	env.Acc.AddTransfer(domain.NFTTransfer{
		Contract: contract,
		TokenID:  id.String(),
		From:     events.Hex(from),
		To:       events.Hex(to),
		Amount:   value.String(),
		Base:     base,
	})
	erc721.SellBalanceChange(env, ev, contract, id.String(), from, to)
}
