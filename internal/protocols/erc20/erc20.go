// Package erc20 tracks wrapped-native balance and allowance changes that
// affect the fillability of bids.
package erc20

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
)

var wethABI = events.MustABI(`[
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]},
 {"type":"event","name":"Approval","anonymous":false,"inputs":[
  {"name":"owner","type":"address","indexed":true},
  {"name":"spender","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]},
 {"type":"event","name":"Deposit","anonymous":false,"inputs":[
  {"name":"dst","type":"address","indexed":true},
  {"name":"wad","type":"uint256","indexed":false}]},
 {"type":"event","name":"Withdrawal","anonymous":false,"inputs":[
  {"name":"src","type":"address","indexed":true},
  {"name":"wad","type":"uint256","indexed":false}]}
]`)

type transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

type approval struct {
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

type deposit struct {
	Dst common.Address
	Wad *big.Int
}

type withdrawal struct {
	Src common.Address
	Wad *big.Int
}

// Handler watches the wrapped native token, the only currency bids use.
type Handler struct {
	weth common.Address
}

var _ events.ProtocolHandler = (*Handler)(nil)

// New creates a Handler for the token at weth.
func New(weth common.Address) *Handler {
	return &Handler{weth: weth}
}

func (h *Handler) Definitions() []events.Definition {
	return []events.Definition{
		events.Define(wethABI, "Transfer", domain.ERC20Transfer, h.weth),
		events.Define(wethABI, "Approval", domain.ERC20Approval, h.weth),
		events.Define(wethABI, "Deposit", domain.WETHDeposit, h.weth),
		events.Define(wethABI, "Withdrawal", domain.WETHWithdrawal, h.weth),
	}
}

func (h *Handler) Handle(_ context.Context, env *events.Env, ev domain.RawEvent) error {
	switch ev.SubKind {
	case domain.ERC20Transfer:
		var t transfer
		if err := events.UnpackLog(wethABI, &t, "Transfer", ev.Log); err != nil {
			return err
		}
		h.balanceChange(env, ev, t.From)
		h.balanceChange(env, ev, t.To)
		env.NoteCurrencyTransfer(events.Hex(t.From))
		return nil

	case domain.ERC20Approval:
		var a approval
		if err := events.UnpackLog(wethABI, &a, "Approval", ev.Log); err != nil {
			return err
		}
		// A transfer earlier in the transaction already revalidates the
		// owner's bids, approvals included.
		if env.SentCurrency(events.Hex(a.Owner)) {
			return nil
		}
		env.Acc.AddMakerInfo(domain.MakerUpdate{
			Maker:     events.Hex(a.Owner),
			Contract:  events.Hex(h.weth),
			Operator:  events.Hex(a.Spender),
			Kind:      domain.MakerApprovalChange,
			TxHash:    ev.Base.TxHash,
			Timestamp: ev.Base.Timestamp,
		})
		return nil

	case domain.WETHDeposit:
		var d deposit
		if err := events.UnpackLog(wethABI, &d, "Deposit", ev.Log); err != nil {
			return err
		}
		h.balanceChange(env, ev, d.Dst)
		return nil

	case domain.WETHWithdrawal:
		var w withdrawal
		if err := events.UnpackLog(wethABI, &w, "Withdrawal", ev.Log); err != nil {
			return err
		}
		h.balanceChange(env, ev, w.Src)
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.SubKind)
}

func (h *Handler) balanceChange(env *events.Env, ev domain.RawEvent, owner common.Address) {
	if owner == (common.Address{}) {
		return
	}
	env.Acc.AddMakerInfo(domain.MakerUpdate{
		Maker:     events.Hex(owner),
		Contract:  events.Hex(h.weth),
		Kind:      domain.MakerBalanceChange,
		TxHash:    ev.Base.TxHash,
		Timestamp: ev.Base.Timestamp,
	})
}
