package orders

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// StateReader reads the on-chain state fillability depends on.
type StateReader interface {
	ContractKind(ctx context.Context, contract common.Address) (domain.ContractKind, error)
	OwnerOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, error)
	ERC1155Balance(ctx context.Context, contract, account common.Address, tokenID *big.Int) (*big.Int, error)
	IsApprovedForAll(ctx context.Context, contract, owner, operator common.Address) (bool, error)
	ERC20Balance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// FillabilityInput is what a fillability check needs to know about an order.
type FillabilityInput struct {
	Side         domain.OrderSide
	ContractKind domain.ContractKind
	Contract     common.Address
	TokenID      *big.Int // sells only
	Amount       *big.Int
	Maker        common.Address
	Operator     common.Address
	Currency     common.Address // buys only
	Price        *big.Int       // buys only, in currency units
}

// Checker classifies an order's fillability and approval from chain state.
type Checker struct {
	state StateReader
}

// NewChecker creates a Checker.
func NewChecker(state StateReader) *Checker {
	return &Checker{state: state}
}

// Check returns the order's fillability and approval status. Errors are
// chain read failures, not negative answers.
func (c *Checker) Check(ctx context.Context, in FillabilityInput) (domain.FillabilityStatus, domain.ApprovalStatus, error) {
	fillability := domain.FillabilityFillable
	approval := domain.ApprovalApproved

	if in.Side == domain.OrderSideSell {
		if in.TokenID == nil {
			return "", "", fmt.Errorf("orders: sell order without token id")
		}
		amount := in.Amount
		if amount == nil {
			amount = big.NewInt(1)
		}
		switch in.ContractKind {
		case domain.ContractERC1155:
			bal, err := c.state.ERC1155Balance(ctx, in.Contract, in.Maker, in.TokenID)
			if err != nil {
				return "", "", fmt.Errorf("orders: erc1155 balance: %w", err)
			}
			if bal.Cmp(amount) < 0 {
				fillability = domain.FillabilityNoBalance
			}
		default:
			owner, err := c.state.OwnerOf(ctx, in.Contract, in.TokenID)
			if err != nil {
				return "", "", fmt.Errorf("orders: owner of: %w", err)
			}
			if owner != in.Maker {
				fillability = domain.FillabilityNoBalance
			}
		}

		ok, err := c.state.IsApprovedForAll(ctx, in.Contract, in.Maker, in.Operator)
		if err != nil {
			return "", "", fmt.Errorf("orders: approval: %w", err)
		}
		if !ok {
			approval = domain.ApprovalNoApproval
		}
		return fillability, approval, nil
	}

	if in.Price == nil {
		return "", "", fmt.Errorf("orders: buy order without price")
	}
	bal, err := c.state.ERC20Balance(ctx, in.Currency, in.Maker)
	if err != nil {
		return "", "", fmt.Errorf("orders: erc20 balance: %w", err)
	}
	if bal.Cmp(in.Price) < 0 {
		fillability = domain.FillabilityNoBalance
	}
	allowance, err := c.state.ERC20Allowance(ctx, in.Currency, in.Maker, in.Operator)
	if err != nil {
		return "", "", fmt.Errorf("orders: erc20 allowance: %w", err)
	}
	if allowance.Cmp(in.Price) < 0 {
		approval = domain.ApprovalNoApproval
	}
	return fillability, approval, nil
}

// InputFor builds the check input of a stored order.
func InputFor(o domain.CanonicalOrder, kind domain.ContractKind, tokenID *big.Int) FillabilityInput {
	in := FillabilityInput{
		Side:         o.Side,
		ContractKind: kind,
		Contract:     common.HexToAddress(o.Contract),
		TokenID:      tokenID,
		Amount:       o.QuantityRemaining,
		Maker:        common.HexToAddress(o.Maker),
		Operator:     common.HexToAddress(o.Conduit),
		Currency:     common.HexToAddress(o.Currency),
		Price:        o.CurrencyPrice,
	}
	if in.Price == nil {
		in.Price = o.Price
	}
	return in
}
