package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

const erc721ABIJSON = `[
{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"name":"isApprovedForAll","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"name":"supportsInterface","type":"function","stateMutability":"view","inputs":[{"name":"interfaceId","type":"bytes4"}],"outputs":[{"name":"","type":"bool"}]},
{"name":"royaltyInfo","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"salePrice","type":"uint256"}],"outputs":[{"name":"receiver","type":"address"},{"name":"royaltyAmount","type":"uint256"}]}
]`

const erc1155ABIJSON = `[
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABIJSON = `[
{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	erc721ABI  = mustABI(erc721ABIJSON)
	erc1155ABI = mustABI(erc1155ABIJSON)
	erc20ABI   = mustABI(erc20ABIJSON)

	interfaceERC721  = [4]byte{0x80, 0xac, 0x58, 0xcd}
	interfaceERC1155 = [4]byte{0xd9, 0xb6, 0x7a, 0x26}
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

func (c *Client) call(ctx context.Context, a abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	var out []byte
	err = c.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: call %s on %s: %w", method, to.Hex(), err)
	}

	res, err := a.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s on %s: %w", method, to.Hex(), err)
	}
	return res, nil
}

// OwnerOf returns the ERC-721 owner of a token.
func (c *Client) OwnerOf(ctx context.Context, contract common.Address, tokenID *big.Int) (common.Address, error) {
	res, err := c.call(ctx, erc721ABI, contract, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return res[0].(common.Address), nil
}

// ERC1155Balance returns account's balance of one ERC-1155 id.
func (c *Client) ERC1155Balance(ctx context.Context, contract, account common.Address, tokenID *big.Int) (*big.Int, error) {
	res, err := c.call(ctx, erc1155ABI, contract, "balanceOf", account, tokenID)
	if err != nil {
		return nil, err
	}
	return res[0].(*big.Int), nil
}

// IsApprovedForAll reports whether operator may move owner's tokens. The
// signature is shared by ERC-721 and ERC-1155.
func (c *Client) IsApprovedForAll(ctx context.Context, contract, owner, operator common.Address) (bool, error) {
	res, err := c.call(ctx, erc721ABI, contract, "isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	return res[0].(bool), nil
}

// ERC20Balance returns owner's balance of an ERC-20 token.
func (c *Client) ERC20Balance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	res, err := c.call(ctx, erc20ABI, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return res[0].(*big.Int), nil
}

// ERC20Allowance returns how much spender may pull from owner.
func (c *Client) ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	res, err := c.call(ctx, erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return res[0].(*big.Int), nil
}

// ContractKind detects the token standard through ERC-165.
func (c *Client) ContractKind(ctx context.Context, contract common.Address) (domain.ContractKind, error) {
	res, err := c.call(ctx, erc721ABI, contract, "supportsInterface", interfaceERC1155)
	if err == nil && res[0].(bool) {
		return domain.ContractERC1155, nil
	}
	res, err = c.call(ctx, erc721ABI, contract, "supportsInterface", interfaceERC721)
	if err != nil {
		return "", err
	}
	if res[0].(bool) {
		return domain.ContractERC721, nil
	}
	return "", fmt.Errorf("chain: %s supports neither erc721 nor erc1155: %w", contract.Hex(), domain.ErrNotFound)
}

// RoyaltyInfo queries EIP-2981 for the royalty owed on salePrice.
func (c *Client) RoyaltyInfo(ctx context.Context, contract common.Address, tokenID, salePrice *big.Int) (common.Address, *big.Int, error) {
	res, err := c.call(ctx, erc721ABI, contract, "royaltyInfo", tokenID, salePrice)
	if err != nil {
		return common.Address{}, nil, err
	}
	return res[0].(common.Address), res[1].(*big.Int), nil
}
