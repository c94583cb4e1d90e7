// Package codec decodes, hashes and verifies protocol-specific order
// parameters. Each protocol has its own params type and codec, and the
// OrderParams interface is sealed so a normalizer cannot mix fields across
// protocols.
package codec

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

var (
	// ErrStructure marks params that are malformed or unsupported.
	ErrStructure = errors.New("codec: invalid order structure")
	// ErrSignature marks a signature that does not match the maker.
	ErrSignature = errors.New("codec: invalid signature")
)

// OrderParams is implemented only by the protocol params in this package.
type OrderParams interface {
	Kind() domain.OrderKind
	orderParams()
}

// FeeKind distinguishes marketplace fees from creator royalties.
type FeeKind string

const (
	FeeMarketplace FeeKind = "marketplace"
	FeeRoyalty     FeeKind = "royalty"
)

// Fee is an absolute fee amount in the order currency.
type Fee struct {
	Kind      FeeKind
	Recipient common.Address
	Amount    *big.Int
}

// TokenSetShape describes which tokens an order targets.
type TokenSetShape struct {
	Kind       domain.TokenSetKind
	TokenID    *big.Int   // token
	StartID    *big.Int   // range
	EndID      *big.Int   // range
	TokenIDs   []*big.Int // list
	MerkleRoot common.Hash
}

// Info is the protocol-agnostic view of an order extracted by a codec.
type Info struct {
	Side         domain.OrderSide
	Maker        common.Address
	Taker        common.Address
	Contract     common.Address
	ContractKind domain.ContractKind // empty when the protocol cannot tell
	TokenSet     TokenSetShape
	Amount       *big.Int // quantity of tokens
	Currency     common.Address
	Price        *big.Int // gross, in currency units, for the full amount
	Fees         []Fee
	Nonce        *big.Int // per-order nonce, nil when the protocol has none
	BulkNonce    *big.Int // counter that bulk cancellations compare against
	SubsetNonce  *big.Int
	NonceUnique  bool // maker+nonce+contract may only be used once
	PriceBound   bool // nonce uniqueness also keys on price
	ValidFrom    int64
	ValidTo      int64 // 0 means no expiry
	Operator     common.Address
	Conduit      string
}

// Codec is the per-protocol capability the normalizer relies on.
type Codec[P OrderParams] interface {
	// ID returns the canonical order id, a pure function of p.
	ID(p P) (string, error)
	// Info validates structure and extracts fillability info. Errors wrap
	// ErrStructure.
	Info(p P) (Info, error)
	// VerifySignature checks the maker signature. Errors wrap ErrSignature.
	VerifySignature(p P) error
}

// Deployment locates a protocol's exchange on one chain.
type Deployment struct {
	ChainID  int64
	Exchange common.Address
	Operator common.Address // approval target when it differs from Exchange
}

func (d Deployment) operator() common.Address {
	if d.Operator != (common.Address{}) {
		return d.Operator
	}
	return d.Exchange
}

func sumFees(fees []Fee) *big.Int {
	total := new(big.Int)
	for _, f := range fees {
		total.Add(total, f.Amount)
	}
	return total
}
