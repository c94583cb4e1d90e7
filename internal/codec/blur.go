package codec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

var (
	blurFeeTypeHash   = ethcrypto.Keccak256([]byte("Fee(uint16 rate,address recipient)"))
	blurOrderTypeHash = ethcrypto.Keccak256([]byte(
		"Order(address trader,uint8 side,address matchingPolicy,address collection,uint256 tokenId,uint256 amount,address paymentToken,uint256 price,uint256 listingTime,uint256 expirationTime,Fee[] fees,uint256 salt,bytes extraParams,uint256 nonce)" +
			"Fee(uint16 rate,address recipient)",
	))
)

// BlurFee is a basis-point fee taken from the sale proceeds.
type BlurFee struct {
	Rate      uint16         `json:"rate"`
	Recipient common.Address `json:"recipient"`
}

// BlurOrder holds a signed Blur exchange order. Side 0 buys, 1 sells.
type BlurOrder struct {
	Trader         common.Address `json:"trader"`
	Side           uint8          `json:"side"`
	MatchingPolicy common.Address `json:"matchingPolicy"`
	Collection     common.Address `json:"collection"`
	TokenID        *big.Int       `json:"tokenId"`
	Amount         *big.Int       `json:"amount"`
	PaymentToken   common.Address `json:"paymentToken"`
	Price          *big.Int       `json:"price"`
	ListingTime    *big.Int       `json:"listingTime"`
	ExpirationTime *big.Int       `json:"expirationTime"`
	Fees           []BlurFee      `json:"fees"`
	Salt           *big.Int       `json:"salt"`
	ExtraParams    hexutil.Bytes  `json:"extraParams"`
	Nonce          *big.Int       `json:"nonce"`
	Signature      hexutil.Bytes  `json:"signature"`
}

func (BlurOrder) Kind() domain.OrderKind { return domain.OrderKindBlur }
func (BlurOrder) orderParams()           {}

// BlurCodec implements Codec for the Blur exchange.
type BlurCodec struct {
	dep       Deployment
	domainSep []byte
}

var _ Codec[BlurOrder] = (*BlurCodec)(nil)

// NewBlurCodec creates a codec for a Blur deployment.
func NewBlurCodec(dep Deployment) *BlurCodec {
	return &BlurCodec{
		dep:       dep,
		domainSep: domainSeparator("Blur Exchange", "1.0", dep.ChainID, dep.Exchange),
	}
}

func blurStructHash(o BlurOrder) []byte {
	fees := make([][]byte, len(o.Fees))
	for i, f := range o.Fees {
		fees[i] = ethcrypto.Keccak256(concatBytes(
			blurFeeTypeHash,
			uintWord(uint64(f.Rate)),
			addressWord(f.Recipient),
		))
	}
	return ethcrypto.Keccak256(concatBytes(
		blurOrderTypeHash,
		addressWord(o.Trader),
		uintWord(uint64(o.Side)),
		addressWord(o.MatchingPolicy),
		addressWord(o.Collection),
		bigIntTo32Bytes(o.TokenID),
		bigIntTo32Bytes(o.Amount),
		addressWord(o.PaymentToken),
		bigIntTo32Bytes(o.Price),
		bigIntTo32Bytes(o.ListingTime),
		bigIntTo32Bytes(o.ExpirationTime),
		hashStructs(fees),
		bigIntTo32Bytes(o.Salt),
		hashBytes(o.ExtraParams),
		bigIntTo32Bytes(o.Nonce),
	))
}

// ID returns the Blur order hash, as emitted by OrdersMatched.
func (c *BlurCodec) ID(o BlurOrder) (string, error) {
	return hexID(blurStructHash(o)), nil
}

// VerifySignature checks the trader's EIP-712 signature.
func (c *BlurCodec) VerifySignature(o BlurOrder) error {
	return verifySigner(eip712Hash(c.domainSep, blurStructHash(o)), o.Signature, o.Trader)
}

// Info extracts a Blur listing or bid. Fees are rates on the price.
func (c *BlurCodec) Info(o BlurOrder) (Info, error) {
	if o.Price == nil || o.Price.Sign() <= 0 || o.Amount == nil || o.Amount.Sign() <= 0 {
		return Info{}, fmt.Errorf("%w: blur price and amount must be positive", ErrStructure)
	}
	if o.Side > 1 {
		return Info{}, fmt.Errorf("%w: blur side %d", ErrStructure, o.Side)
	}

	info := Info{
		Maker:     o.Trader,
		Contract:  o.Collection,
		TokenSet:  TokenSetShape{Kind: domain.TokenSetToken, TokenID: o.TokenID},
		Amount:    new(big.Int).Set(o.Amount),
		Currency:  o.PaymentToken,
		Price:     new(big.Int).Set(o.Price),
		BulkNonce: o.Nonce,
		ValidFrom: unixOrZero(o.ListingTime),
		ValidTo:   unixOrZero(o.ExpirationTime),
		Operator:  c.dep.operator(),
	}
	if o.Side == 0 {
		info.Side = domain.OrderSideBuy
	} else {
		info.Side = domain.OrderSideSell
	}

	for _, f := range o.Fees {
		amount := new(big.Int).Mul(o.Price, big.NewInt(int64(f.Rate)))
		amount.Quo(amount, big.NewInt(10000))
		info.Fees = append(info.Fees, Fee{Kind: FeeRoyalty, Recipient: f.Recipient, Amount: amount})
	}
	return info, nil
}
