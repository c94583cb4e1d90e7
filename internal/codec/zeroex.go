package codec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// ZeroExNativeToken is the placeholder 0x uses for the chain's native coin.
var ZeroExNativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

const (
	zeroExFeeType      = "Fee(address recipient,uint256 amount,bytes feeData)"
	zeroExPropertyType = "Property(address propertyValidator,bytes propertyData)"
)

var (
	zeroExFeeTypeHash      = ethcrypto.Keccak256([]byte(zeroExFeeType))
	zeroExPropertyTypeHash = ethcrypto.Keccak256([]byte(zeroExPropertyType))
	zeroExERC721TypeHash   = ethcrypto.Keccak256([]byte(
		"ERC721Order(uint8 direction,address maker,address taker,uint256 expiry,uint256 nonce,address erc20Token,uint256 erc20TokenAmount,Fee[] fees,address erc721Token,uint256 erc721TokenId,Property[] erc721TokenProperties)" +
			zeroExFeeType + zeroExPropertyType,
	))
	zeroExERC1155TypeHash = ethcrypto.Keccak256([]byte(
		"ERC1155Order(uint8 direction,address maker,address taker,uint256 expiry,uint256 nonce,address erc20Token,uint256 erc20TokenAmount,Fee[] fees,address erc1155Token,uint256 erc1155TokenId,Property[] erc1155TokenProperties,uint128 erc1155TokenAmount)" +
			zeroExFeeType + zeroExPropertyType,
	))
)

// ZeroExFee is an absolute fee paid on top of the erc20 amount.
type ZeroExFee struct {
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
	FeeData   hexutil.Bytes  `json:"feeData"`
}

// ZeroExProperty constrains which token ids a bid accepts.
type ZeroExProperty struct {
	PropertyValidator common.Address `json:"propertyValidator"`
	PropertyData      hexutil.Bytes  `json:"propertyData"`
}

// ZeroExV4Order holds a signed 0x v4 ERC721 or ERC1155 order. Direction 0
// sells, 1 buys.
type ZeroExV4Order struct {
	ERC1155          bool             `json:"erc1155"`
	Direction        uint8            `json:"direction"`
	Maker            common.Address   `json:"maker"`
	Taker            common.Address   `json:"taker"`
	Expiry           *big.Int         `json:"expiry"`
	Nonce            *big.Int         `json:"nonce"`
	ERC20Token       common.Address   `json:"erc20Token"`
	ERC20TokenAmount *big.Int         `json:"erc20TokenAmount"`
	Fees             []ZeroExFee      `json:"fees"`
	NFTToken         common.Address   `json:"nftToken"`
	NFTTokenID       *big.Int         `json:"nftTokenId"`
	NFTProperties    []ZeroExProperty `json:"nftTokenProperties"`
	NFTTokenAmount   *big.Int         `json:"nftTokenAmount,omitempty"`
	Signature        hexutil.Bytes    `json:"signature"`
}

func (ZeroExV4Order) Kind() domain.OrderKind { return domain.OrderKindZeroExV4 }
func (ZeroExV4Order) orderParams()           {}

// ZeroExV4Codec implements Codec for the 0x v4 exchange proxy.
type ZeroExV4Codec struct {
	dep       Deployment
	domainSep []byte
}

var _ Codec[ZeroExV4Order] = (*ZeroExV4Codec)(nil)

// NewZeroExV4Codec creates a codec for a 0x v4 deployment.
func NewZeroExV4Codec(dep Deployment) *ZeroExV4Codec {
	return &ZeroExV4Codec{
		dep:       dep,
		domainSep: domainSeparator("ZeroEx", "1.0.0", dep.ChainID, dep.Exchange),
	}
}

func zeroExStructHash(o ZeroExV4Order) []byte {
	fees := make([][]byte, len(o.Fees))
	for i, f := range o.Fees {
		fees[i] = ethcrypto.Keccak256(concatBytes(
			zeroExFeeTypeHash,
			addressWord(f.Recipient),
			bigIntTo32Bytes(f.Amount),
			hashBytes(f.FeeData),
		))
	}
	props := make([][]byte, len(o.NFTProperties))
	for i, p := range o.NFTProperties {
		props[i] = ethcrypto.Keccak256(concatBytes(
			zeroExPropertyTypeHash,
			addressWord(p.PropertyValidator),
			hashBytes(p.PropertyData),
		))
	}

	typeHash := zeroExERC721TypeHash
	if o.ERC1155 {
		typeHash = zeroExERC1155TypeHash
	}
	parts := [][]byte{
		typeHash,
		uintWord(uint64(o.Direction)),
		addressWord(o.Maker),
		addressWord(o.Taker),
		bigIntTo32Bytes(o.Expiry),
		bigIntTo32Bytes(o.Nonce),
		addressWord(o.ERC20Token),
		bigIntTo32Bytes(o.ERC20TokenAmount),
		hashStructs(fees),
		addressWord(o.NFTToken),
		bigIntTo32Bytes(o.NFTTokenID),
		hashStructs(props),
	}
	if o.ERC1155 {
		parts = append(parts, bigIntTo32Bytes(o.NFTTokenAmount))
	}
	return ethcrypto.Keccak256(concatBytes(parts...))
}

// ID returns the 0x order hash, which is the full EIP-712 digest.
func (c *ZeroExV4Codec) ID(o ZeroExV4Order) (string, error) {
	return hexID(eip712Hash(c.domainSep, zeroExStructHash(o))), nil
}

// VerifySignature checks the maker's EIP-712 signature.
func (c *ZeroExV4Codec) VerifySignature(o ZeroExV4Order) error {
	return verifySigner(eip712Hash(c.domainSep, zeroExStructHash(o)), o.Signature, o.Maker)
}

// Info extracts a 0x listing or bid. Fees are paid by the buyer on top of
// the erc20 amount.
func (c *ZeroExV4Codec) Info(o ZeroExV4Order) (Info, error) {
	if o.ERC20TokenAmount == nil || o.ERC20TokenAmount.Sign() <= 0 {
		return Info{}, fmt.Errorf("%w: zeroex erc20 amount must be positive", ErrStructure)
	}
	if o.Direction > 1 {
		return Info{}, fmt.Errorf("%w: zeroex direction %d", ErrStructure, o.Direction)
	}

	amount := big.NewInt(1)
	kind := domain.ContractERC721
	if o.ERC1155 {
		if o.NFTTokenAmount == nil || o.NFTTokenAmount.Sign() <= 0 {
			return Info{}, fmt.Errorf("%w: zeroex erc1155 amount must be positive", ErrStructure)
		}
		amount = new(big.Int).Set(o.NFTTokenAmount)
		kind = domain.ContractERC1155
	}

	info := Info{
		Maker:        o.Maker,
		Taker:        o.Taker,
		Contract:     o.NFTToken,
		ContractKind: kind,
		Amount:       amount,
		Currency:     o.ERC20Token,
		Nonce:        o.Nonce,
		NonceUnique:  true,
		ValidTo:      unixOrZero(o.Expiry),
		Operator:     c.dep.operator(),
	}
	if o.ERC20Token == ZeroExNativeToken {
		info.Currency = common.Address{}
	}

	for _, f := range o.Fees {
		if f.Amount == nil {
			return Info{}, fmt.Errorf("%w: zeroex fee without amount", ErrStructure)
		}
		info.Fees = append(info.Fees, Fee{Kind: FeeMarketplace, Recipient: f.Recipient, Amount: new(big.Int).Set(f.Amount)})
	}
	info.Price = new(big.Int).Add(o.ERC20TokenAmount, sumFees(info.Fees))

	if o.Direction == 0 {
		info.Side = domain.OrderSideSell
		if len(o.NFTProperties) > 0 {
			return Info{}, fmt.Errorf("%w: zeroex listing with properties", ErrStructure)
		}
		info.TokenSet = TokenSetShape{Kind: domain.TokenSetToken, TokenID: o.NFTTokenID}
		return info, nil
	}

	info.Side = domain.OrderSideBuy
	switch {
	case len(o.NFTProperties) == 0:
		info.TokenSet = TokenSetShape{Kind: domain.TokenSetToken, TokenID: o.NFTTokenID}
	case len(o.NFTProperties) == 1 && o.NFTProperties[0].PropertyValidator == (common.Address{}):
		info.TokenSet = TokenSetShape{Kind: domain.TokenSetContract}
	default:
		return Info{}, fmt.Errorf("%w: zeroex property validators unsupported", ErrStructure)
	}
	return info, nil
}
