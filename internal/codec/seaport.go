package codec

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Seaport item types.
const (
	ItemNative uint8 = iota
	ItemERC20
	ItemERC721
	ItemERC1155
	ItemERC721WithCriteria
	ItemERC1155WithCriteria
)

var (
	seaportOfferItemType         = "OfferItem(uint8 itemType,address token,uint256 identifierOrCriteria,uint256 startAmount,uint256 endAmount)"
	seaportConsiderationItemType = "ConsiderationItem(uint8 itemType,address token,uint256 identifierOrCriteria,uint256 startAmount,uint256 endAmount,address recipient)"

	seaportOfferItemTypeHash         = ethcrypto.Keccak256([]byte(seaportOfferItemType))
	seaportConsiderationItemTypeHash = ethcrypto.Keccak256([]byte(seaportConsiderationItemType))
	seaportOrderTypeHash             = ethcrypto.Keccak256([]byte(
		"OrderComponents(address offerer,address zone,OfferItem[] offer,ConsiderationItem[] consideration,uint8 orderType,uint256 startTime,uint256 endTime,bytes32 zoneHash,uint256 salt,bytes32 conduitKey,uint256 counter)" +
			seaportConsiderationItemType + seaportOfferItemType,
	))
)

// SeaportOfferItem is an item the offerer gives up.
type SeaportOfferItem struct {
	ItemType             uint8          `json:"itemType"`
	Token                common.Address `json:"token"`
	IdentifierOrCriteria *big.Int       `json:"identifierOrCriteria"`
	StartAmount          *big.Int       `json:"startAmount"`
	EndAmount            *big.Int       `json:"endAmount"`
}

// SeaportConsiderationItem is an item the offerer expects to be paid.
type SeaportConsiderationItem struct {
	ItemType             uint8          `json:"itemType"`
	Token                common.Address `json:"token"`
	IdentifierOrCriteria *big.Int       `json:"identifierOrCriteria"`
	StartAmount          *big.Int       `json:"startAmount"`
	EndAmount            *big.Int       `json:"endAmount"`
	Recipient            common.Address `json:"recipient"`
}

// SeaportOrder holds signed Seaport OrderComponents.
type SeaportOrder struct {
	Offerer       common.Address             `json:"offerer"`
	Zone          common.Address             `json:"zone"`
	Offer         []SeaportOfferItem         `json:"offer"`
	Consideration []SeaportConsiderationItem `json:"consideration"`
	OrderType     uint8                      `json:"orderType"`
	StartTime     *big.Int                   `json:"startTime"`
	EndTime       *big.Int                   `json:"endTime"`
	ZoneHash      common.Hash                `json:"zoneHash"`
	Salt          *big.Int                   `json:"salt"`
	ConduitKey    common.Hash                `json:"conduitKey"`
	Counter       *big.Int                   `json:"counter"`
	Signature     hexutil.Bytes              `json:"signature"`

	// CriteriaTokenIDs lists the leaves of a merkle criteria bid. Not signed.
	CriteriaTokenIDs []*big.Int `json:"criteriaTokenIds,omitempty"`
}

func (SeaportOrder) Kind() domain.OrderKind { return domain.OrderKindSeaport }
func (SeaportOrder) orderParams()           {}

// SeaportCodec implements Codec for Seaport 1.5.
type SeaportCodec struct {
	dep       Deployment
	domainSep []byte
	conduits  map[common.Hash]common.Address
}

var _ Codec[SeaportOrder] = (*SeaportCodec)(nil)

// NewSeaportCodec creates a codec for a Seaport deployment. conduits maps
// conduit keys to conduit addresses; the zero key uses the exchange.
func NewSeaportCodec(dep Deployment, conduits map[common.Hash]common.Address) *SeaportCodec {
	return &SeaportCodec{
		dep:       dep,
		domainSep: domainSeparator("Seaport", "1.5", dep.ChainID, dep.Exchange),
		conduits:  conduits,
	}
}

func seaportStructHash(o SeaportOrder) []byte {
	offer := make([][]byte, len(o.Offer))
	for i, it := range o.Offer {
		offer[i] = ethcrypto.Keccak256(concatBytes(
			seaportOfferItemTypeHash,
			uintWord(uint64(it.ItemType)),
			addressWord(it.Token),
			bigIntTo32Bytes(it.IdentifierOrCriteria),
			bigIntTo32Bytes(it.StartAmount),
			bigIntTo32Bytes(it.EndAmount),
		))
	}
	consideration := make([][]byte, len(o.Consideration))
	for i, it := range o.Consideration {
		consideration[i] = ethcrypto.Keccak256(concatBytes(
			seaportConsiderationItemTypeHash,
			uintWord(uint64(it.ItemType)),
			addressWord(it.Token),
			bigIntTo32Bytes(it.IdentifierOrCriteria),
			bigIntTo32Bytes(it.StartAmount),
			bigIntTo32Bytes(it.EndAmount),
			addressWord(it.Recipient),
		))
	}

	return ethcrypto.Keccak256(concatBytes(
		seaportOrderTypeHash,
		addressWord(o.Offerer),
		addressWord(o.Zone),
		hashStructs(offer),
		hashStructs(consideration),
		uintWord(uint64(o.OrderType)),
		bigIntTo32Bytes(o.StartTime),
		bigIntTo32Bytes(o.EndTime),
		hashWord(o.ZoneHash),
		bigIntTo32Bytes(o.Salt),
		hashWord(o.ConduitKey),
		bigIntTo32Bytes(o.Counter),
	))
}

// ID returns the Seaport order hash, as emitted by OrderFulfilled.
func (c *SeaportCodec) ID(o SeaportOrder) (string, error) {
	return hexID(seaportStructHash(o)), nil
}

// VerifySignature checks the offerer's EIP-712 signature.
func (c *SeaportCodec) VerifySignature(o SeaportOrder) error {
	return verifySigner(eip712Hash(c.domainSep, seaportStructHash(o)), o.Signature, o.Offerer)
}

func isNFTItem(t uint8) bool {
	return t >= ItemERC721 && t <= ItemERC1155WithCriteria
}

func seaportContractKind(t uint8) domain.ContractKind {
	if t == ItemERC1155 || t == ItemERC1155WithCriteria {
		return domain.ContractERC1155
	}
	return domain.ContractERC721
}

func unixOrZero(v *big.Int) int64 {
	if v == nil || !v.IsInt64() || v.Int64() == math.MaxInt64 {
		return 0
	}
	return v.Int64()
}

// Info extracts a single-NFT listing or a token/criteria bid. Orders with
// dynamic amounts or bundles are rejected.
func (c *SeaportCodec) Info(o SeaportOrder) (Info, error) {
	if len(o.Offer) != 1 || len(o.Consideration) == 0 {
		return Info{}, fmt.Errorf("%w: seaport expects one offer item and at least one consideration item", ErrStructure)
	}
	for _, it := range o.Offer {
		if it.StartAmount == nil || it.EndAmount == nil || it.StartAmount.Cmp(it.EndAmount) != 0 {
			return Info{}, fmt.Errorf("%w: seaport dynamic offer amounts", ErrStructure)
		}
	}
	for _, it := range o.Consideration {
		if it.StartAmount == nil || it.EndAmount == nil || it.StartAmount.Cmp(it.EndAmount) != 0 {
			return Info{}, fmt.Errorf("%w: seaport dynamic consideration amounts", ErrStructure)
		}
	}

	operator := c.dep.operator()
	if o.ConduitKey != (common.Hash{}) {
		conduit, ok := c.conduits[o.ConduitKey]
		if !ok {
			return Info{}, fmt.Errorf("%w: unknown seaport conduit %s", ErrStructure, o.ConduitKey.Hex())
		}
		operator = conduit
	}

	info := Info{
		Maker:     o.Offerer,
		ValidFrom: unixOrZero(o.StartTime),
		ValidTo:   unixOrZero(o.EndTime),
		BulkNonce: o.Counter,
		Operator:  operator,
		Conduit:   o.ConduitKey.Hex(),
	}

	offer := o.Offer[0]
	switch {
	case isNFTItem(offer.ItemType):
		if offer.ItemType != ItemERC721 && offer.ItemType != ItemERC1155 {
			return Info{}, fmt.Errorf("%w: seaport criteria listings", ErrStructure)
		}
		currency := o.Consideration[0].Token
		currencyType := o.Consideration[0].ItemType
		price := new(big.Int)
		for _, it := range o.Consideration {
			if it.ItemType != currencyType || it.Token != currency || (it.ItemType != ItemNative && it.ItemType != ItemERC20) {
				return Info{}, fmt.Errorf("%w: seaport listing paid in mixed items", ErrStructure)
			}
			price.Add(price, it.StartAmount)
			if it.Recipient != o.Offerer {
				info.Fees = append(info.Fees, Fee{Kind: FeeMarketplace, Recipient: it.Recipient, Amount: new(big.Int).Set(it.StartAmount)})
			}
		}
		info.Side = domain.OrderSideSell
		info.Contract = offer.Token
		info.ContractKind = seaportContractKind(offer.ItemType)
		info.TokenSet = TokenSetShape{Kind: domain.TokenSetToken, TokenID: offer.IdentifierOrCriteria}
		info.Amount = new(big.Int).Set(offer.StartAmount)
		info.Currency = currency
		info.Price = price

	case offer.ItemType == ItemERC20:
		nft := o.Consideration[0]
		if !isNFTItem(nft.ItemType) || nft.Recipient != o.Offerer {
			return Info{}, fmt.Errorf("%w: seaport bid must request an nft for the offerer", ErrStructure)
		}
		for _, it := range o.Consideration[1:] {
			if it.ItemType != ItemERC20 || it.Token != offer.Token {
				return Info{}, fmt.Errorf("%w: seaport bid fees in foreign currency", ErrStructure)
			}
			info.Fees = append(info.Fees, Fee{Kind: FeeMarketplace, Recipient: it.Recipient, Amount: new(big.Int).Set(it.StartAmount)})
		}

		info.Side = domain.OrderSideBuy
		info.Contract = nft.Token
		info.ContractKind = seaportContractKind(nft.ItemType)
		info.Amount = new(big.Int).Set(nft.StartAmount)
		info.Currency = offer.Token
		info.Price = new(big.Int).Set(offer.StartAmount)

		switch {
		case nft.ItemType == ItemERC721 || nft.ItemType == ItemERC1155:
			info.TokenSet = TokenSetShape{Kind: domain.TokenSetToken, TokenID: nft.IdentifierOrCriteria}
		case nft.IdentifierOrCriteria == nil || nft.IdentifierOrCriteria.Sign() == 0:
			info.TokenSet = TokenSetShape{Kind: domain.TokenSetContract}
		default:
			if len(o.CriteriaTokenIDs) == 0 {
				return Info{}, fmt.Errorf("%w: seaport criteria bid without token list", ErrStructure)
			}
			info.TokenSet = TokenSetShape{
				Kind:       domain.TokenSetList,
				TokenIDs:   o.CriteriaTokenIDs,
				MerkleRoot: common.BigToHash(nft.IdentifierOrCriteria),
			}
		}

	default:
		return Info{}, fmt.Errorf("%w: seaport offer item type %d", ErrStructure, offer.ItemType)
	}

	if info.Amount.Sign() <= 0 {
		return Info{}, fmt.Errorf("%w: seaport zero amount", ErrStructure)
	}
	return info, nil
}
