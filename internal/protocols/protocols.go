// Package protocols assembles the sub kind routing table from the
// individual protocol handlers.
package protocols

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/events"
	"github.com/alanyoungcy/nftbook/internal/fills"
	"github.com/alanyoungcy/nftbook/internal/protocols/blur"
	"github.com/alanyoungcy/nftbook/internal/protocols/blurv2"
	"github.com/alanyoungcy/nftbook/internal/protocols/erc1155"
	"github.com/alanyoungcy/nftbook/internal/protocols/erc20"
	"github.com/alanyoungcy/nftbook/internal/protocols/erc721"
	"github.com/alanyoungcy/nftbook/internal/protocols/looksrare"
	"github.com/alanyoungcy/nftbook/internal/protocols/seaport"
	"github.com/alanyoungcy/nftbook/internal/protocols/x2y2"
	"github.com/alanyoungcy/nftbook/internal/protocols/zeroex"
)

// Addresses holds the deployed contracts events are filtered by.
type Addresses struct {
	Seaport     common.Address
	Blur        common.Address
	BlurV2      common.Address
	ZeroExV4    common.Address
	LooksRareV2 common.Address
	X2Y2        common.Address
	WETH        common.Address
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Addresses  Addresses
	Reconciler *fills.Reconciler
	Orders     zeroex.OrderFinder
}

// Handlers returns the routing table. Every sub kind appears exactly once;
// handlers owning several sub kinds are shared between their entries.
func Handlers(d Deps) map[domain.EventSubKind]events.ProtocolHandler {
	sp := seaport.New(d.Addresses.Seaport, d.Reconciler)
	bl := blur.New(d.Addresses.Blur, d.Reconciler)
	bl2 := blurv2.New(d.Addresses.BlurV2, d.Addresses.WETH, d.Reconciler)
	zx := zeroex.New(d.Addresses.ZeroExV4, d.Orders, d.Reconciler)
	lr := looksrare.New(d.Addresses.LooksRareV2, d.Reconciler)
	xy := x2y2.New(d.Addresses.X2Y2, d.Reconciler)
	weth := erc20.New(d.Addresses.WETH)
	nft := erc721.New()
	semi := erc1155.New()

	return map[domain.EventSubKind]events.ProtocolHandler{
		domain.SeaportOrderFulfilled:     sp,
		domain.SeaportOrderCancelled:     sp,
		domain.SeaportCounterIncremented: sp,
		domain.SeaportOrdersMatched:      sp,

		domain.BlurOrdersMatched:    bl,
		domain.BlurOrderCancelled:   bl,
		domain.BlurNonceIncremented: bl,

		domain.BlurV2Execution: bl2,

		domain.ZeroExV4ERC721OrderFilled:     zx,
		domain.ZeroExV4ERC1155OrderFilled:    zx,
		domain.ZeroExV4ERC721OrderCancelled:  zx,
		domain.ZeroExV4ERC1155OrderCancelled: zx,

		domain.LooksRareV2TakerAsk:              lr,
		domain.LooksRareV2TakerBid:              lr,
		domain.LooksRareV2NewBidAskNonces:       lr,
		domain.LooksRareV2OrderNoncesCancelled:  lr,
		domain.LooksRareV2SubsetNoncesCancelled: lr,

		domain.X2Y2OrderInventory: xy,
		domain.X2Y2OrderCancelled: xy,

		domain.ERC20Transfer:  weth,
		domain.ERC20Approval:  weth,
		domain.WETHDeposit:    weth,
		domain.WETHWithdrawal: weth,

		domain.ERC721Transfer: nft,
		domain.ApprovalForAll: nft,

		domain.ERC1155TransferSingle: semi,
		domain.ERC1155TransferBatch:  semi,
	}
}
