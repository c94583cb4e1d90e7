// Package attribution maps a transaction to the front-end, aggregator or
// router that originated or routed its fills.
package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/chain"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

// TxFetcher returns a transaction's top-level call.
type TxFetcher interface {
	Transaction(ctx context.Context, hash common.Hash) (chain.TxInfo, error)
}

// SourceRegistry is the subset of sources.Registry the resolver uses.
type SourceRegistry interface {
	ByAddress(ctx context.Context, address string) (domain.Source, bool, error)
	GetOrCreate(ctx context.Context, domainName, name, address string) (domain.Source, error)
}

// Router is a known aggregator contract. When RecipientArg is set the
// router call carries the end user, who becomes the fill's taker.
type Router struct {
	Address      common.Address
	Domain       string
	Name         string
	abi          *abi.ABI
	recipientArg string
}

// NewRouter builds a Router. abiJSON lists the router entry points and
// recipientArg names the input holding the end user; both may be empty.
func NewRouter(address, domainName, name, abiJSON, recipientArg string) (Router, error) {
	r := Router{
		Address:      common.HexToAddress(address),
		Domain:       strings.ToLower(domainName),
		Name:         name,
		recipientArg: recipientArg,
	}
	if abiJSON != "" {
		parsed, err := abi.JSON(strings.NewReader(abiJSON))
		if err != nil {
			return Router{}, fmt.Errorf("attribution: router %s abi: %w", address, err)
		}
		r.abi = &parsed
	}
	return r, nil
}

// recipient decodes the end user from router calldata.
func (r Router) recipient(input []byte) (common.Address, bool) {
	if r.abi == nil || r.recipientArg == "" || len(input) < 4 {
		return common.Address{}, false
	}
	method, err := r.abi.MethodById(input[:4])
	if err != nil {
		return common.Address{}, false
	}
	args := map[string]any{}
	if err := method.Inputs.UnpackIntoMap(args, input[4:]); err != nil {
		return common.Address{}, false
	}
	addr, ok := args[r.recipientArg].(common.Address)
	if !ok || addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// exchangeDomains names the marketplace that owns each protocol's orders
// when the order itself carries no source.
var exchangeDomains = map[domain.OrderKind]string{
	domain.OrderKindSeaport:     "opensea.io",
	domain.OrderKindBlur:        "blur.io",
	domain.OrderKindBlurV2:      "blur.io",
	domain.OrderKindZeroExV4:    "0x.org",
	domain.OrderKindLooksRareV2: "looksrare.org",
	domain.OrderKindX2Y2:        "x2y2.io",
}

// Options carries what the caller already knows about the fill.
type Options struct {
	OrderSourceID int
}

// Resolver resolves fill attribution.
type Resolver struct {
	sources SourceRegistry
	routers map[common.Address]Router
	logger  *slog.Logger
}

// NewResolver creates a Resolver over a source registry and known routers.
func NewResolver(sources SourceRegistry, routers []Router, logger *slog.Logger) *Resolver {
	m := make(map[common.Address]Router, len(routers))
	for _, r := range routers {
		m[r.Address] = r
	}
	return &Resolver{
		sources: sources,
		routers: m,
		logger:  logger.With(slog.String("component", "attribution")),
	}
}

// Resolve returns the sources behind a fill of kind in tx.
func (r *Resolver) Resolve(ctx context.Context, txs TxFetcher, tx common.Hash, kind domain.OrderKind, opts Options) (domain.Attribution, error) {
	var attr domain.Attribution

	attr.OrderSourceID = opts.OrderSourceID
	if attr.OrderSourceID == 0 {
		if d, ok := exchangeDomains[kind]; ok {
			src, err := r.sources.GetOrCreate(ctx, d, "", "")
			if err != nil {
				return domain.Attribution{}, fmt.Errorf("attribution: order source %s: %w", d, err)
			}
			attr.OrderSourceID = src.ID
		}
	}
	attr.FillSourceID = attr.OrderSourceID

	info, err := txs.Transaction(ctx, tx)
	if err != nil {
		return domain.Attribution{}, fmt.Errorf("attribution: transaction %s: %w", tx.Hex(), err)
	}

	if router, ok := r.routers[info.To]; ok {
		src, err := r.sources.GetOrCreate(ctx, router.Domain, router.Name, router.Address.Hex())
		if err != nil {
			return domain.Attribution{}, fmt.Errorf("attribution: router source %s: %w", router.Domain, err)
		}
		attr.AggregatorSourceID = src.ID
		attr.FillSourceID = src.ID
		if taker, ok := router.recipient(info.Input); ok {
			attr.TakerOverride = strings.ToLower(taker.Hex())
		}
		return attr, nil
	}

	src, ok, err := r.sources.ByAddress(ctx, info.To.Hex())
	if err != nil {
		return domain.Attribution{}, fmt.Errorf("attribution: lookup %s: %w", info.To.Hex(), err)
	}
	if ok {
		attr.AggregatorSourceID = src.ID
		attr.FillSourceID = src.ID
	}
	return attr, nil
}

// Apply copies attribution onto a fill. Only source ids and the taker are
// ever touched.
func Apply(f *domain.FillEvent, a domain.Attribution) {
	if a.OrderSourceID != 0 {
		f.OrderSourceID = a.OrderSourceID
	}
	f.AggregatorSourceID = a.AggregatorSourceID
	f.FillSourceID = a.FillSourceID
	if a.TakerOverride != "" {
		f.Taker = a.TakerOverride
	}
}
