package memory

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	db := New()
	ctx := context.Background()
	orders := db.Orders()

	_, err := orders.InsertBatch(ctx, []domain.CanonicalOrder{{
		ID: "o1", Kind: domain.OrderKindSeaport, Side: domain.OrderSideSell,
		FillabilityStatus: domain.FillabilityFillable, ApprovalStatus: domain.ApprovalApproved,
		QuantityRemaining: big.NewInt(1), QuantityFilled: new(big.Int),
	}})
	require.NoError(t, err)

	changed, err := orders.UpdateFillability(ctx, "o1", domain.FillabilityCancelled, false)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = orders.UpdateFillability(ctx, "o1", domain.FillabilityFillable, false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = orders.UpdateFillability(ctx, "o1", domain.FillabilityFillable, true)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestLiveFillabilityLeavesTerminalOrders(t *testing.T) {
	db := New()
	ctx := context.Background()
	orders := db.Orders()

	_, err := orders.InsertBatch(ctx, []domain.CanonicalOrder{
		{ID: "live", FillabilityStatus: domain.FillabilityNoBalance},
		{ID: "gone", FillabilityStatus: domain.FillabilityCancelled},
	})
	require.NoError(t, err)

	changed, err := orders.UpdateLiveFillability(ctx, "live", domain.FillabilityFillable)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = orders.UpdateLiveFillability(ctx, "gone", domain.FillabilityFillable)
	require.NoError(t, err)
	assert.False(t, changed)

	o, err := orders.GetByID(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, domain.FillabilityCancelled, o.FillabilityStatus)
}

func TestFillInsertConsumesOrderOnce(t *testing.T) {
	db := New()
	ctx := context.Background()

	_, err := db.Orders().InsertBatch(ctx, []domain.CanonicalOrder{{
		ID: "o1", FillabilityStatus: domain.FillabilityFillable, QuantityRemaining: big.NewInt(3),
	}})
	require.NoError(t, err)

	fill := domain.FillEvent{OrderID: "o1", Amount: big.NewInt(2), Base: domain.BaseEventParams{TxHash: "0x01"}}
	inserted, err := db.Fills().InsertBatch(ctx, []domain.FillEvent{fill})
	require.NoError(t, err)
	assert.Len(t, inserted, 1)

	inserted, err = db.Fills().InsertBatch(ctx, []domain.FillEvent{fill})
	require.NoError(t, err)
	assert.Empty(t, inserted)

	o, err := db.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "1", o.QuantityRemaining.String())
	assert.Equal(t, domain.FillabilityFillable, o.FillabilityStatus)

	_, err = db.Fills().InsertBatch(ctx, []domain.FillEvent{{
		OrderID: "o1", Amount: big.NewInt(1), Base: domain.BaseEventParams{TxHash: "0x02"},
	}})
	require.NoError(t, err)
	o, err = db.Orders().GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "0", o.QuantityRemaining.String())
	assert.Equal(t, domain.FillabilityFilled, o.FillabilityStatus)
}

func TestBalancesSkipReplaysAndZeroAddress(t *testing.T) {
	db := New()
	ctx := context.Background()
	b := db.Balances()

	mint := domain.NFTTransfer{
		Contract: "0xC1", TokenID: "1", From: zeroAddress, To: "0xA1", Amount: "1",
		Base: domain.BaseEventParams{TxHash: "0x01", LogIndex: 0},
	}
	move := domain.NFTTransfer{
		Contract: "0xc1", TokenID: "1", From: "0xa1", To: "0xB2", Amount: "1",
		Base: domain.BaseEventParams{TxHash: "0x02", LogIndex: 3},
	}
	require.NoError(t, b.ApplyTransfers(ctx, []domain.NFTTransfer{mint, move, move}))

	owners, err := b.Owners(ctx, "0xc1", "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xb2"}, owners)
}

func TestAggregateWritesAreConditional(t *testing.T) {
	db := New()
	ctx := context.Background()
	a := db.Aggregates()

	ask := domain.AskBid{OrderID: "o1", Value: big.NewInt(10), Maker: "0xa1"}
	changed, err := a.UpdateTokenFloorAsk(ctx, "0xc1", "1", ask)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = a.UpdateTokenFloorAsk(ctx, "0xC1", "1", ask)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := a.GetToken(ctx, "0xc1", "1")
	require.NoError(t, err)
	assert.Equal(t, "o1", got.FloorAsk.OrderID)
}

func TestSourcesUpsertOnDomain(t *testing.T) {
	db := New()
	ctx := context.Background()
	s := db.Sources()

	first, err := s.Create(ctx, domain.Source{Domain: "Market.example", Name: "Market"})
	require.NoError(t, err)
	again, err := s.Create(ctx, domain.Source{Domain: "market.example", Name: "Other"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = s.GetByAddress(ctx, "0x01")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
