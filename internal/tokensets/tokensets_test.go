package tokensets

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

type memStore struct {
	mu    sync.Mutex
	sets  map[string]domain.TokenSet
	saves int
}

func (m *memStore) GetByID(_ context.Context, id string) (domain.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[id]
	if !ok {
		return domain.TokenSet{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memStore) Save(_ context.Context, set domain.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if _, ok := m.sets[set.ID]; !ok {
		m.sets[set.ID] = set
	}
	return nil
}

var contract = common.HexToAddress("0x00000000000000000000000000000000000000AB")

func TestFromShapeIDs(t *testing.T) {
	token, err := FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetToken, TokenID: big.NewInt(7)})
	require.NoError(t, err)
	assert.Equal(t, "token:0x00000000000000000000000000000000000000ab:7", token.ID)
	require.Len(t, token.Tokens, 1)

	c, id, ok := TokenOf(token.ID)
	require.True(t, ok)
	assert.Equal(t, "0x00000000000000000000000000000000000000ab", c)
	assert.Equal(t, "7", id)

	whole, err := FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetContract})
	require.NoError(t, err)
	assert.Equal(t, "contract:0x00000000000000000000000000000000000000ab", whole.ID)
	_, _, ok = TokenOf(whole.ID)
	assert.False(t, ok)

	rng, err := FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetRange, StartID: big.NewInt(1), EndID: big.NewInt(9)})
	require.NoError(t, err)
	assert.Equal(t, "range:0x00000000000000000000000000000000000000ab:1:9", rng.ID)

	_, err = FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetRange, StartID: big.NewInt(9), EndID: big.NewInt(1)})
	assert.Error(t, err)
}

func TestMerkleRootIsOrderIndependent(t *testing.T) {
	a := MerkleRoot([]*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3)})
	b := MerkleRoot([]*big.Int{big.NewInt(3), big.NewInt(1), big.NewInt(2)})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, MerkleRoot([]*big.Int{big.NewInt(1), big.NewInt(2)}))
}

func TestListShapeChecksRoot(t *testing.T) {
	ids := []*big.Int{big.NewInt(4), big.NewInt(5)}
	set, err := FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetList, TokenIDs: ids, MerkleRoot: MerkleRoot(ids)})
	require.NoError(t, err)
	assert.Len(t, set.Tokens, 2)

	_, err = FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetList, TokenIDs: ids, MerkleRoot: common.HexToHash("0x01")})
	assert.ErrorIs(t, err, ErrMerkleMismatch)
}

func TestResolveReusesExistingSet(t *testing.T) {
	store := &memStore{sets: map[string]domain.TokenSet{}}
	r := NewResolver(store)
	ctx := context.Background()

	set, err := FromShape(contract, codec.TokenSetShape{Kind: domain.TokenSetContract})
	require.NoError(t, err)

	first, err := r.Resolve(ctx, set)
	require.NoError(t, err)
	second, err := r.Resolve(ctx, set)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, store.saves)
}
