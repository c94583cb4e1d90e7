package sources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

type memStore struct {
	sources []domain.Source
	reads   int
}

func (m *memStore) find(match func(domain.Source) bool) (domain.Source, error) {
	m.reads++
	for _, s := range m.sources {
		if match(s) {
			return s, nil
		}
	}
	return domain.Source{}, domain.ErrNotFound
}

func (m *memStore) GetByID(_ context.Context, id int) (domain.Source, error) {
	return m.find(func(s domain.Source) bool { return s.ID == id })
}

func (m *memStore) GetByDomain(_ context.Context, d string) (domain.Source, error) {
	return m.find(func(s domain.Source) bool { return s.Domain == d })
}

func (m *memStore) GetByAddress(_ context.Context, a string) (domain.Source, error) {
	return m.find(func(s domain.Source) bool { return s.Address == a })
}

func (m *memStore) Create(_ context.Context, src domain.Source) (domain.Source, error) {
	src.ID = len(m.sources) + 1
	m.sources = append(m.sources, src)
	return src, nil
}

func TestGetOrCreateCaches(t *testing.T) {
	store := &memStore{}
	r := NewRegistry(store, 10, time.Minute)
	ctx := context.Background()

	a, err := r.GetOrCreate(ctx, "Blur.io", "", "")
	require.NoError(t, err)
	assert.Equal(t, "blur.io", a.Domain)
	assert.Equal(t, 1, a.ID)

	reads := store.reads
	b, err := r.GetOrCreate(ctx, "blur.io", "", "")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, reads, store.reads)
	assert.Len(t, store.sources, 1)

	got, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, reads, store.reads)
}

func TestByAddressCachesMisses(t *testing.T) {
	store := &memStore{sources: []domain.Source{{ID: 7, Domain: "gem.xyz", Name: "Gem", Address: "0xrouter"}}}
	r := NewRegistry(store, 10, time.Minute)
	ctx := context.Background()

	_, ok, err := r.ByAddress(ctx, "0xunknown")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = r.ByAddress(ctx, "0xUNKNOWN")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.reads)

	src, ok, err := r.ByAddress(ctx, "0xROUTER")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, src.ID)
}

func TestInvalidateForcesReload(t *testing.T) {
	store := &memStore{sources: []domain.Source{{ID: 1, Domain: "opensea.io", Name: "OpenSea"}}}
	r := NewRegistry(store, 10, time.Minute)
	ctx := context.Background()

	src, err := r.Get(ctx, 1)
	require.NoError(t, err)
	store.sources[0].Name = "OpenSea Pro"

	cached, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "OpenSea", cached.Name)

	r.Invalidate(src)
	fresh, err := r.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "OpenSea Pro", fresh.Name)
}
