package memory

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// FillStore implements domain.FillStore.
type FillStore struct{ db *DB }

var _ domain.FillStore = (*FillStore)(nil)

func (s *FillStore) InsertBatch(_ context.Context, fills []domain.FillEvent) ([]domain.FillEvent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var inserted []domain.FillEvent
	for _, f := range fills {
		if _, ok := s.db.fills[f.Key()]; ok {
			continue
		}
		s.db.fills[f.Key()] = f
		if f.OrderID != "" {
			s.db.consumeFill(f.OrderID, f.Amount)
		}
		inserted = append(inserted, f)
	}
	return inserted, nil
}

func (s *FillStore) MarkDeleted(_ context.Context, keys []domain.FillKey) ([]domain.FillEvent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var changed []domain.FillEvent
	for _, k := range keys {
		f, ok := s.db.fills[k]
		if !ok || f.IsDeleted {
			continue
		}
		f.IsDeleted = true
		s.db.fills[k] = f
		changed = append(changed, f)
	}
	return changed, nil
}

func (s *FillStore) ListBetween(_ context.Context, from, to time.Time) ([]domain.FillEvent, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.FillEvent
	for _, f := range s.db.fills {
		if f.Base.Timestamp >= from.Unix() && f.Base.Timestamp < to.Unix() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Base, out[j].Base
		if a.Block != b.Block {
			return a.Block < b.Block
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.BatchIndex < b.BatchIndex
	})
	return out, nil
}

// AggregateStore implements domain.AggregateStore.
type AggregateStore struct{ db *DB }

var _ domain.AggregateStore = (*AggregateStore)(nil)

func (s *AggregateStore) GetToken(_ context.Context, contract, tokenID string) (domain.TokenAggregate, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	a, ok := s.db.tokens[tokenKey{lower(contract), tokenID}]
	if !ok {
		return domain.TokenAggregate{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *AggregateStore) updateToken(contract, tokenID string, v domain.AskBid, floor bool) bool {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	k := tokenKey{lower(contract), tokenID}
	a, ok := s.db.tokens[k]
	if !ok {
		a = domain.TokenAggregate{Contract: k.contract, TokenID: tokenID}
	}
	v.Value = cloneInt(v.Value)
	v.Maker = lower(v.Maker)
	if floor {
		if ok && a.FloorAsk.Equal(v) {
			return false
		}
		a.FloorAsk = v
	} else {
		if ok && a.TopBid.Equal(v) {
			return false
		}
		a.TopBid = v
	}
	s.db.tokens[k] = a
	return true
}

func (s *AggregateStore) UpdateTokenFloorAsk(_ context.Context, contract, tokenID string, ask domain.AskBid) (bool, error) {
	return s.updateToken(contract, tokenID, ask, true), nil
}

func (s *AggregateStore) UpdateTokenTopBid(_ context.Context, contract, tokenID string, bid domain.AskBid) (bool, error) {
	return s.updateToken(contract, tokenID, bid, false), nil
}

func (s *AggregateStore) ListTokens(_ context.Context, contract string) ([]domain.TokenAggregate, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.TokenAggregate
	for k, a := range s.db.tokens {
		if k.contract == lower(contract) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return cmpNum(out[i].TokenID, out[j].TokenID) < 0 })
	return out, nil
}

func (s *AggregateStore) GetCollection(_ context.Context, id string) (domain.CollectionAggregate, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	a, ok := s.db.collections[lower(id)]
	if !ok {
		return domain.CollectionAggregate{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *AggregateStore) UpdateCollection(_ context.Context, agg domain.CollectionAggregate) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	agg.CollectionID = lower(agg.CollectionID)
	cur, ok := s.db.collections[agg.CollectionID]
	if ok && cur.FloorAsk.Equal(agg.FloorAsk) && cur.TopBid.Equal(agg.TopBid) {
		return false, nil
	}
	s.db.collections[agg.CollectionID] = agg
	return true, nil
}

// BalanceStore implements domain.BalanceStore.
type BalanceStore struct{ db *DB }

var _ domain.BalanceStore = (*BalanceStore)(nil)

func (s *BalanceStore) move(k tokenKey, owner string, delta *big.Int) {
	owners, ok := s.db.balances[k]
	if !ok {
		owners = make(map[string]*big.Int)
		s.db.balances[k] = owners
	}
	bal := new(big.Int)
	if cur, ok := owners[owner]; ok {
		bal.Set(cur)
	}
	bal.Add(bal, delta)
	if bal.Sign() < 0 {
		bal.SetInt64(0)
	}
	owners[owner] = bal
}

func (s *BalanceStore) ApplyTransfers(_ context.Context, transfers []domain.NFTTransfer) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range transfers {
		key := domain.FillKey{TxHash: lower(t.Base.TxHash), LogIndex: t.Base.LogIndex, BatchIndex: t.Base.BatchIndex}
		if s.db.transfers[key] {
			continue
		}
		s.db.transfers[key] = true

		amount, ok := new(big.Int).SetString(t.Amount, 10)
		if !ok {
			continue
		}
		k := tokenKey{lower(t.Contract), t.TokenID}
		if from := lower(t.From); from != zeroAddress {
			s.move(k, from, new(big.Int).Neg(amount))
		}
		if to := lower(t.To); to != zeroAddress {
			s.move(k, to, amount)
		}
	}
	return nil
}

func (s *BalanceStore) Owners(_ context.Context, contract, tokenID string) ([]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []string
	for owner, bal := range s.db.balances[tokenKey{lower(contract), tokenID}] {
		if bal.Sign() > 0 {
			out = append(out, owner)
		}
	}
	sort.Strings(out)
	return out, nil
}
