package memory

import (
	"context"
	"math/big"
	"slices"
	"sort"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct{ db *DB }

var _ domain.OrderStore = (*OrderStore)(nil)

func (s *OrderStore) Exists(_ context.Context, id string) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	_, ok := s.db.orders[id]
	return ok, nil
}

func (s *OrderStore) GetByID(_ context.Context, id string) (domain.CanonicalOrder, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	o, ok := s.db.orders[id]
	if !ok {
		return domain.CanonicalOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) NonceExists(_ context.Context, kind domain.OrderKind, maker, contract string, nonce, price *big.Int) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, o := range s.db.orders {
		if o.Kind != kind || o.Maker != lower(maker) || o.Contract != lower(contract) {
			continue
		}
		if o.Nonce == nil || nonce == nil || o.Nonce.Cmp(nonce) != 0 {
			continue
		}
		if price != nil && (o.Price == nil || o.Price.Cmp(price) != 0) {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (s *OrderStore) InsertBatch(_ context.Context, orders []domain.CanonicalOrder) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var inserted []string
	now := s.db.now()
	for _, o := range orders {
		if _, ok := s.db.orders[o.ID]; ok {
			continue
		}
		if o.QuantityRemaining == nil {
			o.QuantityRemaining = big.NewInt(1)
		}
		o.QuantityFilled = new(big.Int)
		o.CreatedAt, o.UpdatedAt = now, now
		s.db.orders[o.ID] = o
		inserted = append(inserted, o.ID)
	}
	return inserted, nil
}

func (s *OrderStore) UpdateFillability(_ context.Context, id string, status domain.FillabilityStatus, revalidation bool) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok || !domain.CanTransition(o.FillabilityStatus, status, revalidation) {
		return false, nil
	}
	o.FillabilityStatus = status
	o.UpdatedAt = s.db.now()
	s.db.orders[id] = o
	return true, nil
}

func (s *OrderStore) UpdateLiveFillability(_ context.Context, id string, status domain.FillabilityStatus) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok || o.FillabilityStatus == status || !slices.Contains(domain.LiveStatuses, o.FillabilityStatus) {
		return false, nil
	}
	o.FillabilityStatus = status
	o.UpdatedAt = s.db.now()
	s.db.orders[id] = o
	return true, nil
}

func (s *OrderStore) UpdateApproval(_ context.Context, id string, status domain.ApprovalStatus) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok || o.ApprovalStatus == status {
		return false, nil
	}
	o.ApprovalStatus = status
	o.UpdatedAt = s.db.now()
	s.db.orders[id] = o
	return true, nil
}

// consumeFill must be called with db.mu held.
func (db *DB) consumeFill(id string, amount *big.Int) {
	o, ok := db.orders[id]
	if !ok || amount == nil {
		return
	}
	remaining := new(big.Int).Sub(o.QuantityRemaining, amount)
	if remaining.Sign() <= 0 {
		if domain.CanTransition(o.FillabilityStatus, domain.FillabilityFilled, false) {
			o.FillabilityStatus = domain.FillabilityFilled
		}
		remaining.SetInt64(0)
	}
	o.QuantityRemaining = remaining
	o.QuantityFilled = new(big.Int).Add(o.QuantityFilled, amount)
	o.UpdatedAt = db.now()
	db.orders[id] = o
}

func (s *OrderStore) cancelWhere(match func(domain.CanonicalOrder) bool) []string {
	var ids []string
	for id, o := range s.db.orders {
		if !match(o) || !domain.CanTransition(o.FillabilityStatus, domain.FillabilityCancelled, false) {
			continue
		}
		o.FillabilityStatus = domain.FillabilityCancelled
		o.UpdatedAt = s.db.now()
		s.db.orders[id] = o
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *OrderStore) CancelByNonce(_ context.Context, kind domain.OrderKind, maker string, field domain.NonceField, nonce string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.cancelWhere(func(o domain.CanonicalOrder) bool {
		v := o.Nonce
		if field == domain.NonceFieldSubset {
			v = o.SubsetNonce
		}
		return o.Kind == kind && o.Maker == lower(maker) && v != nil && v.String() == nonce
	}), nil
}

func (s *OrderStore) CancelBelowNonce(_ context.Context, kind domain.OrderKind, maker, minNonce string, side domain.OrderSide) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.cancelWhere(func(o domain.CanonicalOrder) bool {
		return o.Kind == kind && o.Maker == lower(maker) && o.BulkNonce != nil &&
			cmpNum(o.BulkNonce.String(), minNonce) < 0 && (side == "" || o.Side == side)
	}), nil
}

func (s *OrderStore) ListByMaker(_ context.Context, maker, contract string, side domain.OrderSide) ([]domain.CanonicalOrder, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.CanonicalOrder
	for _, o := range s.db.orders {
		if o.Maker != lower(maker) || o.Side != side {
			continue
		}
		if o.FillabilityStatus != domain.FillabilityFillable && o.FillabilityStatus != domain.FillabilityNoBalance {
			continue
		}
		target := o.Contract
		if side == domain.OrderSideBuy {
			target = o.Currency
		}
		if target == lower(contract) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *OrderStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var expired []domain.CanonicalOrder
	for _, o := range s.db.orders {
		if o.Expired(now) && (o.FillabilityStatus == domain.FillabilityFillable || o.FillabilityStatus == domain.FillabilityNoBalance) {
			expired = append(expired, o)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ValidTo.Before(expired[j].ValidTo) })
	ids := make([]string, 0, len(expired))
	for _, o := range expired {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// covers mirrors the token-set join of the SQL store.
func (s *OrderStore) covers(setID, contract, tokenID string) bool {
	set, ok := s.db.tokenSets[setID]
	if !ok || set.Contract != lower(contract) {
		return false
	}
	switch set.Kind {
	case domain.TokenSetContract:
		return true
	case domain.TokenSetRange:
		return cmpNum(set.StartID, tokenID) <= 0 && cmpNum(tokenID, set.EndID) <= 0
	default:
		return slices.ContainsFunc(set.Tokens, func(t domain.TokenRef) bool {
			return t.Contract == lower(contract) && t.TokenID == tokenID
		})
	}
}

func (s *OrderStore) listFillable(side domain.OrderSide, contract, tokenID string) []domain.CanonicalOrder {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.CanonicalOrder
	for _, o := range s.db.orders {
		if o.Side == side && o.Fillable() && s.covers(o.TokenSetID, contract, tokenID) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *OrderStore) ListFillableAsks(_ context.Context, contract, tokenID string) ([]domain.CanonicalOrder, error) {
	return s.listFillable(domain.OrderSideSell, contract, tokenID), nil
}

func (s *OrderStore) ListFillableBids(_ context.Context, contract, tokenID string) ([]domain.CanonicalOrder, error) {
	return s.listFillable(domain.OrderSideBuy, contract, tokenID), nil
}

// TokenSetStore implements domain.TokenSetStore.
type TokenSetStore struct{ db *DB }

var _ domain.TokenSetStore = (*TokenSetStore)(nil)

func (s *TokenSetStore) GetByID(_ context.Context, id string) (domain.TokenSet, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	set, ok := s.db.tokenSets[id]
	if !ok {
		return domain.TokenSet{}, domain.ErrNotFound
	}
	return set, nil
}

func (s *TokenSetStore) Save(_ context.Context, set domain.TokenSet) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tokenSets[set.ID]; !ok {
		set.Contract = lower(set.Contract)
		s.db.tokenSets[set.ID] = set
	}
	return nil
}
