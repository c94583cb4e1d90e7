package memory

import (
	"context"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// CollectionStore implements domain.CollectionStore.
type CollectionStore struct{ db *DB }

var _ domain.CollectionStore = (*CollectionStore)(nil)

func (s *CollectionStore) GetKind(_ context.Context, contract string) (domain.ContractKind, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	k, ok := s.db.kinds[lower(contract)]
	if !ok {
		return "", domain.ErrNotFound
	}
	return k, nil
}

func (s *CollectionStore) SetKind(_ context.Context, contract string, kind domain.ContractKind) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.kinds[lower(contract)] = kind
	return nil
}

func (s *CollectionStore) GetRoyalties(_ context.Context, contract string) ([]domain.FeeBreakdown, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	r, ok := s.db.royalties[lower(contract)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r, nil
}

func (s *CollectionStore) SetRoyalties(_ context.Context, contract string, royalties []domain.FeeBreakdown) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.royalties[lower(contract)] = royalties
	return nil
}

// CrossPostStore implements domain.CrossPostStore.
type CrossPostStore struct{ db *DB }

var _ domain.CrossPostStore = (*CrossPostStore)(nil)

func (s *CrossPostStore) Upsert(_ context.Context, st domain.CrossPostStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := st.OrderID + "/" + st.Destination
	if cur, ok := s.db.crossPosts[key]; ok {
		st.CreatedAt = cur.CreatedAt
	} else if st.CreatedAt.IsZero() {
		st.CreatedAt = s.db.now()
	}
	st.UpdatedAt = s.db.now()
	s.db.crossPosts[key] = st
	return nil
}

func (s *CrossPostStore) Get(_ context.Context, orderID, destination string) (domain.CrossPostStatus, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	st, ok := s.db.crossPosts[orderID+"/"+destination]
	if !ok {
		return domain.CrossPostStatus{}, domain.ErrNotFound
	}
	return st, nil
}

// SourceStore implements domain.SourceStore.
type SourceStore struct{ db *DB }

var _ domain.SourceStore = (*SourceStore)(nil)

func (s *SourceStore) find(match func(domain.Source) bool) (domain.Source, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, src := range s.db.sources {
		if match(src) {
			return src, nil
		}
	}
	return domain.Source{}, domain.ErrNotFound
}

func (s *SourceStore) GetByID(_ context.Context, id int) (domain.Source, error) {
	return s.find(func(src domain.Source) bool { return src.ID == id })
}

func (s *SourceStore) GetByDomain(_ context.Context, d string) (domain.Source, error) {
	return s.find(func(src domain.Source) bool { return src.Domain == lower(d) })
}

func (s *SourceStore) GetByAddress(_ context.Context, address string) (domain.Source, error) {
	return s.find(func(src domain.Source) bool { return src.Address != "" && src.Address == lower(address) })
}

func (s *SourceStore) Create(_ context.Context, src domain.Source) (domain.Source, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	src.Domain = lower(src.Domain)
	src.Address = lower(src.Address)
	for _, cur := range s.db.sources {
		if cur.Domain == src.Domain {
			return cur, nil
		}
	}
	src.ID = len(s.db.sources) + 1
	s.db.sources = append(s.db.sources, src)
	return src, nil
}

// CursorStore implements domain.CursorStore.
type CursorStore struct{ db *DB }

var _ domain.CursorStore = (*CursorStore)(nil)

func (s *CursorStore) Get(_ context.Context, name string) (uint64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	v, ok := s.db.cursors[name]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

func (s *CursorStore) Set(_ context.Context, name string, block uint64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.cursors[name] = block
	return nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *DB }

var _ domain.AuditStore = (*AuditStore)(nil)

func (s *AuditStore) Record(_ context.Context, entry domain.AuditEntry) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	entry.ID = int64(len(s.db.audit) + 1)
	entry.CreatedAt = s.db.now()
	s.db.audit = append(s.db.audit, entry)
	return nil
}

func (s *AuditStore) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		e := s.db.audit[i]
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Subject != "" && e.Subject != f.Subject {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
