// Package memory implements the domain stores in process memory. It backs
// local runs without PostgreSQL and the package tests of the pipeline.
package memory

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/nftbook/internal/domain"
)

// DB holds every table. Stores returned by its accessors share one lock.
type DB struct {
	mu sync.RWMutex

	orders      map[string]domain.CanonicalOrder
	tokenSets   map[string]domain.TokenSet
	fills       map[domain.FillKey]domain.FillEvent
	tokens      map[tokenKey]domain.TokenAggregate
	collections map[string]domain.CollectionAggregate
	balances    map[tokenKey]map[string]*big.Int
	transfers   map[domain.FillKey]bool
	kinds       map[string]domain.ContractKind
	royalties   map[string][]domain.FeeBreakdown
	crossPosts  map[string]domain.CrossPostStatus
	sources     []domain.Source
	cursors     map[string]uint64
	audit       []domain.AuditEntry

	now func() time.Time
}

type tokenKey struct {
	contract string
	tokenID  string
}

// New creates an empty DB.
func New() *DB {
	return &DB{
		orders:      make(map[string]domain.CanonicalOrder),
		tokenSets:   make(map[string]domain.TokenSet),
		fills:       make(map[domain.FillKey]domain.FillEvent),
		tokens:      make(map[tokenKey]domain.TokenAggregate),
		collections: make(map[string]domain.CollectionAggregate),
		balances:    make(map[tokenKey]map[string]*big.Int),
		transfers:   make(map[domain.FillKey]bool),
		kinds:       make(map[string]domain.ContractKind),
		royalties:   make(map[string][]domain.FeeBreakdown),
		crossPosts:  make(map[string]domain.CrossPostStatus),
		cursors:     make(map[string]uint64),
		now:         time.Now,
	}
}

func (db *DB) Orders() *OrderStore           { return &OrderStore{db: db} }
func (db *DB) Fills() *FillStore             { return &FillStore{db: db} }
func (db *DB) TokenSets() *TokenSetStore     { return &TokenSetStore{db: db} }
func (db *DB) Aggregates() *AggregateStore   { return &AggregateStore{db: db} }
func (db *DB) Balances() *BalanceStore       { return &BalanceStore{db: db} }
func (db *DB) Collections() *CollectionStore { return &CollectionStore{db: db} }
func (db *DB) CrossPosts() *CrossPostStore   { return &CrossPostStore{db: db} }
func (db *DB) Sources() *SourceStore         { return &SourceStore{db: db} }
func (db *DB) Cursors() *CursorStore         { return &CursorStore{db: db} }
func (db *DB) Audit() *AuditStore            { return &AuditStore{db: db} }

func lower(s string) string { return strings.ToLower(s) }

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cmpNum(a, b string) int {
	x, _ := new(big.Int).SetString(a, 10)
	y, _ := new(big.Int).SetString(b, 10)
	if x == nil || y == nil {
		return strings.Compare(a, b)
	}
	return x.Cmp(y)
}
