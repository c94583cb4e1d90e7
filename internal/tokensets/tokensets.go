// Package tokensets builds content-addressed token sets from codec shapes
// and makes sure they exist before orders reference them.
package tokensets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

// ErrMerkleMismatch is returned when a list's token ids do not hash to the
// root the order committed to.
var ErrMerkleMismatch = errors.New("tokensets: merkle root mismatch")

// ID returns the content address of a set. Equal sets always share an id.
func ID(set domain.TokenSet) string {
	contract := strings.ToLower(set.Contract)
	switch set.Kind {
	case domain.TokenSetToken:
		if len(set.Tokens) == 1 {
			return "token:" + contract + ":" + set.Tokens[0].TokenID
		}
	case domain.TokenSetContract:
		return "contract:" + contract
	case domain.TokenSetRange:
		return "range:" + contract + ":" + set.StartID + ":" + set.EndID
	case domain.TokenSetList:
		return "list:" + contract + ":" + strings.ToLower(set.MerkleRoot)
	}
	return ""
}

// TokenOf parses a single-token set id.
func TokenOf(id string) (contract, tokenID string, ok bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != string(domain.TokenSetToken) {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// FromShape converts a codec token-set shape into a persisted token set.
func FromShape(contract common.Address, shape codec.TokenSetShape) (domain.TokenSet, error) {
	addr := strings.ToLower(contract.Hex())
	set := domain.TokenSet{Kind: shape.Kind, Contract: addr}

	switch shape.Kind {
	case domain.TokenSetToken:
		if shape.TokenID == nil {
			return domain.TokenSet{}, fmt.Errorf("tokensets: token set without token id")
		}
		set.Tokens = []domain.TokenRef{{Contract: addr, TokenID: shape.TokenID.String()}}
	case domain.TokenSetContract:
	case domain.TokenSetRange:
		if shape.StartID == nil || shape.EndID == nil || shape.StartID.Cmp(shape.EndID) > 0 {
			return domain.TokenSet{}, fmt.Errorf("tokensets: invalid range")
		}
		set.StartID = shape.StartID.String()
		set.EndID = shape.EndID.String()
	case domain.TokenSetList:
		if len(shape.TokenIDs) == 0 {
			return domain.TokenSet{}, fmt.Errorf("tokensets: empty token list")
		}
		root := MerkleRoot(shape.TokenIDs)
		if shape.MerkleRoot != (common.Hash{}) && shape.MerkleRoot != root {
			return domain.TokenSet{}, fmt.Errorf("%w: got %s, want %s", ErrMerkleMismatch, root.Hex(), shape.MerkleRoot.Hex())
		}
		set.MerkleRoot = root.Hex()
		set.Tokens = make([]domain.TokenRef, len(shape.TokenIDs))
		for i, id := range shape.TokenIDs {
			set.Tokens[i] = domain.TokenRef{Contract: addr, TokenID: id.String()}
		}
	default:
		return domain.TokenSet{}, fmt.Errorf("tokensets: unknown kind %q", shape.Kind)
	}

	set.ID = ID(set)
	return set, nil
}

// MerkleRoot computes the criteria root over token ids: leaves are
// keccak256 of each 32-byte id and pairs are hashed in sorted order.
func MerkleRoot(ids []*big.Int) common.Hash {
	if len(ids) == 0 {
		return common.Hash{}
	}
	layer := make([][]byte, len(ids))
	for i, id := range ids {
		layer[i] = ethcrypto.Keccak256(common.LeftPadBytes(id.Bytes(), 32))
	}
	sort.Slice(layer, func(i, j int) bool { return bytes.Compare(layer[i], layer[j]) < 0 })

	for len(layer) > 1 {
		next := make([][]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				continue
			}
			a, b := layer[i], layer[i+1]
			if bytes.Compare(a, b) > 0 {
				a, b = b, a
			}
			next = append(next, ethcrypto.Keccak256(a, b))
		}
		layer = next
	}
	return common.BytesToHash(layer[0])
}

// Resolver ensures token sets are stored before orders point at them.
type Resolver struct {
	store domain.TokenSetStore
}

// NewResolver creates a Resolver over store.
func NewResolver(store domain.TokenSetStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve reuses a stored set with the same id or saves a new one.
func (r *Resolver) Resolve(ctx context.Context, set domain.TokenSet) (domain.TokenSet, error) {
	if set.ID == "" {
		set.ID = ID(set)
	}
	if set.ID == "" {
		return domain.TokenSet{}, fmt.Errorf("tokensets: cannot address %s set", set.Kind)
	}

	existing, err := r.store.GetByID(ctx, set.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.TokenSet{}, fmt.Errorf("tokensets: get %s: %w", set.ID, err)
	}
	if err := r.store.Save(ctx, set); err != nil {
		return domain.TokenSet{}, fmt.Errorf("tokensets: save %s: %w", set.ID, err)
	}
	return set, nil
}
