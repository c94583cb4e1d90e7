package trace

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/nftbook/internal/chain"
)

// Call types the resolver distinguishes.
const (
	CallTypeCall         = "CALL"
	CallTypeDelegateCall = "DELEGATECALL"
)

// Selector is a 4-byte function selector.
type Selector [4]byte

// SelectorOf returns the selector of calldata, or false when it is too short.
func SelectorOf(input []byte) (Selector, bool) {
	var s Selector
	if len(input) < 4 {
		return s, false
	}
	copy(s[:], input[:4])
	return s, true
}

// Call is one typed node of a transaction call tree.
type Call struct {
	From     common.Address
	To       common.Address
	CallType string
	Selector Selector
	Input    []byte
	Reverted bool
	Children []*Call
}

// FromFrame converts a callTracer frame into a Call tree.
func FromFrame(f chain.CallFrame) *Call {
	c := &Call{
		From:     f.From,
		To:       f.To,
		CallType: strings.ToUpper(f.Type),
		Input:    f.Input,
		Reverted: f.Error != "",
	}
	c.Selector, _ = SelectorOf(f.Input)
	for _, child := range f.Calls {
		c.Children = append(c.Children, FromFrame(child))
	}
	return c
}

// Match is a call found by Search.
type Match struct {
	Call     *Call
	Method   string
	Delegate bool
	// Caller is the account that called the exchange. For delegate
	// matches it is the caller of the enclosing proxy frame.
	Caller common.Address
}

// Search locates exchange calls in a tree. Direct selectors match CALLs
// into the exchange. Delegate selectors match DELEGATECALLs made by the
// exchange, which is how a proxied exchange reaches its implementation.
type Search struct {
	Exchange common.Address
	Direct   map[Selector]string
	Delegate map[Selector]string
}

func (s Search) match(c *Call) (Match, bool) {
	if c.Reverted {
		return Match{}, false
	}
	if c.CallType == CallTypeDelegateCall {
		if c.From == s.Exchange {
			if m, ok := s.Delegate[c.Selector]; ok {
				return Match{Call: c, Method: m, Delegate: true}, true
			}
		}
		return Match{}, false
	}
	if c.To == s.Exchange {
		if m, ok := s.Direct[c.Selector]; ok {
			return Match{Call: c, Method: m}, true
		}
	}
	return Match{}, false
}

// Nth returns the rank-th (zero based) matching call in depth-first
// pre-order. A delegate match nested directly under a direct match counts
// once, as the same trade.
func (s Search) Nth(root *Call, rank int) (Match, bool) {
	var found []Match
	var walk func(c, parent *Call, underMatch bool)
	walk = func(c, parent *Call, underMatch bool) {
		if c.Reverted {
			return
		}
		m, ok := s.match(c)
		if ok && !(m.Delegate && underMatch) {
			m.Caller = c.From
			if m.Delegate && parent != nil {
				m.Caller = parent.From
			}
			found = append(found, m)
		}
		for _, child := range c.Children {
			walk(child, c, ok && !m.Delegate)
		}
	}
	walk(root, nil, false)

	if rank < 0 || rank >= len(found) {
		return Match{}, false
	}
	return found[rank], true
}
