package orders

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/nftbook/internal/codec"
	"github.com/alanyoungcy/nftbook/internal/domain"
)

// Submission is a raw order as received from an integrator or the
// order-submissions queue.
type Submission struct {
	Kind   domain.OrderKind `json:"kind"`
	Params json.RawMessage  `json:"params"`
	Source string           `json:"source,omitempty"`
}

// Book routes submissions to the normalizer of their protocol.
type Book struct {
	seaport   *Normalizer[codec.SeaportOrder]
	blur      *Normalizer[codec.BlurOrder]
	zeroex    *Normalizer[codec.ZeroExV4Order]
	looksRare *Normalizer[codec.LooksRareV2Order]
}

// Codecs holds one codec per supported protocol.
type Codecs struct {
	Seaport   codec.Codec[codec.SeaportOrder]
	Blur      codec.Codec[codec.BlurOrder]
	ZeroExV4  codec.Codec[codec.ZeroExV4Order]
	LooksRare codec.Codec[codec.LooksRareV2Order]
}

// NewBook creates a normalizer per protocol over shared deps.
func NewBook(codecs Codecs, deps Deps) *Book {
	return &Book{
		seaport:   NewNormalizer(codecs.Seaport, deps),
		blur:      NewNormalizer(codecs.Blur, deps),
		zeroex:    NewNormalizer(codecs.ZeroExV4, deps),
		looksRare: NewNormalizer(codecs.LooksRare, deps),
	}
}

// Submit normalizes submissions of any protocol. Results keep input order.
func (b *Book) Submit(ctx context.Context, subs []Submission) ([]Result, error) {
	results := make([]Result, len(subs))

	var (
		seaport   group[codec.SeaportOrder]
		blur      group[codec.BlurOrder]
		zeroex    group[codec.ZeroExV4Order]
		looksRare group[codec.LooksRareV2Order]
	)
	for i, s := range subs {
		var err error
		switch s.Kind {
		case domain.OrderKindSeaport:
			err = seaport.add(i, s)
		case domain.OrderKindBlur:
			err = blur.add(i, s)
		case domain.OrderKindZeroExV4:
			err = zeroex.add(i, s)
		case domain.OrderKindLooksRareV2:
			err = looksRare.add(i, s)
		default:
			err = fmt.Errorf("unsupported order kind %q", s.Kind)
		}
		if err != nil {
			results[i] = Result{Status: StatusInvalid, Reason: err.Error()}
		}
	}

	if err := seaport.save(ctx, b.seaport, results); err != nil {
		return results, err
	}
	if err := blur.save(ctx, b.blur, results); err != nil {
		return results, err
	}
	if err := zeroex.save(ctx, b.zeroex, results); err != nil {
		return results, err
	}
	if err := looksRare.save(ctx, b.looksRare, results); err != nil {
		return results, err
	}
	return results, nil
}

// group collects the submissions of one protocol with their positions.
type group[P codec.OrderParams] struct {
	index      []int
	candidates []Candidate[P]
}

func (g *group[P]) add(i int, s Submission) error {
	var p P
	if err := json.Unmarshal(s.Params, &p); err != nil {
		return fmt.Errorf("decode %s params: %w", s.Kind, err)
	}
	g.index = append(g.index, i)
	g.candidates = append(g.candidates, Candidate[P]{Params: p, Source: s.Source})
	return nil
}

func (g *group[P]) save(ctx context.Context, n *Normalizer[P], results []Result) error {
	if len(g.candidates) == 0 {
		return nil
	}
	res, err := n.Save(ctx, g.candidates)
	for j, r := range res {
		results[g.index[j]] = r
	}
	return err
}
