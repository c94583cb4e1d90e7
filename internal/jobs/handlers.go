package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/nftbook/internal/domain"
	"github.com/alanyoungcy/nftbook/internal/orders"
)

// Recomputer refreshes derived aggregates.
type Recomputer interface {
	RecomputeToken(ctx context.Context, ref domain.TokenRef) (bool, error)
	RecomputeCollection(ctx context.Context, collectionID string) (bool, error)
}

// lockBackoff is how long a task waits when another process holds the
// aggregate lock it needs.
const lockBackoff = time.Second

func recomputeOutcome(err error) Outcome {
	switch {
	case err == nil:
		return Success()
	case errors.Is(err, domain.ErrLockHeld):
		return Throttled(lockBackoff)
	default:
		return Failed(err)
	}
}

// TokenAggregates handles the token-aggregates queue.
func TokenAggregates(r Recomputer) HandlerFunc {
	return func(ctx context.Context, task domain.JobTask) Outcome {
		var ref domain.TokenRef
		if err := json.Unmarshal(task.Payload, &ref); err != nil {
			return Invalid("payload", err.Error())
		}
		_, err := r.RecomputeToken(ctx, ref)
		return recomputeOutcome(err)
	}
}

// CollectionAggregates handles the collection-aggregates queue.
func CollectionAggregates(r Recomputer) HandlerFunc {
	return func(ctx context.Context, task domain.JobTask) Outcome {
		var ref domain.CollectionRef
		if err := json.Unmarshal(task.Payload, &ref); err != nil {
			return Invalid("payload", err.Error())
		}
		_, err := r.RecomputeCollection(ctx, ref.CollectionID)
		return recomputeOutcome(err)
	}
}

// RoyaltyReader reads EIP-2981 royalties and the token standard.
type RoyaltyReader interface {
	KindReader
	RoyaltyInfo(ctx context.Context, contract common.Address, tokenID, salePrice *big.Int) (common.Address, *big.Int, error)
}

// bpsBase is the sale price royalties are queried at, so the returned
// amount reads directly in basis points.
var bpsBase = big.NewInt(10000)

// MetadataRefresh handles the metadata-refresh queue: it re-reads the
// contract's standard and on-chain royalties.
func MetadataRefresh(reader RoyaltyReader, collections domain.CollectionStore, logger *slog.Logger) HandlerFunc {
	logger = logger.With(slog.String("component", "metadata"))
	return func(ctx context.Context, task domain.JobTask) Outcome {
		var m domain.MetadataRefresh
		if err := json.Unmarshal(task.Payload, &m); err != nil {
			return Invalid("payload", err.Error())
		}
		contract := common.HexToAddress(m.Contract)

		kind, err := reader.ContractKind(ctx, contract)
		if err != nil {
			return Failed(err)
		}
		if err := collections.SetKind(ctx, m.Contract, kind); err != nil {
			return Failed(err)
		}

		tokenID := big.NewInt(1)
		if m.TokenID != "" {
			if v, ok := new(big.Int).SetString(m.TokenID, 10); ok {
				tokenID = v
			}
		}
		var royalties []domain.FeeBreakdown
		recipient, amount, err := reader.RoyaltyInfo(ctx, contract, tokenID, bpsBase)
		if err != nil {
			// Contracts without EIP-2981 keep no on-chain royalty.
			logger.DebugContext(ctx, "royalty info unavailable",
				slog.String("contract", m.Contract),
				slog.String("error", err.Error()),
			)
		} else if amount.Sign() > 0 && recipient != (common.Address{}) {
			royalties = append(royalties, domain.FeeBreakdown{
				Kind:      "royalty",
				Recipient: strings.ToLower(recipient.Hex()),
				Bps:       int(amount.Int64()),
			})
		}
		if err := collections.SetRoyalties(ctx, m.Contract, royalties); err != nil {
			return Failed(err)
		}
		logger.InfoContext(ctx, "metadata refreshed",
			slog.String("contract", m.Contract),
			slog.String("kind", string(kind)),
			slog.Int("royalties", len(royalties)),
			slog.String("reason", m.Reason),
		)
		return Success()
	}
}

// FillDeleter soft-deletes corrected fills.
type FillDeleter interface {
	MarkDeleted(ctx context.Context, keys []domain.FillKey) (int, error)
}

// FillCorrections handles the fill-corrections queue.
func FillCorrections(d FillDeleter) HandlerFunc {
	return func(ctx context.Context, task domain.JobTask) Outcome {
		var c domain.FillCorrection
		if err := json.Unmarshal(task.Payload, &c); err != nil {
			return Invalid("payload", err.Error())
		}
		if len(c.Keys) == 0 {
			return Invalid("payload", "no fill keys")
		}
		if _, err := d.MarkDeleted(ctx, c.Keys); err != nil {
			return Failed(err)
		}
		return Success()
	}
}

// Submission is the payload of an order-submissions task.
type Submission struct {
	Order orders.Submission `json:"order"`
	// CrossPost lists the external orderbooks to forward the order to once
	// it is accepted.
	CrossPost []string `json:"crossPost,omitempty"`
}

// SubmissionTask builds an order-submissions task. Submissions carry no
// natural key, so each gets a fresh id.
func SubmissionTask(s Submission) (domain.JobTask, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return domain.JobTask{}, fmt.Errorf("jobs: encode submission: %w", err)
	}
	return domain.JobTask{ID: uuid.NewString(), Queue: domain.QueueOrderSubmissions, Payload: data}, nil
}

// Submitter normalizes raw orders.
type Submitter interface {
	Submit(ctx context.Context, subs []orders.Submission) ([]orders.Result, error)
}

// OrderSubmissions handles the order-submissions queue.
func OrderSubmissions(book Submitter, queue domain.TaskQueue) HandlerFunc {
	return func(ctx context.Context, task domain.JobTask) Outcome {
		var s Submission
		if err := json.Unmarshal(task.Payload, &s); err != nil {
			return Invalid("payload", err.Error())
		}
		results, err := book.Submit(ctx, []orders.Submission{s.Order})
		if err != nil {
			return Failed(err)
		}
		if len(results) != 1 {
			return Failed(fmt.Errorf("jobs: %d results for one submission", len(results)))
		}
		res := results[0]
		switch {
		case res.Status == orders.StatusSuccess:
		case res.Status == orders.StatusAlreadyExists:
			return Success()
		case res.Status.Terminal():
			return Invalid(string(res.Status), res.Reason)
		default:
			return Failed(errors.New(res.Reason))
		}

		now := time.Now()
		for _, dest := range s.CrossPost {
			t := domain.CrossPostTask(res.ID, dest)
			t.CreatedAt = now
			t.DelayUntil = now
			if err := queue.Enqueue(ctx, t); err != nil {
				return Failed(err)
			}
		}
		return Success()
	}
}
