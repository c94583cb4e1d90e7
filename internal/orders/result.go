// Package orders validates and persists protocol orders as canonical
// orders. One Normalizer exists per protocol; each is generic over that
// protocol's params type.
package orders

import "github.com/alanyoungcy/nftbook/internal/codec"

// Status is the outcome of normalizing one candidate.
type Status string

const (
	StatusSuccess                 Status = "success"
	StatusAlreadyExists           Status = "already-exists"
	StatusDuplicatedNonce         Status = "duplicated-nonce"
	StatusExpired                 Status = "expired"
	StatusUnsupportedPaymentToken Status = "unsupported-payment-token"
	StatusInvalid                 Status = "invalid"
	StatusInvalidSignature        Status = "invalid-signature"
	StatusNotFillable             Status = "not-fillable"
	StatusFeesTooHigh             Status = "fees-too-high"
	StatusFailedToConvertPrice    Status = "failed-to-convert-price"
	// StatusFailed is an infrastructure failure; the candidate may be
	// submitted again.
	StatusFailed Status = "failed"
)

// Terminal reports whether resubmitting the same candidate cannot succeed.
func (s Status) Terminal() bool {
	return s != StatusFailed
}

// Candidate is one order submission.
type Candidate[P codec.OrderParams] struct {
	Params P
	// Source is the domain of the integrator that submitted the order.
	Source string
}

// Result reports what happened to one candidate.
type Result struct {
	ID     string
	Status Status
	Reason string
}
