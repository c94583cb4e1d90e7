// Package jobs runs the durable task queues: each task is handled by a
// worker pool and settled through an explicit retry state machine.
package jobs

import (
	"fmt"
	"time"
)

// Kind classifies how a task attempt ended.
type Kind int

const (
	KindSuccess Kind = iota
	// KindThrottled reschedules without spending a retry.
	KindThrottled
	// KindInvalid is terminal; the request can never succeed.
	KindInvalid
	// KindFailed is retried up to the configured bound.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindThrottled:
		return "throttled"
	case KindInvalid:
		return "invalid"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one task attempt.
type Outcome struct {
	Kind    Kind
	Delay   time.Duration // throttled
	Reason  string        // invalid: machine-readable kind
	Message string        // invalid: human-readable detail
	Err     error         // failed
}

func Success() Outcome { return Outcome{Kind: KindSuccess} }

func Throttled(delay time.Duration) Outcome {
	return Outcome{Kind: KindThrottled, Delay: delay}
}

func Invalid(reason, message string) Outcome {
	return Outcome{Kind: KindInvalid, Reason: reason, Message: message}
}

func Failed(err error) Outcome { return Outcome{Kind: KindFailed, Err: err} }

// Describe renders the outcome for status records and logs.
func (o Outcome) Describe() string {
	switch o.Kind {
	case KindThrottled:
		return fmt.Sprintf("throttled for %s", o.Delay)
	case KindInvalid:
		if o.Message == "" {
			return o.Reason
		}
		return o.Reason + ": " + o.Message
	case KindFailed:
		if o.Err == nil {
			return "failed"
		}
		return o.Err.Error()
	default:
		return o.Kind.String()
	}
}
