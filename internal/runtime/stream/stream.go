// Package stream defines the pull-based demand protocol used between an
// upstream producer, a bridge and a downstream consumer.
//
// The rules follow the usual reactive-streams contract: a Subscriber receives
// OnSubscribe first, then at most as many OnNext calls as it requested, then at
// most one of OnError or OnComplete.
package stream

import (
	"math"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

// Unbounded is the demand meaning "no limit".
const Unbounded int64 = math.MaxInt64

// Subscription links a Subscriber to a Publisher.
type Subscription interface {
	Request(n int64)
	Cancel()
}

// Subscriber consumes signals emitted by a Publisher.
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Publisher produces items for a single Subscriber per Subscribe call.
type Publisher[T any] interface {
	Subscribe(s Subscriber[T])
}

// Processor is both a Subscriber of T and a Publisher of R.
type Processor[T, R any] interface {
	Subscriber[T]
	Publisher[R]
}

type cancelled struct{}

func (cancelled) Request(int64) {}
func (cancelled) Cancel()       {}

// Cancelled is a subscription that ignores every signal.
var Cancelled Subscription = cancelled{}

// Fail signals err to s after handing it the Cancelled subscription.
func Fail[T any](s Subscriber[T], err error) {
	s.OnSubscribe(Cancelled)
	s.OnError(err)
}

// AddCap adds n to current saturating at Unbounded.
func AddCap(current, n int64) int64 {
	if n <= 0 {
		return current
	}
	if current > Unbounded-n {
		return Unbounded
	}
	return current + n
}

// ValidateDemand returns ErrInvalidDemand for non-positive requests.
func ValidateDemand(n int64) error {
	if n <= 0 {
		return errspkg.ErrInvalidDemand
	}
	return nil
}
