package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed broker
var ErrClosed = errors.New("broker is closed")

// TransportError wraps a broker or connection failure. Callers treat it as
// terminal for the operation in flight; the pipeline does not retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Message is one payload delivered to a subscription
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a cancellable stream of messages for a single channel.
// Messages arrive in broker order. The stream's channel is closed when the
// subscription is cancelled or the underlying connection dies; there is no
// replay after resubscribing.
type Subscription struct {
	ch     chan Message
	cancel func()
}

func newSubscription(buffer int, cancel func()) *Subscription {
	return &Subscription{
		ch:     make(chan Message, buffer),
		cancel: cancel,
	}
}

// C returns the receive channel for this subscription
func (s *Subscription) C() <-chan Message { return s.ch }

// Cancel tears the subscription down. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Broker is the gateway to the pub/sub transport plus the key/value
// side-channel used for job-state persistence.
//
// Delivery is at-most-once within a single subscription and ordered per
// channel. Set/Get/SetNX operate on a flat key space; SetNX is the atomic
// create used for job de-duplication.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetNX(ctx context.Context, key string, value []byte) (bool, error)

	Close() error
}
