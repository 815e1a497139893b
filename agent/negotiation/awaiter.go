package negotiation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/holonflow/agent/messaging"
)

// ErrTimeout is returned when no accepted envelope arrives in time.
var ErrTimeout = errors.New("timed out waiting for response")

// Awaiter receives the envelopes of one conversation until it is closed.
// The registration is released by Close, whichever of response or timeout
// happened first.
type Awaiter struct {
	sub    messaging.Subscription
	accept func(*messaging.Envelope) bool
	ch     chan *messaging.Envelope
	done   chan struct{}
	once   sync.Once
}

// NewAwaiter registers a conversation callback on client. accept filters the
// envelopes that are delivered; nil accepts all.
func NewAwaiter(client messaging.Client, conversationID string, accept func(*messaging.Envelope) bool) (*Awaiter, error) {
	a := &Awaiter{
		accept: accept,
		ch:     make(chan *messaging.Envelope, 16),
		done:   make(chan struct{}),
	}
	sub, err := client.RegisterConversation(conversationID, a.deliver)
	if err != nil {
		return nil, err
	}
	a.sub = sub
	return a, nil
}

// newTopicAwaiter subscribes to a topic instead of a conversation callback.
func newTopicAwaiter(ctx context.Context, client messaging.Client, topic string, accept func(*messaging.Envelope) bool) (*Awaiter, error) {
	a := &Awaiter{
		accept: accept,
		ch:     make(chan *messaging.Envelope, 16),
		done:   make(chan struct{}),
	}
	sub, err := client.Subscribe(ctx, topic, a.deliver)
	if err != nil {
		return nil, err
	}
	a.sub = sub
	return a, nil
}

func (a *Awaiter) deliver(_ context.Context, env *messaging.Envelope) {
	if a.accept != nil && !a.accept(env) {
		return
	}
	select {
	case a.ch <- env:
	case <-a.done:
	}
}

// Next waits for the next accepted envelope until deadline.
func (a *Awaiter) Next(ctx context.Context, deadline time.Time) (*messaging.Envelope, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case env := <-a.ch:
		return env, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrTimeout
	}
}

// Close releases the registration. It is idempotent.
func (a *Awaiter) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		if a.sub != nil {
			err = a.sub.Unsubscribe()
		}
	})
	return err
}
