package messaging

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when a client is used before Connect.
	ErrNotConnected = errors.New("messaging client not connected")
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("messaging client closed")
)

// Handler processes one inbound envelope.
type Handler func(ctx context.Context, env *Envelope)

// Subscription is released with Unsubscribe. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Client is the publish/subscribe transport used by agents.
type Client interface {
	// Connect establishes the broker connection.
	Connect(ctx context.Context) error

	// Disconnect closes all subscriptions and the connection.
	Disconnect(ctx context.Context) error

	// Subscribe registers a handler for a topic. The subscription is active
	// on the broker when Subscribe returns.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Publish sends env to topic. env.Topic is set to topic.
	Publish(ctx context.Context, topic string, env *Envelope) error

	// RegisterConversation routes every envelope this client receives with
	// the given conversation id to handler, in addition to topic handlers.
	RegisterConversation(conversationID string, handler Handler) (Subscription, error)
}

// subscriptionFunc adapts a function to Subscription.
type subscriptionFunc func() error

func (f subscriptionFunc) Unsubscribe() error { return f() }
