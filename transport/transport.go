// Package transport defines the message transport the engine runs on: named
// topics with at-least-once delivery, competing consumers, and explicit
// acknowledgement. One topic exists per agent, named by the agent verbatim.
//
// Implementations must make Connect and Disconnect idempotent, deliver each
// published message to exactly one subscriber of the topic at least once,
// and treat Ack as idempotent. Nack with requeue makes the delivery eligible
// again; transports that cannot requeue in place (streams) republish the raw
// bytes to the end of the same topic and ack the original, which preserves
// at-least-once at the cost of ordering.
//
// Deliveries carry raw bytes. Envelope decoding belongs to the consumer, so
// poisonous payloads can be acked and dropped instead of wedging the topic.
package transport

import (
	"context"
	"errors"
)

// ErrClosed reports an operation on a transport or subscription that has
// been disconnected or closed.
var ErrClosed = errors.New("transport is closed")

type (
	// Delivery is one message handed to a subscriber. The tag identifies
	// this delivery for Ack and Nack; it is unique per delivery, not per
	// message, so a redelivered message carries a fresh tag.
	Delivery struct {
		Tag  string
		Body []byte
	}

	// Transport publishes to and subscribes on named topics.
	Transport interface {
		// Connect acquires broker resources. Idempotent.
		Connect(ctx context.Context) error
		// Disconnect releases resources and closes open subscriptions.
		// Idempotent; safe during in-flight subscriptions, whose delivery
		// channels close.
		Disconnect(ctx context.Context) error
		// Publish hands body to the topic with at-least-once durability. A
		// successful return means some subscriber of the topic can recover
		// the message, even across restarts for durable variants.
		Publish(ctx context.Context, topic string, body []byte) error
		// Subscribe joins the topic's competing-consumer group.
		Subscribe(ctx context.Context, topic string) (Subscription, error)
	}

	// Subscription is one consumer's membership in a topic group.
	Subscription interface {
		// Deliveries returns the channel deliveries arrive on. The channel
		// closes when the subscription closes or the transport disconnects.
		Deliveries() <-chan Delivery
		// Ack confirms processing; the transport may discard the message.
		// Idempotent.
		Ack(ctx context.Context, d Delivery) error
		// Nack rejects the delivery. With requeue the message becomes
		// eligible for redelivery; without it the message is dropped.
		Nack(ctx context.Context, d Delivery, requeue bool) error
		// Close leaves the consumer group and closes the delivery channel.
		Close(ctx context.Context) error
	}
)
