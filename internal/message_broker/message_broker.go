// Package message_broker carries candidate links from upstream producers into joinflow.
package message_broker

import "context"

// Delivery is one consumed message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Body []byte
	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, ack: ack, nack: nack}
}

func (d Delivery) Ack() error {
	return d.ack()
}

func (d Delivery) Nack(requeue bool) error {
	return d.nack(requeue)
}

type MessageBroker interface {
	// Consume streams deliveries until ctx is done or the broker closes.
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}
