package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

type deliverySource interface {
	Deliveries(ctx context.Context) (<-chan amqp.Delivery, error)
}

// Worker drains queued notices and hands them to a Notifier.
type Worker struct {
	src      deliverySource
	notifier Notifier
}

func NewWorker(src deliverySource, n Notifier) *Worker {
	return &Worker{src: src, notifier: n}
}

// Run blocks until ctx is done or the delivery channel closes. Failed
// deliveries are requeued once and dead-lettered after that.
func (w *Worker) Run(ctx context.Context) error {
	msgs, err := w.src.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("consume failed: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := w.Handle(ctx, d.RoutingKey, d.Body); err != nil {
				log.Printf("[notify] handle error key=%s redelivered=%v err=%v", d.RoutingKey, d.Redelivered, err)
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle delivers one queued notice. Unknown keys are skipped.
func (w *Worker) Handle(ctx context.Context, key string, body []byte) error {
	switch key {
	case RKGuestNotice, RKHostNotice:
		var n Notice
		if err := json.Unmarshal(body, &n); err != nil {
			return fmt.Errorf("decode payload failed: %w", err)
		}
		if n.UserID == 0 {
			return fmt.Errorf("notice without user id")
		}
		return w.notifier.Notify(ctx, n.UserID, n.Message)
	default:
		log.Printf("[notify] skip unknown key=%s", key)
		return nil
	}
}
