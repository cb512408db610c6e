// Package notify delivers best-effort notices to guests and hosts.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	RKGuestNotice = "guest.notice"
	RKHostNotice  = "host.notice"
)

type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	EventID uint   `json:"event_id,omitempty"`
}

// Notifier is fire-and-forget from the engine's point of view; the error
// is only logged.
type Notifier interface {
	Notify(ctx context.Context, userID uint, msg Message) error
}

// Console logs notices. Used in development and behind the worker.
type Console struct{}

func NewConsole() *Console {
	return &Console{}
}

func (c *Console) Notify(_ context.Context, userID uint, msg Message) error {
	log.Printf("[notify] user=%d %s :: %s", userID, msg.Subject, msg.Body)
	return nil
}

// Notice is the queued form of a message.
type Notice struct {
	UserID     uint    `json:"user_id"`
	Message    Message `json:"message"`
	OccurredAt string  `json:"occurred_at"`
}

type publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Queue publishes notices for the worker to deliver.
type Queue struct {
	pub publisher
	key string
}

func NewQueue(pub publisher, routingKey string) *Queue {
	if routingKey == "" {
		routingKey = RKGuestNotice
	}
	return &Queue{pub: pub, key: routingKey}
}

func (q *Queue) Notify(ctx context.Context, userID uint, msg Message) error {
	n := Notice{UserID: userID, Message: msg, OccurredAt: time.Now().UTC().Format(time.RFC3339)}
	if err := q.pub.PublishJSON(ctx, q.key, n); err != nil {
		return fmt.Errorf("publish %s: %w", q.key, err)
	}
	return nil
}

// Dollars renders cents for message bodies.
func Dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

// CancellationNotice is the message a guest receives when an event they
// joined is canceled.
func CancellationNotice(eventID uint, title string, refundCents int64, refunded bool) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "%q has been canceled by the host.", title)
	switch {
	case refundCents > 0 && refunded:
		fmt.Fprintf(&b, " A refund of %s is on its way.", Dollars(refundCents))
	case refundCents > 0:
		fmt.Fprintf(&b, " Your refund of %s is being processed.", Dollars(refundCents))
	}
	return Message{Subject: "Event canceled", Body: b.String(), EventID: eventID}
}
