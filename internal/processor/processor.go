// Package processor is the payment processor boundary: refunds for guest
// payments and the off-session penalty charge against a host.
package processor

import (
	"context"
	"encoding/json"
	"errors"
)

type ChargeStatus string

const (
	StatusSucceeded      ChargeStatus = "succeeded"
	StatusRequiresAction ChargeStatus = "requires_action"
	StatusPending        ChargeStatus = "pending"
	StatusDeclined       ChargeStatus = "declined"
)

// ErrNotConfigured is returned by a processor built without credentials.
var ErrNotConfigured = errors.New("payment processor not configured")

type ChargeRequest struct {
	CustomerRef    string
	AmountCents    int64
	Description    string
	IdempotencyKey string
	Metadata       map[string]any
}

// ChargeResult is the processor's view of a charge. ClientToken is set when
// the payer has to finish authentication out of band.
type ChargeResult struct {
	ID             string       `json:"id"`
	Status         ChargeStatus `json:"status"`
	AmountCents    int64        `json:"amount_cents"`
	ClientToken    string       `json:"client_token,omitempty"`
	FailureCode    string       `json:"failure_code,omitempty"`
	FailureMessage string       `json:"failure_message,omitempty"`
}

type Processor interface {
	Refund(ctx context.Context, chargeRef string, amountCents int64) (refundRef string, err error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	RetrieveCharge(ctx context.Context, chargeRef string) (*ChargeResult, error)
}

// WebhookEvent is a processor notification after it has been re-fetched
// from the processor, so its content can be trusted.
type WebhookEvent struct {
	ID   string
	Key  string
	Data json.RawMessage
}

// EventVerifier re-fetches a webhook event by id.
type EventVerifier interface {
	VerifyEvent(ctx context.Context, eventID string) (*WebhookEvent, error)
}

// Disabled stands in when no processor keys are configured. Every call
// fails with ErrNotConfigured, so refunds stay outstanding and penalty
// charges abort the cancellation.
type Disabled struct{}

func (Disabled) Refund(context.Context, string, int64) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) Charge(context.Context, ChargeRequest) (*ChargeResult, error) {
	return nil, ErrNotConfigured
}

func (Disabled) RetrieveCharge(context.Context, string) (*ChargeResult, error) {
	return nil, ErrNotConfigured
}

func (Disabled) VerifyEvent(context.Context, string) (*WebhookEvent, error) {
	return nil, ErrNotConfigured
}
