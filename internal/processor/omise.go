package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// OmiseConfig holds the account keys and charge defaults.
type OmiseConfig struct {
	PublicKey string
	SecretKey string
	Currency  string
	// ReturnURI is where the payer lands after 3-D Secure.
	ReturnURI string
}

type Omise struct {
	client    *omise.Client
	currency  string
	returnURI string
}

func NewOmise(cfg OmiseConfig) (*Omise, error) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Omise{client: c, currency: currency, returnURI: cfg.ReturnURI}, nil
}

// IdempotencyHeader makes the processor return the original charge when a
// create request is replayed with the same key.
const IdempotencyHeader = "Idempotency-Key"

// call returns a copy of the shared client bound to ctx. omise.Client keeps
// context and headers as fields, so concurrent calls must not share one.
func (o *Omise) call(ctx context.Context, headers map[string]string) *omise.Client {
	c := *o.client
	c.WithContext(ctx)
	c.WithCustomHeaders(headers)
	return &c
}

// Refund refunds amountCents of a guest charge in full or in part.
func (o *Omise) Refund(ctx context.Context, chargeRef string, amountCents int64) (string, error) {
	rf := &omise.Refund{}
	if err := o.call(ctx, nil).Do(rf, &operations.CreateRefund{ChargeID: chargeRef, Amount: amountCents}); err != nil {
		return "", fmt.Errorf("omise refund %s: %w", chargeRef, err)
	}
	return rf.ID, nil
}

// Charge charges the customer's default card without the customer present.
func (o *Omise) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	meta := map[string]any{"idempotency_key": req.IdempotencyKey}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	ch := &omise.Charge{}
	op := &operations.CreateCharge{
		Customer:    req.CustomerRef,
		Amount:      req.AmountCents,
		Currency:    o.currency,
		Description: req.Description,
		ReturnURI:   o.returnURI,
		Metadata:    meta,
	}
	var headers map[string]string
	if req.IdempotencyKey != "" {
		headers = map[string]string{IdempotencyHeader: req.IdempotencyKey}
	}
	if err := o.call(ctx, headers).Do(ch, op); err != nil {
		return nil, fmt.Errorf("omise charge: %w", err)
	}
	log.Printf("[omise] charge %s status=%s", ch.ID, ch.Status)
	return fromOmiseCharge(ch), nil
}

func (o *Omise) RetrieveCharge(ctx context.Context, chargeRef string) (*ChargeResult, error) {
	ch := &omise.Charge{}
	if err := o.call(ctx, nil).Do(ch, &operations.RetrieveCharge{ChargeID: chargeRef}); err != nil {
		return nil, fmt.Errorf("omise retrieve charge %s: %w", chargeRef, err)
	}
	return fromOmiseCharge(ch), nil
}

// VerifyEvent fetches the event from Omise again instead of trusting the
// webhook body.
func (o *Omise) VerifyEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	ev := &omise.Event{}
	if err := o.call(ctx, nil).Do(ev, &operations.RetrieveEvent{EventID: eventID}); err != nil {
		return nil, fmt.Errorf("omise retrieve event %s: %w", eventID, err)
	}
	// ev.Data is an interface{}; round-trip it so callers decode their own shape.
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return &WebhookEvent{ID: ev.ID, Key: ev.Key, Data: raw}, nil
}

// Omise statuses: pending / successful / failed / reversed / expired.
func fromOmiseCharge(ch *omise.Charge) *ChargeResult {
	res := &ChargeResult{ID: ch.ID, AmountCents: ch.Amount}
	if ch.FailureCode != nil {
		res.FailureCode = *ch.FailureCode
	}
	if ch.FailureMessage != nil {
		res.FailureMessage = *ch.FailureMessage
	}
	res.Status = MapStatus(string(ch.Status), ch.AuthorizeURI, ch.Authorized)
	if res.Status == StatusRequiresAction {
		res.ClientToken = ch.AuthorizeURI
	}
	return res
}

// MapStatus folds a raw processor status into the engine's charge status.
// A pending charge with an unvisited authorize URI is waiting on the payer.
func MapStatus(status, authorizeURI string, authorized bool) ChargeStatus {
	switch status {
	case "successful":
		return StatusSucceeded
	case "failed", "reversed", "expired":
		return StatusDeclined
	case "pending":
		if authorizeURI != "" && !authorized {
			return StatusRequiresAction
		}
		return StatusPending
	default:
		return StatusPending
	}
}
