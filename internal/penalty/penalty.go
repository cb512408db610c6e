// Package penalty collects the gross-up charge from a host whose
// cancellation recovers processor fees.
package penalty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/processor"
	"eventcancel-backend/internal/store"
)

type Store interface {
	PenaltyCharge(ctx context.Context, eventID, hostID uint) (*models.PenaltyCharge, error)
	CreatePenaltyCharge(ctx context.Context, pc *models.PenaltyCharge) error
	ClaimPenaltyCharge(ctx context.Context, pc *models.PenaltyCharge, key string, at, staleBefore time.Time) (bool, error)
	UpdatePenaltyCharge(ctx context.Context, pc *models.PenaltyCharge, fromStatus, fromRef string) (bool, error)
}

// ClaimTimeout is how long an in-flight charge keeps other attempts out.
// The attempt that takes over reuses the idempotency key, so the processor
// answers with the original charge if one was created.
const ClaimTimeout = 10 * time.Minute

type Request struct {
	EventID      uint
	HostID       uint
	CustomerRef  string
	PenaltyCents int64
	ChargeCents  int64
}

// Outcome of a collection attempt. Only StatusSucceeded lets the
// cancellation proceed.
type Outcome struct {
	Status        processor.ChargeStatus
	ChargeRef     string
	AmountCents   int64
	ClientToken   string
	FailureReason string
}

type Flow struct {
	store Store
	proc  processor.Processor
	now   func() time.Time
}

func NewFlow(s Store, p processor.Processor) *Flow {
	return &Flow{store: s, proc: p, now: time.Now}
}

func (f *Flow) WithClock(now func() time.Time) *Flow {
	f.now = now
	return f
}

// Collect charges the host once per (event, host). A retry checks the prior
// charge with the processor first and only creates a new charge when there
// is none or the prior one was declined. While another attempt is charging
// the outcome is StatusPending.
func (f *Flow) Collect(ctx context.Context, req Request) (Outcome, error) {
	pc, err := f.tracking(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	if pc.ChargeRef != "" {
		if pc.Status == models.ChargeSucceeded {
			return outcomeOf(pc), nil
		}
		res, err := f.proc.RetrieveCharge(ctx, pc.ChargeRef)
		if err != nil {
			return Outcome{}, fmt.Errorf("retrieve prior penalty charge: %w", err)
		}
		from, ref := pc.Status, pc.ChargeRef
		apply(pc, res)
		pc.UpdatedAt = f.now()
		ok, err := f.store.UpdatePenaltyCharge(ctx, pc, from, ref)
		if err != nil {
			return Outcome{}, fmt.Errorf("save penalty charge: %w", err)
		}
		if !ok {
			return f.current(ctx, req)
		}
		if res.Status != processor.StatusDeclined {
			log.Printf("[penalty] event=%d host=%d reusing charge %s status=%s", req.EventID, req.HostID, pc.ChargeRef, pc.Status)
			return outcomeOf(pc), nil
		}
		log.Printf("[penalty] event=%d host=%d prior charge %s declined, charging again", req.EventID, req.HostID, pc.ChargeRef)
	}

	if req.CustomerRef == "" {
		if pc.Status == models.ChargeCharging {
			return f.current(ctx, req)
		}
		from, ref := pc.Status, pc.ChargeRef
		pc.Status = models.ChargeDeclined
		pc.FailureReason = "no stored payment method"
		pc.UpdatedAt = f.now()
		ok, err := f.store.UpdatePenaltyCharge(ctx, pc, from, ref)
		if err != nil {
			return Outcome{}, fmt.Errorf("save penalty charge: %w", err)
		}
		if !ok {
			return f.current(ctx, req)
		}
		return outcomeOf(pc), nil
	}

	key := pc.IdempotencyKey
	if pc.Status == models.ChargeDeclined {
		// a fresh attempt gets a fresh key
		key = uuid.NewString()
	}
	now := f.now()
	claimed, err := f.store.ClaimPenaltyCharge(ctx, pc, key, now, now.Add(-ClaimTimeout))
	if err != nil {
		return Outcome{}, fmt.Errorf("claim penalty charge: %w", err)
	}
	if !claimed {
		return f.current(ctx, req)
	}

	pc.AmountCents = req.ChargeCents
	pc.PenaltyCents = req.PenaltyCents
	res, err := f.proc.Charge(ctx, processor.ChargeRequest{
		CustomerRef:    req.CustomerRef,
		AmountCents:    req.ChargeCents,
		Description:    fmt.Sprintf("Cancellation fee recovery for event %d", req.EventID),
		IdempotencyKey: pc.IdempotencyKey,
		Metadata: map[string]any{
			"kind":     "penalty",
			"event_id": req.EventID,
			"host_id":  req.HostID,
		},
	})
	if err != nil {
		// release the claim; the key stays so a replay cannot charge twice
		pc.Status = models.ChargePending
		pc.UpdatedAt = f.now()
		if _, relErr := f.store.UpdatePenaltyCharge(ctx, pc, models.ChargeCharging, ""); relErr != nil {
			log.Printf("[penalty] event=%d host=%d release claim: %v", req.EventID, req.HostID, relErr)
		}
		return Outcome{}, fmt.Errorf("penalty charge: %w", err)
	}
	apply(pc, res)
	pc.UpdatedAt = f.now()
	ok, err := f.store.UpdatePenaltyCharge(ctx, pc, models.ChargeCharging, "")
	if err != nil {
		// the charge exists at the processor; surface this loudly
		log.Printf("[penalty] ALERT charge %s created but not saved: %v", res.ID, err)
		return Outcome{}, fmt.Errorf("save penalty charge: %w", err)
	}
	if !ok {
		log.Printf("[penalty] ALERT charge %s saved by a later attempt for event=%d host=%d", res.ID, req.EventID, req.HostID)
	}
	log.Printf("[penalty] event=%d host=%d charge %s amount=%d status=%s", req.EventID, req.HostID, pc.ChargeRef, pc.AmountCents, pc.Status)
	return outcomeOf(pc), nil
}

// current reports the stored state after another attempt moved the row.
func (f *Flow) current(ctx context.Context, req Request) (Outcome, error) {
	pc, err := f.store.PenaltyCharge(ctx, req.EventID, req.HostID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load penalty charge: %w", err)
	}
	log.Printf("[penalty] event=%d host=%d charge in progress elsewhere, status=%s", req.EventID, req.HostID, pc.Status)
	return outcomeOf(pc), nil
}

// tracking loads or creates the (event, host) tracking row. An insert that
// loses the race falls back to the winner's row.
func (f *Flow) tracking(ctx context.Context, req Request) (*models.PenaltyCharge, error) {
	pc, err := f.store.PenaltyCharge(ctx, req.EventID, req.HostID)
	if err == nil {
		return pc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load penalty charge: %w", err)
	}

	pc = &models.PenaltyCharge{
		EventID:        req.EventID,
		HostID:         req.HostID,
		IdempotencyKey: uuid.NewString(),
		AmountCents:    req.ChargeCents,
		PenaltyCents:   req.PenaltyCents,
		Status:         models.ChargePending,
	}
	if err := f.store.CreatePenaltyCharge(ctx, pc); err != nil {
		existing, getErr := f.store.PenaltyCharge(ctx, req.EventID, req.HostID)
		if getErr != nil {
			return nil, fmt.Errorf("create penalty charge: %w", err)
		}
		return existing, nil
	}
	return pc, nil
}

func apply(pc *models.PenaltyCharge, res *processor.ChargeResult) {
	pc.ChargeRef = res.ID
	pc.ClientToken = res.ClientToken
	pc.FailureReason = ""
	switch res.Status {
	case processor.StatusSucceeded:
		pc.Status = models.ChargeSucceeded
	case processor.StatusRequiresAction:
		pc.Status = models.ChargeRequiresAction
	case processor.StatusDeclined:
		pc.Status = models.ChargeDeclined
		pc.FailureReason = res.FailureCode
		if res.FailureMessage != "" {
			pc.FailureReason = res.FailureCode + ": " + res.FailureMessage
		}
	default:
		pc.Status = models.ChargePending
	}
}

func outcomeOf(pc *models.PenaltyCharge) Outcome {
	o := Outcome{
		ChargeRef:     pc.ChargeRef,
		AmountCents:   pc.AmountCents,
		ClientToken:   pc.ClientToken,
		FailureReason: pc.FailureReason,
	}
	switch pc.Status {
	case models.ChargeSucceeded:
		o.Status = processor.StatusSucceeded
	case models.ChargeRequiresAction:
		o.Status = processor.StatusRequiresAction
	case models.ChargeDeclined:
		o.Status = processor.StatusDeclined
	default:
		o.Status = processor.StatusPending
	}
	return o
}
