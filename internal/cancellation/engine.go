// Package cancellation runs a host's event cancellation end to end: fee and
// strike assessment, penalty collection, the status transition, guest
// refunds, the strike and review records, lockout, and the detached
// adjudication and notification work.
package cancellation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"eventcancel-backend/internal/classifier"
	"eventcancel-backend/internal/fees"
	"eventcancel-backend/internal/lockout"
	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/notify"
	"eventcancel-backend/internal/penalty"
	"eventcancel-backend/internal/processor"
	"eventcancel-backend/internal/store"
	"eventcancel-backend/internal/strikes"
)

type Store interface {
	Event(ctx context.Context, id uint) (*models.Event, error)
	MarkCanceled(ctx context.Context, id uint, at time.Time) (bool, error)
	GuestRSVPCount(ctx context.Context, eventID, hostID uint) (int64, error)
	GuestIDs(ctx context.Context, eventID, hostID uint) ([]uint, error)
	Payments(ctx context.Context, eventID uint) ([]models.Payment, error)
	OutstandingPayments(ctx context.Context, eventID uint) ([]models.Payment, error)
	MarkRefunded(ctx context.Context, paymentID uint, refundRef string, at time.Time) error
	CreateReview(ctx context.Context, r *models.CancellationReview) error
	HostProfile(ctx context.Context, hostID uint) (*models.HostProfile, error)
	SetLockUntil(ctx context.Context, hostID uint, until time.Time) (time.Time, error)
}

type StrikeLedger interface {
	Count(ctx context.Context, hostID uint) (strikes.Tally, error)
	Record(ctx context.Context, hostID, eventID uint, canceledAt time.Time, source string) error
	InWindow(ctx context.Context, hostID uint) ([]models.StrikeRecord, error)
	WindowStart() time.Time
}

type Refunder interface {
	Refund(ctx context.Context, chargeRef string, amountCents int64) (string, error)
}

type PenaltyCollector interface {
	Collect(ctx context.Context, req penalty.Request) (penalty.Outcome, error)
}

type Adjudicator interface {
	Score(ctx context.Context, reviewID uint, in classifier.Input) error
}

type Dispatcher interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	Store       Store
	Ledger      StrikeLedger
	Policy      *lockout.Policy
	Calculator  *fees.Calculator
	Refunder    Refunder
	Penalty     PenaltyCollector
	Adjudicator Adjudicator
	Notifier    notify.Notifier
	Dispatcher  Dispatcher
	// Meters defaults to the global provider.
	Meters      metric.MeterProvider
}

type Config struct {
	ShortNoticeWindow time.Duration
	RefundConcurrency int
}

type Engine struct {
	Deps
	cfg Config
	now func() time.Time

	tracer         trace.Tracer
	refundFailures metric.Int64Counter
}

func New(d Deps, cfg Config) *Engine {
	if cfg.ShortNoticeWindow <= 0 {
		cfg.ShortNoticeWindow = 24 * time.Hour
	}
	if cfg.RefundConcurrency <= 0 {
		cfg.RefundConcurrency = 4
	}
	if d.Policy == nil {
		d.Policy = lockout.NewPolicy(nil)
	}
	if d.Calculator == nil {
		d.Calculator = fees.NewCalculator(fees.DefaultPricing())
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewConsole()
	}
	if d.Meters == nil {
		d.Meters = otel.GetMeterProvider()
	}
	e := &Engine{
		Deps:   d,
		cfg:    cfg,
		now:    time.Now,
		tracer: otel.Tracer("eventcancel/cancellation"),
	}
	e.refundFailures, _ = d.Meters.Meter("eventcancel/cancellation").Int64Counter("refunds.failed",
		metric.WithDescription("guest refunds the processor or datastore rejected"))
	return e
}

// WithClock overrides the engine clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Assessment is what a cancellation at a given moment would do. Preview
// returns it unchanged; Cancel commits it.
type Assessment struct {
	EventID uint `json:"event_id"`
	HostID  uint `json:"host_id"`
	fees.Breakdown
	StrikeOrdinal  int        `json:"strike_ordinal"`
	StrikeStrategy string     `json:"strike_strategy"`
	GuestRSVPCount int64      `json:"guest_rsvp_count"`
	ShortNotice    bool       `json:"short_notice"`
	LockDays       int        `json:"lock_days"`
	LockUntil      *time.Time `json:"lock_until,omitempty"`

	event    *models.Event
	payments []models.Payment
}

type RefundResult struct {
	PaymentID   uint   `json:"payment_id"`
	UserID      uint   `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Refunded    bool   `json:"refunded"`
	RefundRef   string `json:"refund_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Result of a committed cancellation.
type Result struct {
	Assessment
	RefundedCount     int            `json:"refunded_count"`
	PerPaymentResults []RefundResult `json:"per_payment_results"`
	PenaltyChargeRef  string         `json:"penalty_charge_ref,omitempty"`
	StrikeRecorded    bool           `json:"strike_recorded"`
	ReviewID          uint           `json:"review_id,omitempty"`
	CanceledAt        time.Time      `json:"canceled_at"`
}

type Request struct {
	EventID    uint
	HostID     uint
	ReasonText string
}

// Preview computes the consequences of canceling now without changing
// anything.
func (e *Engine) Preview(ctx context.Context, eventID, hostID uint) (*Assessment, error) {
	ctx, span := e.tracer.Start(ctx, "cancellation.Preview",
		trace.WithAttributes(attribute.Int("event.id", int(eventID))))
	defer span.End()

	a, err := e.assess(ctx, eventID, hostID, e.now())
	if err != nil {
		span.SetStatus(codes.Error, Code(err))
		return nil, err
	}
	return a, nil
}

func (e *Engine) assess(ctx context.Context, eventID, hostID uint, now time.Time) (*Assessment, error) {
	ev, err := e.Store.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if err := cancelable(ev, hostID); err != nil {
		return nil, err
	}

	payments, err := e.Store.Payments(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	guests, err := e.Store.GuestRSVPCount(ctx, ev.ID, ev.HostID)
	if err != nil {
		return nil, fmt.Errorf("count guests: %w", err)
	}
	tally, err := e.Ledger.Count(ctx, ev.HostID)
	if err != nil {
		return nil, err
	}

	ordinal := tally.Ordinal()
	decision := e.Policy.For(ordinal)
	return &Assessment{
		EventID:        ev.ID,
		HostID:         ev.HostID,
		Breakdown:      e.Calculator.Compute(payments, guests, decision.PenaltyGated),
		StrikeOrdinal:  ordinal,
		StrikeStrategy: tally.Strategy,
		GuestRSVPCount: guests,
		ShortNotice:    lockout.ShortNotice(ev.StartsAt, ev.EndsAt, now, e.cfg.ShortNoticeWindow),
		LockDays:       decision.LockDays,
		LockUntil:      decision.LockUntil(now),
		event:          ev,
		payments:       payments,
	}, nil
}

func cancelable(ev *models.Event, hostID uint) error {
	if ev.HostID != hostID {
		return ErrNotOwner
	}
	switch ev.Status {
	case models.EventCanceled:
		return ErrAlreadyCanceled
	case models.EventPending, models.EventApproved:
		return nil
	default:
		return ErrNotCancelable
	}
}

// Cancel commits a host's cancellation. Only precondition failures and
// penalty failures are returned as errors; everything after the status
// transition degrades into the result or the logs.
func (e *Engine) Cancel(ctx context.Context, req Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "cancellation.Cancel",
		trace.WithAttributes(
			attribute.Int("event.id", int(req.EventID)),
			attribute.Int("host.id", int(req.HostID)),
		))
	defer span.End()

	res, err := e.cancel(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, Code(err))
		log.Printf("[cancel] event=%d host=%d rejected: %v", req.EventID, req.HostID, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("strike.ordinal", res.StrikeOrdinal),
		attribute.Int("refunds.ok", res.RefundedCount),
		attribute.Int("refunds.total", len(res.PerPaymentResults)),
	)
	return res, nil
}

func (e *Engine) cancel(ctx context.Context, req Request) (*Result, error) {
	now := e.now()
	a, err := e.assess(ctx, req.EventID, req.HostID, now)
	if err != nil {
		return nil, err
	}
	res := &Result{Assessment: *a, CanceledAt: now}

	if a.ChargeCents > 0 {
		ref, err := e.collectPenalty(ctx, a)
		if err != nil {
			return nil, err
		}
		res.PenaltyChargeRef = ref
	}

	ok, err := e.Store.MarkCanceled(ctx, a.EventID, now)
	if err != nil {
		return nil, fmt.Errorf("cancel event: %w", err)
	}
	if !ok {
		if res.PenaltyChargeRef != "" {
			log.Printf("[cancel] ALERT event=%d lost status race after penalty charge %s", a.EventID, res.PenaltyChargeRef)
		}
		return nil, e.lostRace(ctx, a.EventID)
	}
	log.Printf("[cancel] event=%d host=%d canceled ordinal=%d strategy=%s guests=%d refund_total=%d charge=%d",
		a.EventID, a.HostID, a.StrikeOrdinal, a.StrikeStrategy, a.GuestRSVPCount, a.RefundTotalCents, a.ChargeCents)

	// The event is canceled from here on; the rest must finish even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)

	res.PerPaymentResults = e.refundAll(ctx, unrefunded(a.payments), now)
	res.RefundedCount = countRefunded(res.PerPaymentResults)

	if err := e.Ledger.Record(ctx, a.HostID, a.EventID, now, models.StrikeFromCancellation); err == nil {
		res.StrikeRecorded = true
	}

	review := &models.CancellationReview{
		EventID:                a.EventID,
		HostID:                 a.HostID,
		ReasonText:             req.ReasonText,
		ShortNotice:            a.ShortNotice,
		StrikeOrdinal:          a.StrikeOrdinal,
		AIStrikeRecommendation: provisionalRecommendation(a.WillChargeHost),
	}
	if err := e.Store.CreateReview(ctx, review); err != nil {
		log.Printf("[cancel] ALERT event=%d review not created: %v", a.EventID, err)
	} else {
		res.ReviewID = review.ID
	}

	if until := a.LockUntil; until != nil {
		effective, err := e.Store.SetLockUntil(ctx, a.HostID, *until)
		if err != nil {
			log.Printf("[cancel] ALERT host=%d lockout until %s not applied: %v", a.HostID, until.Format(time.RFC3339), err)
		} else {
			res.LockUntil = &effective
		}
	}

	if res.ReviewID != 0 {
		e.scoreLater(ctx, res, req.ReasonText)
	}
	e.notifyLater(ctx, a.event, res.PerPaymentResults)
	return res, nil
}

func (e *Engine) collectPenalty(ctx context.Context, a *Assessment) (string, error) {
	ctx, span := e.tracer.Start(ctx, "cancellation.penalty",
		trace.WithAttributes(attribute.Int64("penalty.charge_cents", a.ChargeCents)))
	defer span.End()

	profile, err := e.Store.HostProfile(ctx, a.HostID)
	if err != nil {
		return "", fmt.Errorf("load host profile: %w", err)
	}
	out, err := e.Penalty.Collect(ctx, penalty.Request{
		EventID:      a.EventID,
		HostID:       a.HostID,
		CustomerRef:  profile.PaymentCustomerRef,
		PenaltyCents: a.PenaltyCents,
		ChargeCents:  a.ChargeCents,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPenaltyFailed, err)
	}
	span.SetAttributes(attribute.String("penalty.status", string(out.Status)))

	switch out.Status {
	case processor.StatusSucceeded:
		return out.ChargeRef, nil
	case processor.StatusRequiresAction:
		return "", &ActionRequiredError{ClientToken: out.ClientToken, ChargeRef: out.ChargeRef, AmountCents: out.AmountCents}
	case processor.StatusDeclined:
		return "", fmt.Errorf("%w: %s", ErrPenaltyDeclined, out.FailureReason)
	default:
		return "", ErrPenaltyPending
	}
}

func (e *Engine) lostRace(ctx context.Context, eventID uint) error {
	ev, err := e.Store.Event(ctx, eventID)
	if err != nil {
		return fmt.Errorf("reload event: %w", err)
	}
	if ev.Status == models.EventCanceled {
		return ErrAlreadyCanceled
	}
	return ErrNotCancelable
}

func provisionalRecommendation(willChargeHost bool) string {
	if willChargeHost {
		return models.RecommendYes
	}
	return models.RecommendNo
}

func unrefunded(payments []models.Payment) []models.Payment {
	out := make([]models.Payment, 0, len(payments))
	for _, p := range payments {
		if !p.Refunded {
			out = append(out, p)
		}
	}
	return out
}

func countRefunded(results []RefundResult) int {
	n := 0
	for _, r := range results {
		if r.Refunded {
			n++
		}
	}
	return n
}

// refundAll refunds each payment independently. One failure never stops
// the others.
func (e *Engine) refundAll(ctx context.Context, payments []models.Payment, at time.Time) []RefundResult {
	ctx, span := e.tracer.Start(ctx, "cancellation.refunds",
		trace.WithAttributes(attribute.Int("refunds.count", len(payments))))
	defer span.End()

	results := make([]RefundResult, len(payments))
	var g errgroup.Group
	g.SetLimit(e.cfg.RefundConcurrency)
	for i, p := range payments {
		g.Go(func() error {
			results[i] = e.refundOne(ctx, p, at)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) refundOne(ctx context.Context, p models.Payment, at time.Time) RefundResult {
	r := RefundResult{PaymentID: p.ID, UserID: p.UserID, AmountCents: p.AmountPaidCents}
	ref, err := e.Refunder.Refund(ctx, p.ProcessorChargeID, p.AmountPaidCents)
	if err != nil {
		r.Error = err.Error()
		e.refundFailed(ctx, p, "processor", err)
		return r
	}
	r.RefundRef = ref
	if err := e.Store.MarkRefunded(ctx, p.ID, ref, at); err != nil {
		r.Error = fmt.Sprintf("refund %s issued but not recorded: %v", ref, err)
		e.refundFailed(ctx, p, "datastore", err)
		return r
	}
	r.Refunded = true
	return r
}

func (e *Engine) refundFailed(ctx context.Context, p models.Payment, stage string, err error) {
	log.Printf("[cancel] refund failed event=%d payment=%d charge=%s stage=%s: %v",
		p.EventID, p.ID, p.ProcessorChargeID, stage, err)
	if e.refundFailures != nil {
		e.refundFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
}

func (e *Engine) scoreLater(ctx context.Context, res *Result, reason string) {
	if e.Adjudicator == nil || e.Dispatcher == nil {
		return
	}
	ev := res.event
	in := classifier.Input{
		ReasonText: reason,
		Event: classifier.EventContext{
			EventID:     ev.ID,
			Title:       ev.Title,
			StartsAt:    ev.StartsAt,
			EndsAt:      ev.EndsAt,
			ShortNotice: res.ShortNotice,
			GuestCount:  res.GuestRSVPCount,
			Paid:        ev.PriceCents > 0 || len(res.payments) > 0,
		},
		HostPriorCancellationCount: res.StrikeOrdinal - 1,
	}
	reviewID := res.ReviewID
	e.Dispatcher.Go(ctx, fmt.Sprintf("adjudicate-review-%d", reviewID), func(ctx context.Context) error {
		return e.Adjudicator.Score(ctx, reviewID, in)
	})
}

func (e *Engine) notifyLater(ctx context.Context, ev *models.Event, results []RefundResult) {
	if e.Dispatcher == nil {
		return
	}
	type owed struct {
		cents    int64
		refunded bool
	}
	byUser := make(map[uint]owed)
	for _, r := range results {
		o, seen := byUser[r.UserID]
		o.cents += r.AmountCents
		o.refunded = (o.refunded || !seen) && r.Refunded
		byUser[r.UserID] = o
	}

	e.Dispatcher.Go(ctx, fmt.Sprintf("notify-guests-%d", ev.ID), func(ctx context.Context) error {
		guests, err := e.Store.GuestIDs(ctx, ev.ID, ev.HostID)
		if err != nil {
			return fmt.Errorf("list guests: %w", err)
		}
		var errs []error
		for _, id := range guests {
			o := byUser[id]
			msg := notify.CancellationNotice(ev.ID, ev.Title, o.cents, o.refunded)
			if err := e.Notifier.Notify(ctx, id, msg); err != nil {
				errs = append(errs, fmt.Errorf("user %d: %w", id, err))
			}
		}
		return errors.Join(errs...)
	})
}

// RefundReport is the outcome of re-issuing outstanding refunds.
type RefundReport struct {
	EventID           uint           `json:"event_id"`
	RefundedCount     int            `json:"refunded_count"`
	RemainingCount    int            `json:"remaining_count"`
	PerPaymentResults []RefundResult `json:"per_payment_results"`
}

// RetryRefunds re-issues the refunds a canceled event still owes.
func (e *Engine) RetryRefunds(ctx context.Context, eventID, hostID uint) (*RefundReport, error) {
	ctx, span := e.tracer.Start(ctx, "cancellation.RetryRefunds",
		trace.WithAttributes(attribute.Int("event.id", int(eventID))))
	defer span.End()

	ev, err := e.Store.Event(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev.HostID != hostID {
		return nil, ErrNotOwner
	}
	if ev.Status != models.EventCanceled {
		return nil, ErrNotCanceled
	}

	outstanding, err := e.Store.OutstandingPayments(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load outstanding payments: %w", err)
	}
	results := e.refundAll(context.WithoutCancel(ctx), outstanding, e.now())
	rep := &RefundReport{
		EventID:           eventID,
		RefundedCount:     countRefunded(results),
		PerPaymentResults: results,
	}
	rep.RemainingCount = len(results) - rep.RefundedCount
	log.Printf("[cancel] event=%d refund retry refunded=%d remaining=%d", eventID, rep.RefundedCount, rep.RemainingCount)
	return rep, nil
}

// Standing is a host's strike position inside the window.
type Standing struct {
	HostID        uint                  `json:"host_id"`
	Strikes       []models.StrikeRecord `json:"strikes"`
	Strategy      string                `json:"strategy"`
	NextOrdinal   int                   `json:"next_ordinal"`
	NextLockDays  int                   `json:"next_lock_days"`
	NextPenalty   bool                  `json:"next_penalty_gated"`
	LockUntil     *time.Time            `json:"lock_until,omitempty"`
	Locked        bool                  `json:"locked"`
	Flagged       bool                  `json:"flagged"`
	WindowStartAt time.Time             `json:"window_start_at"`
}

// HostStanding reports the host's strikes and what the next cancellation
// would cost.
func (e *Engine) HostStanding(ctx context.Context, hostID uint) (*Standing, error) {
	recs, err := e.Ledger.InWindow(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("list strikes: %w", err)
	}
	tally, err := e.Ledger.Count(ctx, hostID)
	if err != nil {
		return nil, err
	}
	profile, err := e.Store.HostProfile(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("load host profile: %w", err)
	}
	next := e.Policy.For(tally.Ordinal())
	return &Standing{
		HostID:        hostID,
		Strikes:       recs,
		Strategy:      tally.Strategy,
		NextOrdinal:   tally.Ordinal(),
		NextLockDays:  next.LockDays,
		NextPenalty:   next.PenaltyGated,
		LockUntil:     profile.LockUntil,
		Locked:        profile.Locked(e.now()),
		Flagged:       profile.Flagged,
		WindowStartAt: e.Ledger.WindowStart(),
	}, nil
}
