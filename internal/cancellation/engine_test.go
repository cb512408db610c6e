package cancellation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"gorm.io/gorm"

	"eventcancel-backend/internal/adjudication"
	"eventcancel-backend/internal/classifier"
	"eventcancel-backend/internal/dispatch"
	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/penalty"
	"eventcancel-backend/internal/processor"
	"eventcancel-backend/internal/store"
	"eventcancel-backend/internal/strikes"
	"eventcancel-backend/internal/testutil"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type harness struct {
	db       *gorm.DB
	fx       *testutil.Fixtures
	store    *store.Store
	proc     *testutil.MockProcessor
	cls      *testutil.MockClassifier
	notifier *testutil.MockNotifier
	runner   *dispatch.Runner
	engine   *Engine
	metrics  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, classifyTimeout time.Duration) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	h := &harness{
		db:       db,
		fx:       testutil.NewFixtures(t, db),
		store:    store.New(db),
		proc:     testutil.NewMockProcessor(),
		cls:      &testutil.MockClassifier{},
		notifier: testutil.NewMockNotifier(),
		runner:   dispatch.NewRunner(5 * time.Second),
	}
	mp, reader := testutil.NewMeters(t)
	h.metrics = reader
	ledger := strikes.NewLedger(db, strikes.WithClock(clock), strikes.WithMeterProvider(mp))
	adj := adjudication.NewService(h.store, ledger, h.cls, classifyTimeout).WithClock(clock)
	h.engine = New(Deps{
		Store:       h.store,
		Ledger:      ledger,
		Refunder:    h.proc,
		Penalty:     penalty.NewFlow(h.store, h.proc),
		Adjudicator: adj,
		Notifier:    h.notifier,
		Dispatcher:  h.runner,
		Meters:      mp,
	}, Config{}).WithClock(clock)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Wait(ctx))
}

func (h *harness) eventStatus(t *testing.T, id uint) string {
	t.Helper()
	ev, err := h.store.Event(context.Background(), id)
	require.NoError(t, err)
	return ev.Status
}

func (h *harness) strikeCount(t *testing.T, hostID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&models.StrikeRecord{}).Where("host_id = ?", hostID).Count(&n).Error)
	return n
}

// paidEvent sets up a host with one strike 90 days ago and an event with
// two $20 guests whose recorded processor fee is 88 cents each.
func (h *harness) paidEvent(t *testing.T) (models.User, models.Event, []models.Payment) {
	t.Helper()
	host := h.fx.Host("host@example.com")
	h.fx.Strike(host.ID, 9999, now.AddDate(0, 0, -90))
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 2000)
	_, p1 := h.fx.PaidGuest(ev.ID, "ana@example.com", 2000, 88)
	_, p2 := h.fx.PaidGuest(ev.ID, "ben@example.com", 2000, 88)
	return host, ev, []models.Payment{p1, p2}
}

func TestCancelFreeEventFirstStrike(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 0)
	var guests []models.User
	for i := range 5 {
		g := h.fx.Guest(fmt.Sprintf("guest%d@example.com", i))
		h.fx.RSVP(ev.ID, g.ID)
		guests = append(guests, g)
	}

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID, ReasonText: "venue flooded"})
	require.NoError(t, err)

	require.Equal(t, 1, res.StrikeOrdinal)
	require.Equal(t, 0, res.LockDays)
	require.Nil(t, res.LockUntil)
	require.False(t, res.WillChargeHost)
	require.Equal(t, int64(5), res.GuestRSVPCount)
	require.Zero(t, res.ChargeCents)
	require.True(t, res.StrikeRecorded)
	require.NotZero(t, res.ReviewID)
	require.Zero(t, h.proc.ChargeCount())
	require.Equal(t, models.EventCanceled, h.eventStatus(t, ev.ID))
	require.Equal(t, int64(1), h.strikeCount(t, host.ID))

	review, err := h.store.Review(context.Background(), res.ReviewID)
	require.NoError(t, err)
	require.Equal(t, "venue flooded", review.ReasonText)
	require.Equal(t, 1, review.StrikeOrdinal)

	h.wait(t)
	for _, g := range guests {
		msgs := h.notifier.Messages(g.ID)
		require.Len(t, msgs, 1)
		require.Equal(t, ev.ID, msgs[0].EventID)
	}
}

func TestCancelPaidEventSecondStrike(t *testing.T) {
	h := newHarness(t, time.Second)
	host, ev, payments := h.paidEvent(t)

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID, ReasonText: "changed my mind"})
	require.NoError(t, err)

	require.Equal(t, 2, res.StrikeOrdinal)
	require.Equal(t, int64(176), res.PenaltyCents)
	require.Equal(t, int64(213), res.ChargeCents)
	require.Equal(t, int64(4000), res.RefundTotalCents)
	require.True(t, res.WillChargeHost)
	require.Equal(t, 14, res.LockDays)
	require.NotNil(t, res.LockUntil)
	require.True(t, res.LockUntil.Equal(now.AddDate(0, 0, 14)))
	require.Equal(t, 2, res.RefundedCount)
	require.NotEmpty(t, res.PenaltyChargeRef)

	require.Equal(t, 1, h.proc.ChargeCount())
	require.Equal(t, int64(213), h.proc.Charges[0].AmountCents)
	require.Equal(t, "cust_host@example.com", h.proc.Charges[0].CustomerRef)

	for _, p := range payments {
		var got models.Payment
		require.NoError(t, h.db.First(&got, p.ID).Error)
		require.True(t, got.Refunded)
		require.Equal(t, "rfnd_"+p.ProcessorChargeID, got.RefundRef)

		var rsvp models.RSVP
		require.NoError(t, h.db.First(&rsvp, *p.RSVPID).Error)
		require.False(t, rsvp.Paid)
	}

	profile, err := h.store.HostProfile(context.Background(), host.ID)
	require.NoError(t, err)
	require.NotNil(t, profile.LockUntil)
	require.True(t, profile.Locked(now.AddDate(0, 0, 13)))
	require.False(t, profile.Locked(now.AddDate(0, 0, 15)))
	require.Equal(t, int64(2), h.strikeCount(t, host.ID))
}

func TestCancelThirdStrikeLocksSixtyDays(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	h.fx.Strike(host.ID, 9998, now.AddDate(0, 0, -150))
	h.fx.Strike(host.ID, 9999, now.AddDate(0, 0, -10))
	h.fx.Strike(host.ID, 9997, now.AddDate(0, 0, -200)) // outside the window
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 0)

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	require.Equal(t, 3, res.StrikeOrdinal)
	require.Equal(t, 60, res.LockDays)
	// penalty gated, but nobody to refund and nothing to recover
	require.False(t, res.WillChargeHost)
	require.Zero(t, h.proc.ChargeCount())
}

func TestRefundFailureIsIsolated(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 1500)
	_, p1 := h.fx.PaidGuest(ev.ID, "a@example.com", 1500, 74)
	_, p2 := h.fx.PaidGuest(ev.ID, "b@example.com", 1500, 74)
	_, p3 := h.fx.PaidGuest(ev.ID, "c@example.com", 1500, 74)

	h.proc.RefundFunc = func(_ context.Context, ref string, _ int64) (string, error) {
		if ref == p2.ProcessorChargeID {
			return "", testutil.ErrMockRefund
		}
		return "rfnd_" + ref, nil
	}

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	require.Equal(t, models.EventCanceled, h.eventStatus(t, ev.ID))
	require.Equal(t, 2, res.RefundedCount)
	require.Len(t, res.PerPaymentResults, 3)

	byPayment := map[uint]RefundResult{}
	for _, r := range res.PerPaymentResults {
		byPayment[r.PaymentID] = r
	}
	require.True(t, byPayment[p1.ID].Refunded)
	require.True(t, byPayment[p3.ID].Refunded)
	require.False(t, byPayment[p2.ID].Refunded)
	require.Contains(t, byPayment[p2.ID].Error, testutil.ErrMockRefund.Error())

	var refunded []models.Payment
	require.NoError(t, h.db.Where("event_id = ? AND refunded = ?", ev.ID, true).Find(&refunded).Error)
	require.Len(t, refunded, 2)
	require.True(t, res.StrikeRecorded)
	require.Equal(t, int64(1), testutil.CounterValue(t, h.metrics, "refunds.failed"))
}

func TestConcurrentCancelSucceedsOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 2000)
	h.fx.PaidGuest(ev.ID, "a@example.com", 2000, 88)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
		}()
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyCanceled):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, already)
	require.Equal(t, int64(1), h.strikeCount(t, host.ID))
	require.Equal(t, 1, h.proc.RefundCount())

	var reviews int64
	require.NoError(t, h.db.Model(&models.CancellationReview{}).Where("event_id = ?", ev.ID).Count(&reviews).Error)
	require.Equal(t, int64(1), reviews)
}

func TestCancelPreconditions(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	other := h.fx.Host("other@example.com")
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 0)
	rejected := h.fx.Event(host.ID, now.Add(72*time.Hour), 0)
	require.NoError(t, h.db.Model(&rejected).Update("status", models.EventRejected).Error)

	ctx := context.Background()
	_, err := h.engine.Cancel(ctx, Request{EventID: 4242, HostID: host.ID})
	require.ErrorIs(t, err, ErrEventNotFound)
	require.Equal(t, CodeNotFound, Code(err))

	_, err = h.engine.Cancel(ctx, Request{EventID: ev.ID, HostID: other.ID})
	require.ErrorIs(t, err, ErrNotOwner)
	require.Equal(t, CodeNotOwner, Code(err))

	_, err = h.engine.Cancel(ctx, Request{EventID: rejected.ID, HostID: host.ID})
	require.ErrorIs(t, err, ErrNotCancelable)

	require.Equal(t, models.EventApproved, h.eventStatus(t, ev.ID))
	require.Zero(t, h.strikeCount(t, host.ID))

	_, err = h.engine.Cancel(ctx, Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	_, err = h.engine.Cancel(ctx, Request{EventID: ev.ID, HostID: host.ID})
	require.ErrorIs(t, err, ErrAlreadyCanceled)
	require.Equal(t, CodeAlreadyCanceled, Code(err))
	require.Equal(t, int64(1), h.strikeCount(t, host.ID))
}

func TestCancelRequiresActionThenRetry(t *testing.T) {
	h := newHarness(t, time.Second)
	host, ev, _ := h.paidEvent(t)
	h.proc.ChargeFunc = func(_ context.Context, req processor.ChargeRequest) (*processor.ChargeResult, error) {
		return &processor.ChargeResult{
			ID:          "chrg_3ds",
			Status:      processor.StatusRequiresAction,
			AmountCents: req.AmountCents,
			ClientToken: "https://pay.example.com/3ds/abc",
		}, nil
	}

	_, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	var action *ActionRequiredError
	require.ErrorAs(t, err, &action)
	require.Equal(t, "https://pay.example.com/3ds/abc", action.ClientToken)
	require.Equal(t, int64(213), action.AmountCents)
	require.Equal(t, CodeRequiresAction, Code(err))
	require.Equal(t, models.EventApproved, h.eventStatus(t, ev.ID))
	require.Zero(t, h.proc.RefundCount())
	require.Equal(t, int64(1), h.strikeCount(t, host.ID))

	// the host completes authentication out of band
	h.proc.SetChargeStatus("chrg_3ds", processor.StatusSucceeded)

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	require.Equal(t, "chrg_3ds", res.PenaltyChargeRef)
	require.Equal(t, 1, h.proc.ChargeCount())
	require.Equal(t, 1, h.proc.RetrieveCalls)
	require.Equal(t, models.EventCanceled, h.eventStatus(t, ev.ID))
}

func TestCancelDeclinedPenaltyKeepsEventLive(t *testing.T) {
	h := newHarness(t, time.Second)
	host, ev, _ := h.paidEvent(t)
	h.proc.ChargeFunc = func(context.Context, processor.ChargeRequest) (*processor.ChargeResult, error) {
		return &processor.ChargeResult{
			Status:         processor.StatusDeclined,
			FailureCode:    "insufficient_fund",
			FailureMessage: "insufficient funds in the account",
		}, nil
	}

	_, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.ErrorIs(t, err, ErrPenaltyDeclined)
	require.Equal(t, CodeDeclined, Code(err))
	require.Contains(t, err.Error(), "insufficient_fund")
	require.Equal(t, models.EventApproved, h.eventStatus(t, ev.ID))
	require.Zero(t, h.proc.RefundCount())
	require.Equal(t, int64(1), h.strikeCount(t, host.ID))
}

func TestCancelProcessorErrorAborts(t *testing.T) {
	h := newHarness(t, time.Second)
	host, ev, _ := h.paidEvent(t)
	h.proc.ChargeFunc = func(context.Context, processor.ChargeRequest) (*processor.ChargeResult, error) {
		return nil, errors.New("connection reset")
	}

	_, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.ErrorIs(t, err, ErrPenaltyFailed)
	require.Equal(t, CodePenaltyFailed, Code(err))
	require.Equal(t, models.EventApproved, h.eventStatus(t, ev.ID))
}

func TestCancelPatchesReviewWithVerdict(t *testing.T) {
	h := newHarness(t, time.Second)
	host, ev, _ := h.paidEvent(t)
	h.cls.ClassifyFunc = func(context.Context, classifier.Input) (classifier.Verdict, error) {
		return classifier.Verdict{
			StrikeRecommendation: "flag",
			CancellationType:     classifier.TypeVoluntary,
			ConfidenceScore:      0.72,
			ModeratorNote:        "vague reason, repeat canceler",
		}, nil
	}

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID, ReasonText: "something came up"})
	require.NoError(t, err)
	h.wait(t)

	calls := h.cls.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "something came up", calls[0].ReasonText)
	require.Equal(t, 1, calls[0].HostPriorCancellationCount)
	require.True(t, calls[0].Event.Paid)
	require.Equal(t, int64(2), calls[0].Event.GuestCount)

	review, err := h.store.Review(context.Background(), res.ReviewID)
	require.NoError(t, err)
	v, ok := review.Verdict()
	require.True(t, ok)
	require.Equal(t, "flag", v.StrikeRecommendation)
	require.Equal(t, classifier.TypeVoluntary, v.CancellationType)
	require.Equal(t, "flag", review.AIStrikeRecommendation)
}

func TestClassifierTimeoutKeepsProvisionalVerdict(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	host, ev, _ := h.paidEvent(t)
	h.cls.ClassifyFunc = func(ctx context.Context, _ classifier.Input) (classifier.Verdict, error) {
		<-ctx.Done()
		return classifier.Verdict{}, ctx.Err()
	}

	start := time.Now()
	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	h.wait(t)
	require.Less(t, time.Since(start), 3*time.Second)

	review, err := h.store.Review(context.Background(), res.ReviewID)
	require.NoError(t, err)
	_, ok := review.Verdict()
	require.False(t, ok)
	require.Equal(t, models.RecommendYes, review.AIStrikeRecommendation)
}

func TestNotificationFailureDoesNotAffectResult(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 2000)
	a, _ := h.fx.PaidGuest(ev.ID, "a@example.com", 2000, 88)
	b, _ := h.fx.PaidGuest(ev.ID, "b@example.com", 2000, 88)
	h.notifier.FailForIDs = map[uint]bool{a.ID: true}

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	require.Equal(t, 2, res.RefundedCount)
	h.wait(t)

	require.Empty(t, h.notifier.Messages(a.ID))
	msgs := h.notifier.Messages(b.ID)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Body, "$20.00")
}

func TestPreviewDoesNotMutate(t *testing.T) {
	h := newHarness(t, time.Second)
	host, ev, _ := h.paidEvent(t)

	a, err := h.engine.Preview(context.Background(), ev.ID, host.ID)
	require.NoError(t, err)
	require.Equal(t, 2, a.StrikeOrdinal)
	require.Equal(t, int64(213), a.ChargeCents)
	require.Equal(t, "recorded", a.FeeStrategy)
	require.Equal(t, "strike_records", a.StrikeStrategy)
	require.Equal(t, 14, a.LockDays)
	require.False(t, a.ShortNotice)

	require.Equal(t, models.EventApproved, h.eventStatus(t, ev.ID))
	require.Zero(t, h.proc.ChargeCount())
	require.Zero(t, h.proc.RefundCount())
	require.Equal(t, int64(1), h.strikeCount(t, host.ID))

	again, err := h.engine.Preview(context.Background(), ev.ID, host.ID)
	require.NoError(t, err)
	require.Equal(t, a.Breakdown, again.Breakdown)
}

func TestPreviewShortNotice(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, now.Add(6*time.Hour), 0)

	a, err := h.engine.Preview(context.Background(), ev.ID, host.ID)
	require.NoError(t, err)
	require.True(t, a.ShortNotice)
}

func TestRetryRefunds(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 2000)
	_, flaky := h.fx.PaidGuest(ev.ID, "a@example.com", 2000, 88)
	h.fx.PaidGuest(ev.ID, "b@example.com", 2000, 88)

	ctx := context.Background()
	_, err := h.engine.RetryRefunds(ctx, ev.ID, host.ID)
	require.ErrorIs(t, err, ErrNotCanceled)

	h.proc.RefundFunc = func(_ context.Context, ref string, _ int64) (string, error) {
		if ref == flaky.ProcessorChargeID {
			return "", testutil.ErrMockRefund
		}
		return "rfnd_" + ref, nil
	}
	res, err := h.engine.Cancel(ctx, Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	require.Equal(t, 1, res.RefundedCount)

	h.proc.RefundFunc = nil
	rep, err := h.engine.RetryRefunds(ctx, ev.ID, host.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rep.RefundedCount)
	require.Zero(t, rep.RemainingCount)
	require.Len(t, rep.PerPaymentResults, 1)
	require.Equal(t, flaky.ID, rep.PerPaymentResults[0].PaymentID)

	rep, err = h.engine.RetryRefunds(ctx, ev.ID, host.ID)
	require.NoError(t, err)
	require.Empty(t, rep.PerPaymentResults)
}

func TestStrikeTableLossDegradesGracefully(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	old := h.fx.Event(host.ID, now.Add(-30*24*time.Hour), 0)
	require.NoError(t, h.db.Model(&old).Updates(map[string]any{
		"status": models.EventCanceled, "canceled_at": now.AddDate(0, 0, -40),
	}).Error)
	ev := h.fx.Event(host.ID, now.Add(72*time.Hour), 0)
	require.NoError(t, h.db.Migrator().DropTable(&models.StrikeRecord{}))

	res, err := h.engine.Cancel(context.Background(), Request{EventID: ev.ID, HostID: host.ID})
	require.NoError(t, err)
	require.Equal(t, "canceled_events", res.StrikeStrategy)
	require.Equal(t, 2, res.StrikeOrdinal)
	require.False(t, res.StrikeRecorded)
	require.Equal(t, models.EventCanceled, h.eventStatus(t, ev.ID))
	require.Equal(t, int64(1), testutil.CounterValue(t, h.metrics, "strikes.record.failed"))
}

func TestHostStanding(t *testing.T) {
	h := newHarness(t, time.Second)
	host := h.fx.Host("host@example.com")
	h.fx.Strike(host.ID, 9999, now.AddDate(0, 0, -90))
	h.fx.Strike(host.ID, 9998, now.AddDate(0, 0, -400))
	until := now.AddDate(0, 0, 5)
	_, err := h.store.SetLockUntil(context.Background(), host.ID, until)
	require.NoError(t, err)

	s, err := h.engine.HostStanding(context.Background(), host.ID)
	require.NoError(t, err)
	require.Len(t, s.Strikes, 1)
	require.Equal(t, 2, s.NextOrdinal)
	require.Equal(t, 14, s.NextLockDays)
	require.True(t, s.NextPenalty)
	require.True(t, s.Locked)
	require.True(t, s.WindowStartAt.Equal(now.AddDate(0, 0, -strikes.DefaultWindowDays)))
}
