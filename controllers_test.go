package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"eventcancel-backend/internal/adjudication"
	"eventcancel-backend/internal/cancellation"
	"eventcancel-backend/internal/dispatch"
	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/penalty"
	"eventcancel-backend/internal/processor"
	"eventcancel-backend/internal/store"
	"eventcancel-backend/internal/strikes"
	"eventcancel-backend/internal/testutil"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type stubVerifier struct {
	events map[string]*processor.WebhookEvent
}

func (s stubVerifier) VerifyEvent(_ context.Context, id string) (*processor.WebhookEvent, error) {
	ev, ok := s.events[id]
	if !ok {
		return nil, processor.ErrNotConfigured
	}
	return ev, nil
}

type apiHarness struct {
	db       *gorm.DB
	fx       *testutil.Fixtures
	store    *store.Store
	proc     *testutil.MockProcessor
	runner   *dispatch.Runner
	verifier stubVerifier
	router   *gin.Engine
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.NewDB(t)
	clock := func() time.Time { return testNow }
	h := &apiHarness{
		db:       db,
		fx:       testutil.NewFixtures(t, db),
		store:    store.New(db),
		proc:     testutil.NewMockProcessor(),
		runner:   dispatch.NewRunner(time.Second),
		verifier: stubVerifier{events: map[string]*processor.WebhookEvent{}},
	}
	ledger := strikes.NewLedger(db, strikes.WithClock(clock))
	reviews := adjudication.NewService(h.store, ledger, &testutil.MockClassifier{}, time.Second).WithClock(clock)
	engine := cancellation.New(cancellation.Deps{
		Store:       h.store,
		Ledger:      ledger,
		Refunder:    h.proc,
		Penalty:     penalty.NewFlow(h.store, h.proc),
		Adjudicator: reviews,
		Notifier:    testutil.NewMockNotifier(),
		Dispatcher:  h.runner,
	}, cancellation.Config{}).WithClock(clock)

	h.router = gin.New()
	SetupRoutes(h.router, &Handlers{
		store:    h.store,
		engine:   engine,
		reviews:  reviews,
		verifier: h.verifier,
		now:      clock,
	}, testSecret)
	t.Cleanup(func() { _ = h.runner.Wait(context.Background()) })
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, userID uint, role string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		tok, err := GenerateToken(testSecret, userID, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func urlf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

func TestRequiresBearerToken(t *testing.T) {
	h := newAPI(t)
	w, body := h.do(t, http.MethodPost, "/api/events/1/cancel", 0, "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "unauthorized", body["code"])

	req := httptest.NewRequest(http.MethodGet, "/api/hosts/me/strikes", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPreviewThenCancel(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 2000)
	h.fx.PaidGuest(ev.ID, "a@example.com", 2000, 88)

	w, body := h.do(t, http.MethodGet, urlf("/api/events/%d/cancellation", ev.ID), host.ID, RoleHost, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, body["strike_ordinal"])
	require.EqualValues(t, 2000, body["refund_total_cents"])
	require.Equal(t, false, body["will_charge_host"])

	w, body = h.do(t, http.MethodPost, urlf("/api/events/%d/cancel", ev.ID), host.ID, RoleHost,
		gin.H{"reason": "speaker fell ill"})
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, body["refunded_count"])
	require.EqualValues(t, 1, body["strike_ordinal"])
	require.NotZero(t, body["review_id"])

	w, body = h.do(t, http.MethodPost, urlf("/api/events/%d/cancel", ev.ID), host.ID, RoleHost, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, cancellation.CodeAlreadyCanceled, body["code"])
}

func TestCancelByOtherUserIsForbidden(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	intruder := h.fx.Guest("intruder@example.com")
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 0)

	w, body := h.do(t, http.MethodPost, urlf("/api/events/%d/cancel", ev.ID), intruder.ID, RoleHost, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, cancellation.CodeNotOwner, body["code"])

	w, body = h.do(t, http.MethodPost, "/api/events/999/cancel", host.ID, RoleHost, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, cancellation.CodeNotFound, body["code"])
}

func TestCancelRequiresActionReturnsToken(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	h.fx.Strike(host.ID, 9999, testNow.AddDate(0, 0, -30))
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 2000)
	h.fx.PaidGuest(ev.ID, "a@example.com", 2000, 88)
	h.proc.ChargeFunc = func(context.Context, processor.ChargeRequest) (*processor.ChargeResult, error) {
		return &processor.ChargeResult{ID: "chrg_3ds", Status: processor.StatusRequiresAction, ClientToken: "https://3ds.example.com/x"}, nil
	}

	w, body := h.do(t, http.MethodPost, urlf("/api/events/%d/cancel", ev.ID), host.ID, RoleHost, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, cancellation.CodeRequiresAction, body["code"])
	require.Equal(t, "https://3ds.example.com/x", body["client_token"])
}

func TestCreateEventRefusedWhileLocked(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	event := gin.H{"title": "Picnic", "starts_at": "2026-04-01T15:00:00Z", "price_cents": 0}

	w, _ := h.do(t, http.MethodPost, "/api/events", host.ID, RoleHost, event)
	require.Equal(t, http.StatusCreated, w.Code)

	_, err := h.store.SetLockUntil(context.Background(), host.ID, testNow.AddDate(0, 0, 14))
	require.NoError(t, err)
	w, body := h.do(t, http.MethodPost, "/api/events", host.ID, RoleHost, event)
	require.Equal(t, http.StatusLocked, w.Code)
	require.Equal(t, "locked_out", body["code"])
}

func TestRespondCountsAsGuest(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	guest := h.fx.Guest("guest@example.com")
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 0)

	w, _ := h.do(t, http.MethodPost, urlf("/api/events/%d/respond", ev.ID), guest.ID, RoleHost, gin.H{"status": "going"})
	require.Equal(t, http.StatusOK, w.Code)
	n, err := h.store.GuestRSVPCount(context.Background(), ev.ID, host.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	w, _ = h.do(t, http.MethodPost, urlf("/api/events/%d/respond", ev.ID), guest.ID, RoleHost, gin.H{"status": "not going"})
	require.Equal(t, http.StatusOK, w.Code)
	n, err = h.store.GuestRSVPCount(context.Background(), ev.ID, host.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	w, _ = h.do(t, http.MethodPost, urlf("/api/events/%d/respond", ev.ID), guest.ID, RoleHost, gin.H{"status": "perhaps"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviewerDecision(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	reviewer := h.fx.Guest("mod@example.com")
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 0)

	w, body := h.do(t, http.MethodPost, urlf("/api/events/%d/cancel", ev.ID), host.ID, RoleHost, gin.H{"reason": "meh"})
	require.Equal(t, http.StatusOK, w.Code)
	reviewID := uint(body["review_id"].(float64))

	w, _ = h.do(t, http.MethodGet, "/api/reviews", host.ID, RoleHost, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, _ = h.do(t, http.MethodGet, "/api/reviews?status=pending", reviewer.ID, RoleReviewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []models.CancellationReview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)

	w, body = h.do(t, http.MethodPost, urlf("/api/reviews/%d/decision", reviewID), reviewer.ID, RoleReviewer,
		gin.H{"decision": "flag", "note": "pattern of late cancellations"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, body["moderator_override"])
	require.Equal(t, true, body["host_flagged"])

	w, body = h.do(t, http.MethodPost, urlf("/api/reviews/%d/decision", reviewID), reviewer.ID, RoleReviewer,
		gin.H{"decision": "no"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "already_reviewed", body["code"])
}

func chargeEvent(t *testing.T, id, key string, charge map[string]any) *processor.WebhookEvent {
	t.Helper()
	raw, err := json.Marshal(charge)
	require.NoError(t, err)
	return &processor.WebhookEvent{ID: id, Key: key, Data: raw}
}

func TestWebhookRecordsGuestPaymentOnce(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	guest := h.fx.Guest("guest@example.com")
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 2000)
	rsvp := h.fx.RSVP(ev.ID, guest.ID)
	h.verifier.events["evnt_1"] = chargeEvent(t, "evnt_1", "charge.complete", map[string]any{
		"id": "chrg_guest_1", "amount": 2000, "fee": 82, "fee_vat": 6, "status": "successful",
		"metadata": map[string]any{"kind": "ticket", "event_id": ev.ID, "user_id": guest.ID},
	})

	for range 2 {
		w, _ := h.do(t, http.MethodPost, "/webhooks/omise", 0, "", gin.H{"id": "evnt_1"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	payments, err := h.store.Payments(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, int64(88), payments[0].ProcessorFeeCents)
	require.Equal(t, rsvp.ID, *payments[0].RSVPID)

	var got models.RSVP
	require.NoError(t, h.db.First(&got, rsvp.ID).Error)
	require.True(t, got.Paid)
}

func TestWebhookRefundsPaymentForCanceledEvent(t *testing.T) {
	h := newAPI(t)
	host := h.fx.Host("host@example.com")
	guest := h.fx.Guest("guest@example.com")
	ev := h.fx.Event(host.ID, testNow.Add(72*time.Hour), 2000)
	h.fx.RSVP(ev.ID, guest.ID)
	ok, err := h.store.MarkCanceled(context.Background(), ev.ID, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	h.verifier.events["evnt_late"] = chargeEvent(t, "evnt_late", "charge.complete", map[string]any{
		"id": "chrg_late", "amount": 2000, "fee": 82, "fee_vat": 6, "status": "successful",
		"metadata": map[string]any{"kind": "ticket", "event_id": ev.ID, "user_id": guest.ID},
	})

	w, body := h.do(t, http.MethodPost, "/webhooks/omise", 0, "", gin.H{"id": "evnt_late"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "guest payment recorded on canceled event, refunded", body["result"])
	require.Equal(t, []string{"chrg_late"}, h.proc.Refunds)

	outstanding, err := h.store.OutstandingPayments(context.Background(), ev.ID)
	require.NoError(t, err)
	require.Empty(t, outstanding)
}

func TestWebhookUpdatesPenaltyCharge(t *testing.T) {
	h := newAPI(t)
	require.NoError(t, h.store.CreatePenaltyCharge(context.Background(), &models.PenaltyCharge{
		EventID: 1, HostID: 2, IdempotencyKey: "k1", ChargeRef: "chrg_pen", Status: models.ChargeRequiresAction,
	}))
	h.verifier.events["evnt_2"] = chargeEvent(t, "evnt_2", "charge.complete", map[string]any{
		"id": "chrg_pen", "amount": 213, "status": "successful", "authorized": true,
		"metadata": map[string]any{"kind": "penalty"},
	})

	w, _ := h.do(t, http.MethodPost, "/webhooks/omise", 0, "", gin.H{"id": "evnt_2"})
	require.Equal(t, http.StatusOK, w.Code)

	pc, err := h.store.PenaltyCharge(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Equal(t, models.ChargeSucceeded, pc.Status)
}

func TestWebhookRejectsUnverifiedEvent(t *testing.T) {
	h := newAPI(t)
	w, body := h.do(t, http.MethodPost, "/webhooks/omise", 0, "", gin.H{"id": "evnt_forged"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "unverified", body["code"])
}
