package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"eventcancel-backend/internal/adjudication"
	"eventcancel-backend/internal/cancellation"
	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/processor"
	"eventcancel-backend/internal/store"
)

// Handlers carries the collaborators every route needs.
type Handlers struct {
	store    *store.Store
	engine   *cancellation.Engine
	reviews  *adjudication.Service
	verifier processor.EventVerifier
	now      func() time.Time
}

// -----------------------------
// Helper functions
// -----------------------------

func jsonError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

// getUserIDFromContext expects AuthMiddleware to set "user_id" (uint) in context.
func getUserIDFromContext(c *gin.Context) (uint, bool) {
	uid, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	v, ok := uid.(uint)
	return v, ok && v > 0
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		jsonError(c, http.StatusBadRequest, "bad_request", "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// parseTime accepts RFC3339 or YYYY-MM-DD.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

var cancellationStatus = map[string]int{
	cancellation.CodeNotFound:        http.StatusNotFound,
	cancellation.CodeNotOwner:        http.StatusForbidden,
	cancellation.CodeAlreadyCanceled: http.StatusConflict,
	cancellation.CodeNotCancelable:   http.StatusConflict,
	cancellation.CodeNotCanceled:     http.StatusConflict,
	cancellation.CodeDeclined:        http.StatusPaymentRequired,
	cancellation.CodeRequiresAction:  http.StatusPaymentRequired,
	cancellation.CodePending:         http.StatusConflict,
	cancellation.CodePenaltyFailed:   http.StatusBadGateway,
}

func cancellationError(c *gin.Context, err error) {
	code := cancellation.Code(err)
	status, ok := cancellationStatus[code]
	if !ok {
		log.Printf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
		jsonError(c, http.StatusInternalServerError, code, "internal error")
		return
	}
	var action *cancellation.ActionRequiredError
	if errors.As(err, &action) {
		c.JSON(status, gin.H{
			"error":        err.Error(),
			"code":         code,
			"client_token": action.ClientToken,
			"charge_ref":   action.ChargeRef,
			"amount_cents": action.AmountCents,
		})
		return
	}
	jsonError(c, status, code, err.Error())
}

// -----------------------------
// Events
// -----------------------------

type CreateEventRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Location    string `json:"location"`
	StartsAt    string `json:"starts_at" binding:"required"`
	EndsAt      string `json:"ends_at"`
	PriceCents  int64  `json:"price_cents" binding:"gte=0"`
}

// CreateEvent refuses hosts that are still locked out after a cancellation.
func (h *Handlers) CreateEvent(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	var body CreateEventRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		jsonError(c, http.StatusBadRequest, "bad_request", "invalid request: "+err.Error())
		return
	}
	startsAt, err := parseTime(body.StartsAt)
	if err != nil {
		jsonError(c, http.StatusBadRequest, "bad_request", "invalid starts_at (use RFC3339 or YYYY-MM-DD)")
		return
	}
	endsAt := startsAt.Add(3 * time.Hour)
	if body.EndsAt != "" {
		if endsAt, err = parseTime(body.EndsAt); err != nil || !endsAt.After(startsAt) {
			jsonError(c, http.StatusBadRequest, "bad_request", "ends_at must be a time after starts_at")
			return
		}
	}

	profile, err := h.store.HostProfile(c.Request.Context(), userID)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "db error: "+err.Error())
		return
	}
	if profile.Locked(h.now()) {
		c.JSON(http.StatusLocked, gin.H{
			"error":      "event submissions are locked after a recent cancellation",
			"code":       "locked_out",
			"lock_until": profile.LockUntil,
		})
		return
	}

	ev := models.Event{
		HostID:      userID,
		Title:       strings.TrimSpace(body.Title),
		Description: body.Description,
		Location:    body.Location,
		StartsAt:    startsAt.UTC(),
		EndsAt:      endsAt.UTC(),
		PriceCents:  body.PriceCents,
	}
	if err := h.store.CreateEvent(c.Request.Context(), &ev); err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "could not create event: "+err.Error())
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handlers) GetOrganizedEvents(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	events, err := h.store.EventsByHost(c.Request.Context(), userID)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "db error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, events)
}

// -----------------------------
// Attendance
// -----------------------------

type AttendanceRequest struct {
	Status string `json:"status" binding:"required"` // Going / Maybe / Not Going
}

func normalizeRSVP(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "going":
		return models.RSVPGoing, true
	case "maybe":
		return models.RSVPMaybe, true
	case "not going":
		return models.RSVPNotGoing, true
	}
	return "", false
}

func (h *Handlers) SetAttendance(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	var body AttendanceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		jsonError(c, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}
	status, ok := normalizeRSVP(body.Status)
	if !ok {
		jsonError(c, http.StatusBadRequest, "bad_request", "status must be one of: Going, Maybe, Not Going")
		return
	}

	ev, err := h.store.Event(c.Request.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, "not_found", "event not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "db error: "+err.Error())
		return
	}
	if ev.Status == models.EventCanceled {
		jsonError(c, http.StatusConflict, "already_canceled", "event has been canceled")
		return
	}
	if ev.HostID == userID {
		jsonError(c, http.StatusBadRequest, "bad_request", "hosts do not RSVP to their own events")
		return
	}

	att, err := h.store.UpsertRSVP(c.Request.Context(), eventID, userID, status)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "could not set attendance: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, att)
}

func (h *Handlers) GetEventAttendees(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}
	ev, err := h.store.Event(c.Request.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		jsonError(c, http.StatusNotFound, "not_found", "event not found")
		return
	}
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "db error: "+err.Error())
		return
	}
	if ev.HostID != userID {
		jsonError(c, http.StatusForbidden, "not_owner", "only the host can view attendees")
		return
	}
	rsvps, err := h.store.RSVPs(c.Request.Context(), eventID)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "db error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, rsvps)
}

// -----------------------------
// Cancellation
// -----------------------------

func (h *Handlers) PreviewCancellation(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := h.engine.Preview(c.Request.Context(), eventID, userID)
	if err != nil {
		cancellationError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type CancelRequest struct {
	Reason string `json:"reason" binding:"max=2000"`
}

func (h *Handlers) CancelEvent(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var body CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			jsonError(c, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
			return
		}
	}

	res, err := h.engine.Cancel(c.Request.Context(), cancellation.Request{
		EventID:    eventID,
		HostID:     userID,
		ReasonText: strings.TrimSpace(body.Reason),
	})
	if err != nil {
		cancellationError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) RetryRefunds(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}
	rep, err := h.engine.RetryRefunds(c.Request.Context(), eventID, userID)
	if err != nil {
		cancellationError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handlers) GetMyStrikes(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	s, err := h.engine.HostStanding(c.Request.Context(), userID)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	c.JSON(http.StatusOK, s)
}

// -----------------------------
// Reviews
// -----------------------------

func (h *Handlers) ListReviews(c *gin.Context) {
	pendingOnly := c.DefaultQuery("status", "pending") == "pending"
	limit, _ := strconv.Atoi(c.Query("limit"))
	out, err := h.store.ListReviews(c.Request.Context(), pendingOnly, limit)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, "internal", "db error: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) DecideReview(c *gin.Context) {
	reviewerID, ok := getUserIDFromContext(c)
	if !ok {
		jsonError(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}
	reviewID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var in adjudication.DecisionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		jsonError(c, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}
	in.ReviewerID = reviewerID
	in.Decision = strings.ToLower(strings.TrimSpace(in.Decision))

	out, err := h.reviews.Reconcile(c.Request.Context(), reviewID, in)
	switch {
	case errors.Is(err, adjudication.ErrInvalidDecision):
		jsonError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, adjudication.ErrReviewNotFound):
		jsonError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, adjudication.ErrAlreadyReviewed):
		jsonError(c, http.StatusConflict, "already_reviewed", err.Error())
	case err != nil:
		jsonError(c, http.StatusInternalServerError, "internal", err.Error())
	default:
		c.JSON(http.StatusOK, out)
	}
}

// -----------------------------
// Processor webhook
// -----------------------------

type webhookBody struct {
	ID string `json:"id" binding:"required"`
}

// chargeData is the part of a processor charge the webhook cares about.
type chargeData struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	Fee            int64          `json:"fee"`
	FeeVat         int64          `json:"fee_vat"`
	Status         string         `json:"status"`
	Authorized     bool           `json:"authorized"`
	AuthorizeURI   string         `json:"authorize_uri"`
	FailureCode    *string        `json:"failure_code"`
	FailureMessage *string        `json:"failure_message"`
	Metadata       map[string]any `json:"metadata"`
}

func metaUint(m map[string]any, key string) uint {
	switch v := m[key].(type) {
	case float64:
		return uint(v)
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return uint(n)
	}
	return 0
}

// ProcessorWebhook trusts only the event id from the body and re-fetches
// the event from the processor. Redeliveries are no-ops.
func (h *Handlers) ProcessorWebhook(c *gin.Context) {
	var body webhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		jsonError(c, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}
	ev, err := h.verifier.VerifyEvent(c.Request.Context(), body.ID)
	if err != nil {
		log.Printf("[webhook] verify %s: %v", body.ID, err)
		jsonError(c, http.StatusBadRequest, "unverified", "event could not be verified")
		return
	}
	if !strings.HasPrefix(ev.Key, "charge.") {
		c.JSON(http.StatusOK, gin.H{"ignored": ev.Key})
		return
	}

	var ch chargeData
	if err := json.Unmarshal(ev.Data, &ch); err != nil {
		log.Printf("[webhook] decode charge in %s: %v", ev.ID, err)
		jsonError(c, http.StatusBadRequest, "bad_request", "unexpected charge payload")
		return
	}

	result, err := h.applyCharge(c.Request.Context(), ch)
	if err != nil {
		log.Printf("[webhook] event=%s charge=%s: %v", ev.ID, ch.ID, err)
		jsonError(c, http.StatusInternalServerError, "internal", "could not apply charge")
		return
	}
	log.Printf("[webhook] event=%s key=%s charge=%s %s", ev.ID, ev.Key, ch.ID, result)
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handlers) applyCharge(ctx context.Context, ch chargeData) (string, error) {
	status := processor.MapStatus(ch.Status, ch.AuthorizeURI, ch.Authorized)

	if kind, _ := ch.Metadata["kind"].(string); kind == "penalty" {
		var parts []string
		if ch.FailureCode != nil {
			parts = append(parts, *ch.FailureCode)
		}
		if ch.FailureMessage != nil {
			parts = append(parts, *ch.FailureMessage)
		}
		reason := strings.Join(parts, ": ")
		found, err := h.store.UpdatePenaltyStatusByRef(ctx, ch.ID, penaltyStatus(status), reason)
		if err != nil {
			return "", err
		}
		if !found {
			return "unknown penalty charge", nil
		}
		return "penalty " + string(status), nil
	}

	if status != processor.StatusSucceeded {
		return "guest charge " + string(status) + ", nothing recorded", nil
	}
	eventID, userID := metaUint(ch.Metadata, "event_id"), metaUint(ch.Metadata, "user_id")
	if eventID == 0 || userID == 0 {
		return "guest charge without event/user metadata, skipped", nil
	}
	p := &models.Payment{
		EventID:           eventID,
		UserID:            userID,
		ProcessorChargeID: ch.ID,
		AmountPaidCents:   ch.Amount,
		ProcessorFeeCents: ch.Fee + ch.FeeVat,
	}
	rsvp, err := h.store.RSVPFor(ctx, eventID, userID)
	switch {
	case err == nil:
		p.RSVPID = &rsvp.ID
	case !errors.Is(err, store.ErrNotFound):
		return "", err
	}
	created, err := h.store.UpsertPayment(ctx, p)
	if err != nil {
		return "", err
	}
	if !created {
		return "duplicate guest payment", nil
	}

	// a payment that lands after the cancellation is refunded straight away
	ev, err := h.store.Event(ctx, eventID)
	if err != nil || ev.Status != models.EventCanceled {
		return "guest payment recorded", nil
	}
	rep, err := h.engine.RetryRefunds(ctx, eventID, ev.HostID)
	if err != nil || rep.RemainingCount > 0 {
		log.Printf("[webhook] ALERT charge=%s paid into canceled event=%d not refunded, retry refunds: %v", ch.ID, eventID, err)
		return "guest payment recorded on canceled event, refund outstanding", nil
	}
	return "guest payment recorded on canceled event, refunded", nil
}

func penaltyStatus(s processor.ChargeStatus) string {
	switch s {
	case processor.StatusSucceeded:
		return models.ChargeSucceeded
	case processor.StatusRequiresAction:
		return models.ChargeRequiresAction
	case processor.StatusDeclined:
		return models.ChargeDeclined
	default:
		return models.ChargePending
	}
}
