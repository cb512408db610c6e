package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"eventcancel-backend/internal/models"
)

// Store is the gorm-backed datastore for events, payments, RSVPs, reviews,
// host profiles and penalty charges. Strike records are owned by the
// strikes package.
type Store struct{ db *gorm.DB }

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for packages that own their own tables.
func (s *Store) DB() *gorm.DB { return s.db }

// -----------------------------
// Events
// -----------------------------

// CreateEvent inserts the event and the host's own RSVP row.
func (s *Store) CreateEvent(ctx context.Context, ev *models.Event) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ev.Status == "" {
			ev.Status = models.EventPending
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		host := models.RSVP{EventID: ev.ID, UserID: ev.HostID, Role: models.RoleHost}
		return tx.Where("event_id = ? AND user_id = ?", ev.ID, ev.HostID).FirstOrCreate(&host).Error
	})
}

func (s *Store) Event(ctx context.Context, id uint) (*models.Event, error) {
	var ev models.Event
	if err := s.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

// EventsByHost lists the host's events, soonest first.
func (s *Store) EventsByHost(ctx context.Context, hostID uint) ([]models.Event, error) {
	var out []models.Event
	err := s.db.WithContext(ctx).Where("host_id = ?", hostID).Order("starts_at asc").Find(&out).Error
	return out, err
}

// MarkCanceled moves a pending or approved event to canceled. It is a
// compare-and-swap on status: false means another writer got there first
// or the event was never cancelable.
func (s *Store) MarkCanceled(ctx context.Context, id uint, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND status IN ?", id, []string{models.EventPending, models.EventApproved}).
		Updates(map[string]any{"status": models.EventCanceled, "canceled_at": at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// -----------------------------
// RSVPs
// -----------------------------

// UpsertRSVP sets the caller's attendance, creating an attendee row if needed.
func (s *Store) UpsertRSVP(ctx context.Context, eventID, userID uint, status string) (*models.RSVP, error) {
	var att models.RSVP
	err := s.db.WithContext(ctx).Where("event_id = ? AND user_id = ?", eventID, userID).First(&att).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		att = models.RSVP{EventID: eventID, UserID: userID, Role: models.RoleAttendee, Status: status}
		if err := s.db.WithContext(ctx).Create(&att).Error; err != nil {
			return nil, err
		}
		return &att, nil
	}
	if err != nil {
		return nil, err
	}
	att.Status = status
	if err := s.db.WithContext(ctx).Save(&att).Error; err != nil {
		return nil, err
	}
	return &att, nil
}

// RSVPs lists every row for the event, host included.
func (s *Store) RSVPs(ctx context.Context, eventID uint) ([]models.RSVP, error) {
	var out []models.RSVP
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) RSVPFor(ctx context.Context, eventID, userID uint) (*models.RSVP, error) {
	var r models.RSVP
	if err := s.db.WithContext(ctx).Where("event_id = ? AND user_id = ?", eventID, userID).Take(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) guestRSVPs(ctx context.Context, eventID, hostID uint) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.RSVP{}).
		Where("event_id = ? AND user_id <> ? AND role = ?", eventID, hostID, models.RoleAttendee).
		Where("status IS NULL OR status <> ?", models.RSVPNotGoing)
}

// GuestRSVPCount counts committed guests, excluding the host.
func (s *Store) GuestRSVPCount(ctx context.Context, eventID, hostID uint) (int64, error) {
	var n int64
	err := s.guestRSVPs(ctx, eventID, hostID).Count(&n).Error
	return n, err
}

// GuestIDs lists committed guests and anyone holding a payment for the event.
func (s *Store) GuestIDs(ctx context.Context, eventID, hostID uint) ([]uint, error) {
	var rsvpUsers []uint
	if err := s.guestRSVPs(ctx, eventID, hostID).Pluck("user_id", &rsvpUsers).Error; err != nil {
		return nil, err
	}
	var payers []uint
	if err := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("event_id = ? AND user_id <> ?", eventID, hostID).
		Distinct().Pluck("user_id", &payers).Error; err != nil {
		return nil, err
	}

	seen := make(map[uint]struct{}, len(rsvpUsers)+len(payers))
	out := make([]uint, 0, len(rsvpUsers)+len(payers))
	for _, id := range append(rsvpUsers, payers...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// -----------------------------
// Payments
// -----------------------------

// Payments returns every payment row for the event, refunded or not.
func (s *Store) Payments(ctx context.Context, eventID uint) ([]models.Payment, error) {
	var out []models.Payment
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id asc").Find(&out).Error
	return out, err
}

// OutstandingPayments returns the rows still waiting for a refund.
func (s *Store) OutstandingPayments(ctx context.Context, eventID uint) ([]models.Payment, error) {
	var out []models.Payment
	err := s.db.WithContext(ctx).Where("event_id = ? AND refunded = ?", eventID, false).Order("id asc").Find(&out).Error
	return out, err
}

// MarkRefunded flips the payment to refunded and the linked RSVP to unpaid.
// A payment that is already refunded is left untouched.
func (s *Store) MarkRefunded(ctx context.Context, paymentID uint, refundRef string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Payment
		if err := tx.First(&p, paymentID).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&models.Payment{}).
			Where("id = ? AND refunded = ?", paymentID, false).
			Updates(map[string]any{"refunded": true, "refund_ref": refundRef, "refunded_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || p.RSVPID == nil {
			return nil
		}
		return tx.Model(&models.RSVP{}).Where("id = ?", *p.RSVPID).Update("paid", false).Error
	})
}

// UpsertPayment records a confirmed guest payment keyed by the processor's
// charge id. Redelivered notifications for the same charge are no-ops.
func (s *Store) UpsertPayment(ctx context.Context, p *models.Payment) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "processor_charge_id"}},
			DoNothing: true,
		}).Create(p)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		if !created || p.RSVPID == nil {
			return nil
		}
		return tx.Model(&models.RSVP{}).Where("id = ?", *p.RSVPID).Update("paid", true).Error
	})
	return created, err
}

// -----------------------------
// Reviews
// -----------------------------

func (s *Store) CreateReview(ctx context.Context, r *models.CancellationReview) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) Review(ctx context.Context, id uint) (*models.CancellationReview, error) {
	var r models.CancellationReview
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// ListReviews returns newest first. pendingOnly limits to undecided reviews.
func (s *Store) ListReviews(ctx context.Context, pendingOnly bool, limit int) ([]models.CancellationReview, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&models.CancellationReview{})
	if pendingOnly {
		q = q.Where("reviewed_by IS NULL")
	}
	var out []models.CancellationReview
	err := q.Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// PatchVerdict writes the classifier verdict once. A second patch, or a
// patch after a human decided the review, is dropped.
func (s *Store) PatchVerdict(ctx context.Context, id uint, v models.AIVerdict) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.CancellationReview{ID: id}).
		Where("ai_verdict IS NULL AND reviewed_by IS NULL").
		Select("ai_verdict", "ai_strike_recommendation").
		Updates(&models.CancellationReview{AIVerdict: &v, AIStrikeRecommendation: v.StrikeRecommendation})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Decision is a reviewer's final call on a review.
type Decision struct {
	ReviewerID    uint
	FinalDecision string
	Override      bool
	StrikeApplied bool
	Note          string
	At            time.Time
}

// DecideReview stores the reviewer's decision once; false means the review
// was already decided.
func (s *Store) DecideReview(ctx context.Context, id uint, d Decision) (bool, error) {
	reviewer := d.ReviewerID
	applied := d.StrikeApplied
	at := d.At
	res := s.db.WithContext(ctx).Model(&models.CancellationReview{ID: id}).
		Where("reviewed_by IS NULL").
		Select("reviewed_by", "reviewed_at", "final_decision", "moderator_override", "final_strike_applied", "mod_note").
		Updates(&models.CancellationReview{
			ReviewedBy:         &reviewer,
			ReviewedAt:         &at,
			FinalDecision:      d.FinalDecision,
			ModeratorOverride:  d.Override,
			FinalStrikeApplied: &applied,
			ModNote:            d.Note,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// -----------------------------
// Host profiles
// -----------------------------

// HostProfile returns the host's profile, or an empty one if none exists yet.
func (s *Store) HostProfile(ctx context.Context, hostID uint) (*models.HostProfile, error) {
	var p models.HostProfile
	err := s.db.WithContext(ctx).Where("user_id = ?", hostID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.HostProfile{UserID: hostID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetLockUntil extends the host's lockout to until. An existing lockout that
// ends later is kept.
func (s *Store) SetLockUntil(ctx context.Context, hostID uint, until time.Time) (time.Time, error) {
	effective := until
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.HostProfile
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", hostID).Take(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.HostProfile{UserID: hostID, LockUntil: &until}).Error
		}
		if err != nil {
			return err
		}
		if p.LockUntil != nil && p.LockUntil.After(until) {
			effective = *p.LockUntil
			return nil
		}
		return tx.Model(&p).Update("lock_until", until).Error
	})
	return effective, err
}

// FlagHost marks the host for manual attention.
func (s *Store) FlagHost(ctx context.Context, hostID uint) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"flagged": true}),
	}).Create(&models.HostProfile{UserID: hostID, Flagged: true}).Error
}

// SaveHostProfile upserts the whole profile.
func (s *Store) SaveHostProfile(ctx context.Context, p *models.HostProfile) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// -----------------------------
// Penalty charges
// -----------------------------

func (s *Store) PenaltyCharge(ctx context.Context, eventID, hostID uint) (*models.PenaltyCharge, error) {
	var pc models.PenaltyCharge
	err := s.db.WithContext(ctx).Where("event_id = ? AND host_id = ?", eventID, hostID).Take(&pc).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &pc, nil
}

// CreatePenaltyCharge inserts the tracking row. A concurrent insert for the
// same (event, host) fails on the unique index.
func (s *Store) CreatePenaltyCharge(ctx context.Context, pc *models.PenaltyCharge) error {
	return s.db.WithContext(ctx).Create(pc).Error
}

// ClaimPenaltyCharge moves the row to charging when it still holds the
// observed status and charge ref, so only one attempt talks to the
// processor at a time. A charging row can be taken over only when it has not
// been touched since staleBefore. On success pc reflects the claimed row.
func (s *Store) ClaimPenaltyCharge(ctx context.Context, pc *models.PenaltyCharge, key string, at, staleBefore time.Time) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.PenaltyCharge{}).
		Where("id = ? AND status = ? AND charge_ref = ?", pc.ID, pc.Status, pc.ChargeRef)
	if pc.Status == models.ChargeCharging {
		q = q.Where("updated_at < ?", staleBefore)
	}
	res := q.Updates(map[string]any{
		"status":          models.ChargeCharging,
		"idempotency_key": key,
		"charge_ref":      "",
		"client_token":    "",
		"failure_reason":  "",
		"updated_at":      at,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	pc.Status = models.ChargeCharging
	pc.IdempotencyKey = key
	pc.ChargeRef = ""
	pc.ClientToken = ""
	pc.FailureReason = ""
	pc.UpdatedAt = at
	return true, nil
}

// UpdatePenaltyCharge writes pc when the stored row still holds fromStatus
// and fromRef. false means another attempt moved the row first.
func (s *Store) UpdatePenaltyCharge(ctx context.Context, pc *models.PenaltyCharge, fromStatus, fromRef string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PenaltyCharge{}).
		Where("id = ? AND status = ? AND charge_ref = ?", pc.ID, fromStatus, fromRef).
		Updates(map[string]any{
			"status":          pc.Status,
			"charge_ref":      pc.ChargeRef,
			"idempotency_key": pc.IdempotencyKey,
			"amount_cents":    pc.AmountCents,
			"penalty_cents":   pc.PenaltyCents,
			"client_token":    pc.ClientToken,
			"failure_reason":  pc.FailureReason,
			"updated_at":      pc.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdatePenaltyStatusByRef applies an asynchronous status change reported by
// the processor. It returns false when no charge carries that reference.
func (s *Store) UpdatePenaltyStatusByRef(ctx context.Context, chargeRef, status, reason string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PenaltyCharge{}).
		Where("charge_ref = ?", chargeRef).
		Updates(map[string]any{"status": status, "failure_reason": reason})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
