package models

import (
	"time"
)

// Event statuses. Canceled is terminal.
const (
	EventPending  = "pending"
	EventApproved = "approved"
	EventRejected = "rejected"
	EventCanceled = "canceled"
)

// RSVP roles and statuses
const (
	RoleHost     = "host"
	RoleAttendee = "attendee"

	RSVPGoing    = "Going"
	RSVPMaybe    = "Maybe"
	RSVPNotGoing = "Not Going"
)

// User is an account known to the engine. Identity itself lives elsewhere.
type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Role      string    `json:"role" gorm:"type:varchar(32)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HostProfile carries the lockout field read by the event-creation path.
type HostProfile struct {
	UserID uint `json:"user_id" gorm:"primaryKey;autoIncrement:false"`
	// PaymentCustomerRef is the processor customer holding the host's stored card.
	PaymentCustomerRef string     `json:"-"`
	LockUntil          *time.Time `json:"lock_until"`
	Flagged            bool       `json:"flagged"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Locked reports whether the host may not submit new events at now.
func (p HostProfile) Locked(now time.Time) bool {
	return p.LockUntil != nil && p.LockUntil.After(now)
}

type Event struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	HostID      uint       `json:"host_id" gorm:"index;not null"`
	Title       string     `json:"title" gorm:"not null"`
	Description string     `json:"description"`
	Location    string     `json:"location"`
	Status      string     `json:"status" gorm:"type:varchar(16);index;not null"`
	StartsAt    time.Time  `json:"starts_at" gorm:"not null"`
	EndsAt      time.Time  `json:"ends_at" gorm:"not null"`
	PriceCents  int64      `json:"price_cents"`
	CanceledAt  *time.Time `json:"canceled_at" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// RSVP links a user to an event. The host has a row with RoleHost.
type RSVP struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	EventID   uint      `json:"event_id" gorm:"index;not null"`
	UserID    uint      `json:"user_id" gorm:"index;not null"`
	Role      string    `json:"role" gorm:"type:varchar(32);not null"`
	Status    string    `json:"status" gorm:"type:varchar(32)"`
	Paid      bool      `json:"paid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RSVP) TableName() string { return "rsvps" }

// Payment is one guest payment intent. Refunded flips only after the
// processor confirms the refund.
type Payment struct {
	ID                uint       `json:"id" gorm:"primaryKey"`
	EventID           uint       `json:"event_id" gorm:"index;not null"`
	UserID            uint       `json:"user_id" gorm:"index;not null"`
	RSVPID            *uint      `json:"rsvp_id"`
	ProcessorChargeID string     `json:"processor_charge_id" gorm:"uniqueIndex;not null"`
	AmountPaidCents   int64      `json:"amount_paid_cents" gorm:"not null"`
	ProcessorFeeCents int64      `json:"processor_fee_cents"`
	Refunded          bool       `json:"refunded" gorm:"index"`
	RefundRef         string     `json:"refund_ref,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Strike sources
const (
	StrikeFromCancellation = "cancellation"
	StrikeFromReview       = "review"
)

// StrikeRecord is append-only and only ever counted.
type StrikeRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	HostID     uint      `json:"host_id" gorm:"index:idx_strike_host_time;not null"`
	EventID    uint      `json:"event_id" gorm:"index;not null"`
	CanceledAt time.Time `json:"canceled_at" gorm:"index:idx_strike_host_time;not null"`
	Source     string    `json:"source" gorm:"type:varchar(16)"`
	CreatedAt  time.Time `json:"created_at"`
}

// Strike recommendations shared by the classifier and reviewers.
const (
	RecommendNo   = "no"
	RecommendYes  = "yes"
	RecommendFlag = "flag"
)

// AIVerdict is the classifier's answer for a review.
type AIVerdict struct {
	StrikeRecommendation string    `json:"strike_recommendation"`
	CancellationType     string    `json:"cancellation_type"`
	ConfidenceScore      float64   `json:"confidence_score"`
	ModeratorNote        string    `json:"moderator_note"`
	ScoredAt             time.Time `json:"scored_at"`
}

// CancellationReview is created at cancellation time, patched once by the
// classifier and later decided by a human reviewer.
type CancellationReview struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	EventID       uint   `json:"event_id" gorm:"index;not null"`
	HostID        uint   `json:"host_id" gorm:"index;not null"`
	ReasonText    string `json:"reason_text" gorm:"type:text"`
	ShortNotice   bool   `json:"short_notice"`
	StrikeOrdinal int    `json:"strike_ordinal"`

	// AIStrikeRecommendation starts as a provisional heuristic and is
	// replaced by the classifier's recommendation when AIVerdict arrives.
	AIStrikeRecommendation string     `json:"ai_strike_recommendation" gorm:"type:varchar(8)"`
	AIVerdict              *AIVerdict `json:"ai_verdict,omitempty" gorm:"serializer:json;type:text"`

	ReviewedBy         *uint      `json:"reviewed_by,omitempty" gorm:"index"`
	ReviewedAt         *time.Time `json:"reviewed_at,omitempty"`
	FinalDecision      string     `json:"final_decision,omitempty" gorm:"type:varchar(8)"`
	ModeratorOverride  bool       `json:"moderator_override"`
	FinalStrikeApplied *bool      `json:"final_strike_applied,omitempty"`
	ModNote            string     `json:"mod_note,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Verdict returns the classifier verdict if one has been patched in.
func (r CancellationReview) Verdict() (AIVerdict, bool) {
	if r.AIVerdict == nil {
		return AIVerdict{}, false
	}
	return *r.AIVerdict, true
}

// Reviewed reports whether a human has decided the review.
func (r CancellationReview) Reviewed() bool {
	return r.ReviewedBy != nil
}

// Penalty charge statuses
const (
	ChargeSucceeded      = "succeeded"
	ChargeRequiresAction = "requires_action"
	ChargePending        = "pending"
	ChargeDeclined       = "declined"
	// ChargeCharging marks a row whose charge request is in flight.
	ChargeCharging       = "charging"
)

// PenaltyCharge tracks the gross-up charge for one (event, host) pair so
// retries look up the prior charge instead of creating a new one.
type PenaltyCharge struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	EventID        uint      `json:"event_id" gorm:"uniqueIndex:idx_penalty_event_host;not null"`
	HostID         uint      `json:"host_id" gorm:"uniqueIndex:idx_penalty_event_host;not null"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"uniqueIndex;not null"`
	ChargeRef      string    `json:"charge_ref" gorm:"index"`
	AmountCents    int64     `json:"amount_cents"`
	PenaltyCents   int64     `json:"penalty_cents"`
	Status         string    `json:"status" gorm:"type:varchar(16)"`
	ClientToken    string    `json:"client_token,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// All lists every model for AutoMigrate.
func All() []any {
	return []any{
		&User{}, &HostProfile{}, &Event{}, &RSVP{}, &Payment{},
		&StrikeRecord{}, &CancellationReview{}, &PenaltyCharge{},
	}
}
