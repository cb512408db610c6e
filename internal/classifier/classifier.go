// Package classifier is the contract for the external reason classifier that
// scores a host's cancellation reason. Its answers are advisory.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable means no classifier is reachable; callers treat it as "no
// recommendation".
var ErrUnavailable = errors.New("reason classifier unavailable")

const (
	TypeInvoluntary = "involuntary"
	TypeVoluntary   = "voluntary"
)

type EventContext struct {
	EventID     uint      `json:"event_id"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	ShortNotice bool      `json:"short_notice"`
	GuestCount  int64     `json:"guest_count"`
	Paid        bool      `json:"paid"`
}

type Input struct {
	ReasonText                 string       `json:"reason_text"`
	Event                      EventContext `json:"event_context"`
	HostPriorCancellationCount int          `json:"host_prior_cancellation_count"`
}

type Verdict struct {
	StrikeRecommendation string  `json:"strike_recommendation"` // yes | no | flag
	CancellationType     string  `json:"cancellation_type"`     // involuntary | voluntary
	ConfidenceScore      float64 `json:"confidence_score"`
	ModeratorNote        string  `json:"moderator_note"`
}

// Validate rejects verdicts outside the contract.
func (v Verdict) Validate() error {
	switch v.StrikeRecommendation {
	case "yes", "no", "flag":
	default:
		return fmt.Errorf("invalid strike recommendation %q", v.StrikeRecommendation)
	}
	switch v.CancellationType {
	case TypeInvoluntary, TypeVoluntary:
	default:
		return fmt.Errorf("invalid cancellation type %q", v.CancellationType)
	}
	if v.ConfidenceScore < 0 || v.ConfidenceScore > 1 {
		return fmt.Errorf("confidence score %v out of range", v.ConfidenceScore)
	}
	return nil
}

type Classifier interface {
	Classify(ctx context.Context, in Input) (Verdict, error)
}

// Unavailable is used when no classifier endpoint is configured.
type Unavailable struct{}

func (Unavailable) Classify(context.Context, Input) (Verdict, error) {
	return Verdict{}, ErrUnavailable
}
