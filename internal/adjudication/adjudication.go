// Package adjudication annotates cancellation reviews with the classifier's
// verdict and reconciles a human reviewer's final decision.
package adjudication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"eventcancel-backend/internal/classifier"
	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/store"
)

var (
	ErrReviewNotFound   = errors.New("review not found")
	ErrAlreadyReviewed  = errors.New("review already decided")
	ErrInvalidDecision  = errors.New("decision must be one of: yes, no, flag")
	ErrVerdictDiscarded = errors.New("verdict arrived after the review was settled")
)

type Store interface {
	Review(ctx context.Context, id uint) (*models.CancellationReview, error)
	PatchVerdict(ctx context.Context, id uint, v models.AIVerdict) (bool, error)
	DecideReview(ctx context.Context, id uint, d store.Decision) (bool, error)
	FlagHost(ctx context.Context, hostID uint) error
}

type StrikeLedger interface {
	Has(ctx context.Context, hostID, eventID uint) (bool, error)
	Record(ctx context.Context, hostID, eventID uint, canceledAt time.Time, source string) error
}

type Service struct {
	store      Store
	ledger     StrikeLedger
	classifier classifier.Classifier
	timeout    time.Duration
	now        func() time.Time
}

func NewService(s Store, l StrikeLedger, c classifier.Classifier, timeout time.Duration) *Service {
	if c == nil {
		c = classifier.Unavailable{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{store: s, ledger: l, classifier: c, timeout: timeout, now: time.Now}
}

// WithClock overrides the clock used for timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Score asks the classifier about a review and patches its verdict in. Any
// failure leaves the provisional recommendation in place.
func (s *Service) Score(ctx context.Context, reviewID uint, in classifier.Input) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	v, err := s.classifier.Classify(ctx, in)
	if err != nil {
		return fmt.Errorf("classify review %d: %w", reviewID, err)
	}

	patched, err := s.store.PatchVerdict(ctx, reviewID, models.AIVerdict{
		StrikeRecommendation: v.StrikeRecommendation,
		CancellationType:     v.CancellationType,
		ConfidenceScore:      v.ConfidenceScore,
		ModeratorNote:        v.ModeratorNote,
		ScoredAt:             s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("patch review %d: %w", reviewID, err)
	}
	if !patched {
		return ErrVerdictDiscarded
	}
	log.Printf("[adjudication] review=%d recommendation=%s type=%s confidence=%.2f",
		reviewID, v.StrikeRecommendation, v.CancellationType, v.ConfidenceScore)
	return nil
}

type DecisionInput struct {
	ReviewerID uint   `json:"-"`
	Decision   string `json:"decision"`
	Note       string `json:"note"`
}

// Reconciliation is the settled outcome of a human decision.
type Reconciliation struct {
	Review             *models.CancellationReview `json:"review"`
	Override           bool                       `json:"moderator_override"`
	StrikeApplied      bool                       `json:"final_strike_applied"`
	CompensatingStrike bool                       `json:"compensating_strike"`
	HostFlagged        bool                       `json:"host_flagged"`
	CompensationError  string                     `json:"compensation_error,omitempty"`
}

func severity(decision string) int {
	switch decision {
	case models.RecommendYes:
		return 1
	case models.RecommendFlag:
		return 2
	default:
		return 0
	}
}

// Reconcile records a reviewer's final decision. The decision is an
// override when it differs from the standing recommendation. A decision
// that calls for a strike inserts one when the cancellation left none
// behind, and "flag" also flags the host.
func (s *Service) Reconcile(ctx context.Context, reviewID uint, in DecisionInput) (*Reconciliation, error) {
	switch in.Decision {
	case models.RecommendYes, models.RecommendNo, models.RecommendFlag:
	default:
		return nil, ErrInvalidDecision
	}

	r, err := s.store.Review(ctx, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Reviewed() {
		return nil, ErrAlreadyReviewed
	}

	out := &Reconciliation{
		Override:      in.Decision != r.AIStrikeRecommendation,
		StrikeApplied: severity(in.Decision) >= 1,
	}
	ok, err := s.store.DecideReview(ctx, reviewID, store.Decision{
		ReviewerID:    in.ReviewerID,
		FinalDecision: in.Decision,
		Override:      out.Override,
		StrikeApplied: out.StrikeApplied,
		Note:          in.Note,
		At:            s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyReviewed
	}

	if err := s.compensate(ctx, r, in.Decision, out); err != nil {
		log.Printf("[adjudication] ALERT review=%d compensation failed: %v", reviewID, err)
		out.CompensationError = err.Error()
	}

	out.Review, err = s.store.Review(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	log.Printf("[adjudication] review=%d decided=%s by=%d override=%v compensating_strike=%v flagged=%v",
		reviewID, in.Decision, in.ReviewerID, out.Override, out.CompensatingStrike, out.HostFlagged)
	return out, nil
}

func (s *Service) compensate(ctx context.Context, r *models.CancellationReview, decision string, out *Reconciliation) error {
	if severity(decision) >= 1 {
		has, err := s.ledger.Has(ctx, r.HostID, r.EventID)
		if err != nil {
			return fmt.Errorf("check strike: %w", err)
		}
		if !has {
			if err := s.ledger.Record(ctx, r.HostID, r.EventID, r.CreatedAt, models.StrikeFromReview); err != nil {
				return err
			}
			out.CompensatingStrike = true
		}
	}
	if severity(decision) >= 2 {
		if err := s.store.FlagHost(ctx, r.HostID); err != nil {
			return fmt.Errorf("flag host: %w", err)
		}
		out.HostFlagged = true
	}
	return nil
}
