// Package fees computes refund totals, sunk processor fees and the gross-up
// charge needed to recover them from a host. All amounts are integer cents.
package fees

import (
	"log"

	"eventcancel-backend/internal/models"
)

// Card pricing used both for estimating legacy fees and for grossing up the
// penalty charge.
const (
	DefaultRateBps    int64 = 290 // 2.9%
	DefaultFixedCents int64 = 30
)

// Pricing is a percentage-plus-fixed card fee.
type Pricing struct {
	RateBps    int64
	FixedCents int64
}

func DefaultPricing() Pricing {
	return Pricing{RateBps: DefaultRateBps, FixedCents: DefaultFixedCents}
}

// Fee is the processor fee on a single charge of amount cents, rounding the
// percentage half up. The fixed part applies even to a zero-amount row.
func (p Pricing) Fee(amount int64) int64 {
	if amount < 0 {
		amount = 0
	}
	return (amount*p.RateBps+5000)/10000 + p.FixedCents
}

// GrossUp returns the smallest charge that still nets penalty after the fee
// on that charge: charge = ceil((penalty + fixed) / (1 - rate)).
func (p Pricing) GrossUp(penalty int64) int64 {
	if penalty < 0 {
		penalty = 0
	}
	num := (penalty + p.FixedCents) * 10000
	den := 10000 - p.RateBps
	return (num + den - 1) / den
}

// Net is what the platform keeps from a charge after the processor fee.
func (p Pricing) Net(charge int64) int64 {
	if charge <= 0 {
		return 0
	}
	return charge - p.Fee(charge)
}

// FeeStrategy derives the processor fee total from payment rows. ok=false
// means the strategy has nothing to say and the next one should run.
type FeeStrategy interface {
	Name() string
	Total(payments []models.Payment) (total int64, ok bool)
}

// RecordedFees sums the fees the processor reported.
type RecordedFees struct{}

func (RecordedFees) Name() string { return "recorded" }

func (RecordedFees) Total(payments []models.Payment) (int64, bool) {
	var sum int64
	for _, p := range payments {
		sum += p.ProcessorFeeCents
	}
	if sum == 0 && len(payments) > 0 {
		return 0, false
	}
	return sum, true
}

// EstimatedFees prices every row with the card pricing. Used for legacy rows
// that were stored without fee data.
type EstimatedFees struct{ Pricing Pricing }

func (EstimatedFees) Name() string { return "estimated" }

func (e EstimatedFees) Total(payments []models.Payment) (int64, bool) {
	var sum int64
	for _, p := range payments {
		sum += e.Pricing.Fee(p.AmountPaidCents)
	}
	return sum, true
}

// Breakdown is the calculator's output for one event.
type Breakdown struct {
	RefundTotalCents  int64  `json:"refund_total_cents"`
	ProcessorFeeCents int64  `json:"processor_fee_cents"`
	PenaltyCents      int64  `json:"penalty_cents"`
	ChargeCents       int64  `json:"charge_cents"`
	WillChargeHost    bool   `json:"will_charge_host"`
	FeeStrategy       string `json:"fee_strategy,omitempty"`
}

type Calculator struct {
	pricing    Pricing
	strategies []FeeStrategy
}

func NewCalculator(p Pricing) *Calculator {
	return &Calculator{
		pricing:    p,
		strategies: []FeeStrategy{RecordedFees{}, EstimatedFees{Pricing: p}},
	}
}

func (c *Calculator) Pricing() Pricing { return c.pricing }

// Compute builds the breakdown from every payment row of the event and the
// guest count excluding the host. penaltyGated is the lockout policy's
// penalty gate for this cancellation's strike ordinal (ordinal >= 2 by
// default); the host is charged only when it is set and guests are present.
func (c *Calculator) Compute(payments []models.Payment, guestRSVPs int64, penaltyGated bool) Breakdown {
	var b Breakdown
	for _, p := range payments {
		if !p.Refunded {
			b.RefundTotalCents += p.AmountPaidCents
		}
	}

	if len(payments) > 0 {
		for _, s := range c.strategies {
			total, ok := s.Total(payments)
			if !ok {
				continue
			}
			b.ProcessorFeeCents = total
			b.FeeStrategy = s.Name()
			if s.Name() != (RecordedFees{}).Name() {
				log.Printf("[fees] strategy=%s rows=%d fee_total=%d", s.Name(), len(payments), total)
			}
			break
		}
	}

	b.PenaltyCents = b.ProcessorFeeCents
	b.WillChargeHost = penaltyGated && guestRSVPs > 0
	if b.WillChargeHost && b.PenaltyCents > 0 {
		b.ChargeCents = c.pricing.GrossUp(b.PenaltyCents)
	}
	return b
}
