// Package lockout maps a host's strike ordinal to a submission lockout.
package lockout

import (
	"sort"
	"time"
)

// Tier applies from MinOrdinal upward until the next tier starts.
type Tier struct {
	MinOrdinal int  `mapstructure:"min_ordinal"`
	LockDays   int  `mapstructure:"lock_days"`
	Penalty    bool `mapstructure:"penalty"`
}

// Decision is the policy outcome for one strike ordinal. PenaltyGated means
// a monetary penalty applies when guests are present.
type Decision struct {
	LockDays     int  `json:"lock_days"`
	PenaltyGated bool `json:"penalty_gated"`
}

// LockUntil is the end of the lockout starting at now, or nil when there
// is no lockout.
func (d Decision) LockUntil(now time.Time) *time.Time {
	if d.LockDays <= 0 {
		return nil
	}
	t := now.AddDate(0, 0, d.LockDays)
	return &t
}

type Policy struct {
	tiers []Tier
}

// DefaultTiers: first strike is free, second locks 14 days, third and
// beyond lock 60 days.
func DefaultTiers() []Tier {
	return []Tier{
		{MinOrdinal: 1, LockDays: 0, Penalty: false},
		{MinOrdinal: 2, LockDays: 14, Penalty: true},
		{MinOrdinal: 3, LockDays: 60, Penalty: true},
	}
}

func NewPolicy(tiers []Tier) *Policy {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinOrdinal < sorted[j].MinOrdinal })
	return &Policy{tiers: sorted}
}

// For returns the decision for a strike ordinal. Ordinals past the last
// tier keep the last tier.
func (p *Policy) For(ordinal int) Decision {
	var d Decision
	for _, t := range p.tiers {
		if ordinal < t.MinOrdinal {
			break
		}
		d = Decision{LockDays: t.LockDays, PenaltyGated: t.Penalty}
	}
	return d
}

// ShortNotice reports whether a cancellation at now is short notice: the
// event starts within window and has not started, or it is in progress and
// ends within window.
func ShortNotice(startsAt, endsAt, now time.Time, window time.Duration) bool {
	if now.Before(startsAt) {
		return startsAt.Sub(now) <= window
	}
	if now.Before(endsAt) {
		return endsAt.Sub(now) <= window
	}
	return false
}
