// Package strikes keeps the append-only record of host cancellations and
// derives the strike ordinal inside a rolling window.
package strikes

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"eventcancel-backend/internal/models"
)

// DefaultWindowDays is the trailing window strikes are counted in.
const DefaultWindowDays = 183

// ErrSourceUnavailable means a counter's backing table cannot be read.
var ErrSourceUnavailable = errors.New("strike source unavailable")

// Counter is one way of counting a host's strikes since a point in time.
type Counter interface {
	Name() string
	Count(ctx context.Context, hostID uint, since time.Time) (int64, error)
}

// RecordCounter counts StrikeRecord rows. It is the primary source.
type RecordCounter struct{ db *gorm.DB }

func (RecordCounter) Name() string { return "strike_records" }

func (c RecordCounter) Count(ctx context.Context, hostID uint, since time.Time) (int64, error) {
	if !c.db.Migrator().HasTable(&models.StrikeRecord{}) {
		return 0, ErrSourceUnavailable
	}
	var n int64
	err := c.db.WithContext(ctx).Model(&models.StrikeRecord{}).
		Where("host_id = ? AND canceled_at >= ?", hostID, since).
		Count(&n).Error
	return n, err
}

// CanceledEventCounter approximates strikes from canceled events. It is a
// resiliency fallback for when the strike table cannot be read.
type CanceledEventCounter struct{ db *gorm.DB }

func (CanceledEventCounter) Name() string { return "canceled_events" }

func (c CanceledEventCounter) Count(ctx context.Context, hostID uint, since time.Time) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&models.Event{}).
		Where("host_id = ? AND status = ? AND canceled_at >= ?", hostID, models.EventCanceled, since).
		Count(&n).Error
	return n, err
}

// Tally is a count together with the strategy that produced it.
type Tally struct {
	Prior    int64
	Strategy string
	Fallback bool
}

// Ordinal is the strike number the cancellation in progress would receive.
func (t Tally) Ordinal() int { return int(t.Prior) + 1 }

type Ledger struct {
	db         *gorm.DB
	counters   []Counter
	windowDays int
	now        func() time.Time
	meters     metric.MeterProvider

	fallbacks     metric.Int64Counter
	recordFailure metric.Int64Counter
}

type Option func(*Ledger)

// WithCounters replaces the counting strategies, in precedence order.
func WithCounters(cs ...Counter) Option {
	return func(l *Ledger) { l.counters = cs }
}

func WithWindowDays(days int) Option {
	return func(l *Ledger) {
		if days > 0 {
			l.windowDays = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMeterProvider sends the ledger counters to mp instead of the global
// provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Ledger) { l.meters = mp }
}

func NewLedger(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:         db,
		counters:   []Counter{RecordCounter{db: db}, CanceledEventCounter{db: db}},
		windowDays: DefaultWindowDays,
		now:        time.Now,
		meters:     otel.GetMeterProvider(),
	}
	for _, o := range opts {
		o(l)
	}
	meter := l.meters.Meter("eventcancel/strikes")
	l.fallbacks, _ = meter.Int64Counter("strikes.count.fallback",
		metric.WithDescription("strike counts served by a fallback strategy"))
	l.recordFailure, _ = meter.Int64Counter("strikes.record.failed",
		metric.WithDescription("strike records that could not be written"))
	return l
}

// WindowStart is the earliest canceledAt still inside the window.
func (l *Ledger) WindowStart() time.Time {
	return l.now().AddDate(0, 0, -l.windowDays)
}

// Count returns the host's prior strikes inside the window. Counters are
// tried in order; the first one that answers wins.
func (l *Ledger) Count(ctx context.Context, hostID uint) (Tally, error) {
	since := l.WindowStart()
	span := trace.SpanFromContext(ctx)

	var errs []error
	for i, c := range l.counters {
		n, err := c.Count(ctx, hostID, since)
		if err != nil {
			log.Printf("[strikes] counter %s failed for host=%d: %v", c.Name(), hostID, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			continue
		}
		t := Tally{Prior: n, Strategy: c.Name(), Fallback: i > 0}
		if t.Fallback {
			log.Printf("[strikes] FALLBACK strategy=%s host=%d prior=%d", c.Name(), hostID, n)
			if l.fallbacks != nil {
				l.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", c.Name())))
			}
		}
		span.SetAttributes(
			attribute.String("strikes.strategy", t.Strategy),
			attribute.Bool("strikes.fallback", t.Fallback),
			attribute.Int64("strikes.prior", n),
		)
		return t, nil
	}
	return Tally{}, fmt.Errorf("count strikes: %w", errors.Join(errs...))
}

// Record appends a strike for the host's cancellation of eventID.
func (l *Ledger) Record(ctx context.Context, hostID, eventID uint, canceledAt time.Time, source string) error {
	rec := models.StrikeRecord{HostID: hostID, EventID: eventID, CanceledAt: canceledAt, Source: source}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Printf("[strikes] ALERT strike record not written host=%d event=%d: %v", hostID, eventID, err)
		if l.recordFailure != nil {
			l.recordFailure.Add(ctx, 1)
		}
		return fmt.Errorf("record strike: %w", err)
	}
	return nil
}

// Has reports whether any strike exists for the (host, event) pair.
func (l *Ledger) Has(ctx context.Context, hostID, eventID uint) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.StrikeRecord{}).
		Where("host_id = ? AND event_id = ?", hostID, eventID).
		Count(&n).Error
	return n > 0, err
}

// InWindow lists the host's strikes inside the window, newest first.
func (l *Ledger) InWindow(ctx context.Context, hostID uint) ([]models.StrikeRecord, error) {
	var out []models.StrikeRecord
	err := l.db.WithContext(ctx).
		Where("host_id = ? AND canceled_at >= ?", hostID, l.WindowStart()).
		Order("canceled_at desc").
		Find(&out).Error
	return out, err
}
