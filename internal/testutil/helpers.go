// Package testutil provides an in-memory database, fixtures and fakes for
// the engine's tests.
package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"eventcancel-backend/internal/models"
	"eventcancel-backend/internal/store"
)

// NewDB opens a per-test in-memory SQLite database with every table
// migrated. A single connection serializes writers the way row locks would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Fixtures seeds rows directly through gorm.
type Fixtures struct {
	t  *testing.T
	db *gorm.DB
}

func NewFixtures(t *testing.T, db *gorm.DB) *Fixtures {
	return &Fixtures{t: t, db: db}
}

// Host creates a host with a stored payment method.
func (f *Fixtures) Host(email string) models.User {
	f.t.Helper()
	u := models.User{Email: email, Role: "host"}
	require.NoError(f.t, f.db.Create(&u).Error)
	require.NoError(f.t, f.db.Create(&models.HostProfile{UserID: u.ID, PaymentCustomerRef: "cust_" + email}).Error)
	return u
}

func (f *Fixtures) Guest(email string) models.User {
	f.t.Helper()
	u := models.User{Email: email, Role: "guest"}
	require.NoError(f.t, f.db.Create(&u).Error)
	return u
}

// Event creates an approved event starting at startsAt and lasting 3 hours.
func (f *Fixtures) Event(hostID uint, startsAt time.Time, priceCents int64) models.Event {
	f.t.Helper()
	ev := models.Event{
		HostID:     hostID,
		Title:      "Rooftop dinner",
		Status:     models.EventApproved,
		StartsAt:   startsAt,
		EndsAt:     startsAt.Add(3 * time.Hour),
		PriceCents: priceCents,
	}
	require.NoError(f.t, store.New(f.db).CreateEvent(f.t.Context(), &ev))
	return ev
}

// RSVP adds a going guest.
func (f *Fixtures) RSVP(eventID, userID uint) models.RSVP {
	f.t.Helper()
	r := models.RSVP{EventID: eventID, UserID: userID, Role: models.RoleAttendee, Status: models.RSVPGoing}
	require.NoError(f.t, f.db.Create(&r).Error)
	return r
}

// PaidGuest adds a going guest with a payment of amount cents and the given
// recorded processor fee.
func (f *Fixtures) PaidGuest(eventID uint, email string, amount, fee int64) (models.User, models.Payment) {
	f.t.Helper()
	g := f.Guest(email)
	r := f.RSVP(eventID, g.ID)
	require.NoError(f.t, f.db.Model(&r).Update("paid", true).Error)
	p := models.Payment{
		EventID:           eventID,
		UserID:            g.ID,
		RSVPID:            &r.ID,
		ProcessorChargeID: "chrg_" + email,
		AmountPaidCents:   amount,
		ProcessorFeeCents: fee,
	}
	require.NoError(f.t, f.db.Create(&p).Error)
	return g, p
}

// Strike appends a prior strike for the host.
func (f *Fixtures) Strike(hostID, eventID uint, at time.Time) {
	f.t.Helper()
	require.NoError(f.t, f.db.Create(&models.StrikeRecord{
		HostID: hostID, EventID: eventID, CanceledAt: at, Source: models.StrikeFromCancellation,
	}).Error)
}
