// Package regtest builds a registration service over an in-memory store for
// tests of the packages layered on top of it.
package regtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"ms-registration/internal/capacity"
	"ms-registration/internal/database/dbtest"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/qrcodec"
	"ms-registration/internal/registration"
	"ms-registration/internal/signature"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

var (
	Start       = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	CampaignEnd = time.Date(2026, 3, 8, 23, 59, 59, 0, time.UTC)

	Hackathon  = models.TargetRef{Kind: models.KindEvent, ID: "hackathon"}
	RoboWar    = models.TargetRef{Kind: models.KindEvent, ID: "robo-war"}
	PaperPitch = models.TargetRef{Kind: models.KindEvent, ID: "paper-pitch"}
	IoT        = models.TargetRef{Kind: models.KindWorkshop, ID: "iot"}
)

// Targets is the seeded catalogue. Robo War is already full and Paper Pitch
// only opens three days after Start.
func Targets() []models.CapacityTarget {
	return []models.CapacityTarget{
		{Kind: models.KindEvent, TargetID: "hackathon", Name: "Hackathon", Price: 1000, MaxRegistrations: 100,
			StartsAt: Start.Add(-time.Hour), EndsAt: Start.Add(8 * time.Hour)},
		{Kind: models.KindEvent, TargetID: "robo-war", Name: "Robo War", Price: 300, MaxRegistrations: 1, RegistrationCount: 1},
		{Kind: models.KindEvent, TargetID: "paper-pitch", Name: "Paper Pitch", Price: 200,
			StartsAt: Start.Add(72 * time.Hour), EndsAt: Start.Add(76 * time.Hour)},
		{Kind: models.KindWorkshop, TargetID: "iot", Name: "IoT Basics", Price: 800},
	}
}

type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type NopCart struct{}

func (NopCart) Clear(context.Context, string) error { return nil }

type NopNotifier struct{}

func (NopNotifier) RegistrationCompleted(context.Context, *models.Registration) {}
func (NopNotifier) RegistrationRefunded(context.Context, *models.Registration) {}
func (NopNotifier) SendEmail(context.Context, string, *models.Registration) {}

type Env struct {
	DB      *bun.DB
	Service *registration.Service
	Ledger  *capacity.Ledger
	Codec   *qrcodec.Codec
	Signer  *signature.Service
	Clock   *Clock
}

func New(t testing.TB) *Env {
	t.Helper()

	db := dbtest.New(t)
	dbtest.SeedTargets(t, db, Targets()...)

	signer, err := signature.New(map[signature.Purpose]string{
		signature.PurposeOnlineQR:        "online-secret",
		signature.PurposeOfflineQR:       "offline-secret",
		signature.PurposePaymentResponse: "response-secret",
	})
	require.NoError(t, err)

	clock := &Clock{t: Start}
	codec := qrcodec.NewCodec(signer, 128).WithClock(clock.Now)
	ledger := capacity.NewLedger()
	svc := registration.NewService(db, ledger, codec, NopCart{}, NopNotifier{}, logger.Discard(),
		registration.Settings{CampaignEnd: CampaignEnd}).WithClock(clock.Now)

	return &Env{DB: db, Service: svc, Ledger: ledger, Codec: codec, Signer: signer, Clock: clock}
}

func Items(refs ...models.TargetRef) []registration.Item {
	items := make([]registration.Item, 0, len(refs))
	for _, ref := range refs {
		items = append(items, registration.Item{Kind: ref.Kind, TargetID: ref.ID})
	}
	return items
}

func NewRegistration(attendee string, refs ...models.TargetRef) registration.NewRegistration {
	in := registration.NewRegistration{
		AttendeeRef: attendee,
		Name:        attendee,
		Email:       attendee + "@fest.test",
	}
	if len(refs) > 0 {
		in.Items = Items(refs...)
	}
	return in
}

// Create opens a pending online registration.
func (e *Env) Create(t testing.TB, attendee string, refs ...models.TargetRef) *models.Registration {
	t.Helper()
	reg, err := e.Service.Create(context.Background(), NewRegistration(attendee, refs...))
	require.NoError(t, err)
	return reg
}

// Paid creates a registration and completes its payment.
func (e *Env) Paid(t testing.TB, attendee string, refs ...models.TargetRef) *models.Registration {
	t.Helper()
	reg := e.Create(t, attendee, refs...)
	paid, changed, err := e.Service.MarkPaid(context.Background(), reg.OrderID, registration.PaymentConfirmation{
		Provider:  "test",
		PaymentID: "txn-" + attendee,
	})
	require.NoError(t, err)
	require.True(t, changed)
	return paid
}

// Offline creates a desk registration.
func (e *Env) Offline(t testing.TB, attendee string, refs ...models.TargetRef) *models.Registration {
	t.Helper()
	reg, err := e.Service.CreateOffline(context.Background(), registration.NewOfflineRegistration{
		AttendeeRef: attendee,
		Name:        attendee,
		Items:       Items(refs...),
		CollectedBy: "coord-1",
	})
	require.NoError(t, err)
	return reg
}
