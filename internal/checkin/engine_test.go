package checkin_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/checkin"
	"ms-registration/internal/database/dbtest"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/qrcodec"
	"ms-registration/internal/registration"
	"ms-registration/internal/registration/regtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	recs []*models.CheckInRecord
}

func (n *recordingNotifier) CheckInCompleted(_ context.Context, rec *models.CheckInRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
}

func newEngine(env *regtest.Env, log *logger.Logger) (*checkin.Engine, *recordingNotifier) {
	if log == nil {
		log = logger.Discard()
	}
	n := &recordingNotifier{}
	return checkin.NewEngine(env.DB, env.Ledger, env.Codec, n, log, 2*time.Hour).WithClock(env.Clock.Now), n
}

func scan(reg *models.Registration, desk qrcodec.Domain, target models.TargetRef) checkin.Request {
	return checkin.Request{
		Desk:       desk,
		Mode:       checkin.ModeQR,
		Credential: reg.QRCode.Payload,
		Target:     target,
		Operator:   "coord-1",
	}
}

func countRecords(t *testing.T, env *regtest.Env, status models.CheckInStatus) int {
	t.Helper()
	n, err := env.DB.NewSelect().Model((*models.CheckInRecord)(nil)).Where("status = ?", status).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestCheckInOnlineQR(t *testing.T) {
	env := regtest.New(t)
	engine, notifier := newEngine(env, nil)
	ctx := context.Background()
	reg := env.Paid(t, "S1", regtest.Hackathon, regtest.IoT)

	out, err := engine.CheckIn(ctx, scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	require.NoError(t, err)
	assert.Equal(t, models.CheckInCompleted, out.Record.Status)
	assert.Equal(t, models.MethodQROnly, out.Record.Method)
	assert.Equal(t, "coord-1", out.Record.Operator)
	assert.Equal(t, reg.ID, out.Registration.RegistrationID)

	assert.Equal(t, 1, dbtest.Target(t, env.DB, regtest.Hackathon).CheckInCount)
	assert.Zero(t, dbtest.Target(t, env.DB, regtest.IoT).CheckInCount)

	stored, err := env.Service.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Entitlement(regtest.Hackathon).Attended())
	assert.False(t, stored.Entitlement(regtest.IoT).Attended())

	require.Len(t, notifier.recs, 1)
	assert.Equal(t, out.Record.ID, notifier.recs[0].ID)
}

func TestCheckInTwiceIsRejected(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	reg := env.Paid(t, "S1", regtest.Hackathon)

	_, err := engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	require.NoError(t, err)

	_, err = engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeAlreadyCheckedIn, apperror.CodeOf(err))
	assert.Equal(t, 1, dbtest.Target(t, env.DB, regtest.Hackathon).CheckInCount)
	assert.Equal(t, 1, countRecords(t, env, models.CheckInFailed))
}

func TestConcurrentScansAdmitOnce(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	reg := env.Paid(t, "S1", regtest.Hackathon)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for _, gate := range []string{"coord-1", "coord-2"} {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			req := scan(reg, qrcodec.DomainOnline, regtest.Hackathon)
			req.Operator = op
			_, err := engine.CheckIn(context.Background(), req)

			mu.Lock()
			defer mu.Unlock()
			switch apperror.CodeOf(err) {
			case "":
				admitted++
			case apperror.CodeAlreadyCheckedIn:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(gate)
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, countRecords(t, env, models.CheckInCompleted))
	assert.Equal(t, 1, dbtest.Target(t, env.DB, regtest.Hackathon).CheckInCount)
}

func TestCheckInNotEntitled(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	reg := env.Paid(t, "S1", regtest.Hackathon)

	_, err := engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.IoT))
	assert.Equal(t, apperror.CodeNotEntitled, apperror.CodeOf(err))
	assert.Zero(t, countRecords(t, env, models.CheckInCompleted))
}

func TestManualCheckInUnknownReceipt(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)

	_, err := engine.CheckIn(context.Background(), checkin.Request{
		Desk:       qrcodec.DomainOffline,
		Mode:       checkin.ModeManual,
		Credential: "FEST-999999",
		Target:     regtest.Hackathon,
		Operator:   "coord-1",
	})
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
	assert.Zero(t, countRecords(t, env, models.CheckInCompleted))
	assert.Zero(t, countRecords(t, env, models.CheckInFailed))
}

func TestManualCheckInIsAudited(t *testing.T) {
	env := regtest.New(t)
	var buf bytes.Buffer
	engine, _ := newEngine(env, logger.New(logger.Options{Terminal: &buf, NoColor: true, Level: logger.DEBUG}))
	reg := env.Offline(t, "S1", regtest.Hackathon)

	out, err := engine.CheckIn(context.Background(), checkin.Request{
		Desk:       qrcodec.DomainOffline,
		Mode:       checkin.ModeManual,
		Credential: reg.ReceiptNumber,
		Target:     regtest.Hackathon,
		Operator:   "coord-7",
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodManualReceipt, out.Record.Method)
	assert.Contains(t, buf.String(), "MANUAL_CHECKIN")
	assert.Contains(t, buf.String(), "operator=coord-7")

	// The physical pass for the same target is now spent.
	_, err = engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOffline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeAlreadyCheckedIn, apperror.CodeOf(err))
}

func TestOfflineQRConsumesCredential(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	ctx := context.Background()
	reg := env.Offline(t, "S1", regtest.Hackathon, regtest.IoT)

	_, err := engine.CheckIn(ctx, scan(reg, qrcodec.DomainOffline, regtest.Hackathon))
	require.NoError(t, err)
	_, err = engine.CheckIn(ctx, scan(reg, qrcodec.DomainOffline, regtest.IoT))
	require.NoError(t, err)

	var used []models.UsedCredential
	require.NoError(t, env.DB.NewSelect().Model(&used).Order("id ASC").Scan(ctx))
	require.Len(t, used, 2)
	assert.Equal(t, reg.SecureKey, used[0].SecureKey)
	assert.Equal(t, "hackathon", used[0].TargetID)
	assert.Equal(t, "iot", used[1].TargetID)
}

func TestOfflineQRBoundToStoredKey(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	ctx := context.Background()
	reg := env.Offline(t, "S1", regtest.Hackathon)

	_, err := env.DB.NewUpdate().Model((*models.Registration)(nil)).
		Set("secure_key = ?", "rotated").
		Where("id = ?", reg.ID).
		Exec(ctx)
	require.NoError(t, err)

	_, err = engine.CheckIn(ctx, scan(reg, qrcodec.DomainOffline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeInvalidSignature, apperror.CodeOf(err))
}

func TestQRRejectedAtWrongDesk(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	online := env.Paid(t, "S1", regtest.Hackathon)
	offline := env.Offline(t, "S2", regtest.Hackathon)

	_, err := engine.CheckIn(context.Background(), scan(online, qrcodec.DomainOffline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeInvalidSignature, apperror.CodeOf(err))
	_, err = engine.CheckIn(context.Background(), scan(offline, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeInvalidSignature, apperror.CodeOf(err))
}

func TestCrossPathAttendeeAdmittedOnce(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	ctx := context.Background()

	// The online order is still pending when the desk sells the same event.
	pending := env.Create(t, "S1", regtest.Hackathon)
	offline := env.Offline(t, "S1", regtest.Hackathon)
	online, _, err := env.Service.MarkPaid(ctx, pending.OrderID, registration.PaymentConfirmation{Provider: "test"})
	require.NoError(t, err)

	_, err = engine.CheckIn(ctx, scan(offline, qrcodec.DomainOffline, regtest.Hackathon))
	require.NoError(t, err)

	_, err = engine.CheckIn(ctx, scan(online, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeAlreadyCheckedIn, apperror.CodeOf(err))
	assert.Equal(t, 1, dbtest.Target(t, env.DB, regtest.Hackathon).CheckInCount)
}

func TestCheckInRequiresPayment(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	ctx := context.Background()
	reg := env.Create(t, "S1", regtest.Hackathon)

	_, err := engine.CheckIn(ctx, checkin.Request{
		Desk:       qrcodec.DomainOnline,
		Mode:       checkin.ModeManual,
		Credential: reg.OrderID,
		Target:     regtest.Hackathon,
		Operator:   "coord-1",
	})
	assert.Equal(t, apperror.CodeNotPaid, apperror.CodeOf(err))

	recs, err := engine.Records(ctx, reg.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.CheckInFailed, recs[0].Status)
	assert.Equal(t, apperror.CodeNotPaid, recs[0].FailureCode)
}

func TestRefundedPassIsRejected(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	reg := env.Paid(t, "S1", regtest.Hackathon)

	_, _, err := env.Service.Refund(context.Background(), reg.ID, registration.RefundRequest{Actor: "admin-1"})
	require.NoError(t, err)

	_, err = engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeNotPaid, apperror.CodeOf(err))
}

// interleave runs change the first time the engine reads its clock, which
// happens after the paid and entitlement checks and before the write.
func interleave(env *regtest.Env, change func()) func() time.Time {
	var once sync.Once
	return func() time.Time {
		once.Do(change)
		return env.Clock.Now()
	}
}

func TestRefundDuringCheckInIsRejected(t *testing.T) {
	env := regtest.New(t)
	ctx := context.Background()
	reg := env.Paid(t, "S1", regtest.Hackathon)

	engine, notifier := newEngine(env, nil)
	engine.WithClock(interleave(env, func() {
		_, _, err := env.Service.Refund(ctx, reg.ID, registration.RefundRequest{Actor: "admin-1"})
		require.NoError(t, err)
	}))

	_, err := engine.CheckIn(ctx, scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeNotPaid, apperror.CodeOf(err))

	stored, err := env.Service.Get(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, stored.PaymentStatus)
	assert.False(t, stored.Entitlement(regtest.Hackathon).Attended())
	assert.Zero(t, dbtest.Target(t, env.DB, regtest.Hackathon).CheckInCount)
	assert.Zero(t, countRecords(t, env, models.CheckInCompleted))
	assert.Equal(t, 1, countRecords(t, env, models.CheckInFailed))
	assert.Empty(t, notifier.recs)
}

func TestAttendanceDuringCheckInIsRejected(t *testing.T) {
	env := regtest.New(t)
	ctx := context.Background()
	reg := env.Paid(t, "S1", regtest.Hackathon)

	// Stamped directly, as a second desk would have, without a completed record.
	engine, _ := newEngine(env, nil)
	engine.WithClock(interleave(env, func() {
		_, err := env.DB.NewUpdate().
			Model((*models.Entitlement)(nil)).
			Set("attended_at = ?", env.Clock.Now()).
			Where("registration_id = ?", reg.ID).
			Exec(ctx)
		require.NoError(t, err)
	}))

	_, err := engine.CheckIn(ctx, scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeAlreadyCheckedIn, apperror.CodeOf(err))
	assert.Zero(t, dbtest.Target(t, env.DB, regtest.Hackathon).CheckInCount)
	assert.Zero(t, countRecords(t, env, models.CheckInCompleted))
}

func TestCheckInOutsideWindow(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	reg := env.Paid(t, "S1", regtest.PaperPitch)

	_, err := engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.PaperPitch))
	assert.Equal(t, apperror.CodeTargetNotActive, apperror.CodeOf(err))

	// Early entry opens two hours before the start.
	env.Clock.Advance(71 * time.Hour)
	_, err = engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.PaperPitch))
	assert.NoError(t, err)
}

func TestExpiredPass(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	reg := env.Paid(t, "S1", regtest.Hackathon)

	env.Clock.Advance(10 * 24 * time.Hour)
	_, err := engine.CheckIn(context.Background(), scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	assert.Equal(t, apperror.CodeExpiredQR, apperror.CodeOf(err))
}

func TestValidateDoesNotWrite(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)
	ctx := context.Background()
	reg := env.Paid(t, "S1", regtest.Hackathon)

	out, err := engine.Validate(ctx, scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	require.NoError(t, err)
	assert.False(t, out.Attended)
	assert.Equal(t, []string{"hackathon"}, out.Registration.Events)
	assert.Zero(t, countRecords(t, env, models.CheckInCompleted))

	req := scan(reg, qrcodec.DomainOnline, models.TargetRef{})
	out, err = engine.Validate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, out.Registration.RegistrationID)

	_, err = engine.CheckIn(ctx, scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	require.NoError(t, err)
	out, err = engine.Validate(ctx, scan(reg, qrcodec.DomainOnline, regtest.Hackathon))
	require.NoError(t, err)
	assert.True(t, out.Attended)
}

func TestCheckInRequestValidation(t *testing.T) {
	env := regtest.New(t)
	engine, _ := newEngine(env, nil)

	tests := []struct {
		name string
		req  checkin.Request
	}{
		{"no credential", checkin.Request{Desk: qrcodec.DomainOnline, Target: regtest.Hackathon, Operator: "c"}},
		{"no operator", checkin.Request{Desk: qrcodec.DomainOnline, Credential: "x", Target: regtest.Hackathon}},
		{"bad desk", checkin.Request{Desk: "side-door", Credential: "x", Target: regtest.Hackathon, Operator: "c"}},
		{"bad mode", checkin.Request{Desk: qrcodec.DomainOnline, Mode: "nfc", Credential: "x", Target: regtest.Hackathon, Operator: "c"}},
		{"no target", checkin.Request{Desk: qrcodec.DomainOnline, Credential: "x", Operator: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CheckIn(context.Background(), tt.req)
			assert.Equal(t, apperror.CodeInvalidRequest, apperror.CodeOf(err))
		})
	}

	_, err := engine.CheckIn(context.Background(), checkin.Request{Desk: qrcodec.DomainOnline, Credential: "{not json", Target: regtest.Hackathon, Operator: "c"})
	assert.Equal(t, apperror.CodeMalformedQR, apperror.CodeOf(err))
}
