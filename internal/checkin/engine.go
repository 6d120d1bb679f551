// Package checkin admits attendees to events and workshops. Every admission
// is an immutable check-in record; the partial unique indexes on completed
// records make the first of two concurrent scans win.
package checkin

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/capacity"
	"ms-registration/internal/database"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/qrcodec"
	"ms-registration/internal/registration"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Mode string

const (
	ModeQR     Mode = "qr"
	ModeManual Mode = "manual"
)

// Request is one scan or manual entry at a desk. Desk selects which QR
// domain is accepted and, for manual entry, whether the credential is a
// receipt number (offline) or a registration/order id (online).
type Request struct {
	Desk       qrcodec.Domain
	Mode       Mode
	Credential string
	Target     models.TargetRef
	Operator   string
	// IDVerified records that the operator also checked a photo ID.
	IDVerified bool
}

type Summary struct {
	RegistrationID string                       `json:"registrationId"`
	AttendeeRef    string                       `json:"attendeeRef"`
	AttendeeName   string                       `json:"attendeeName"`
	ReceiptNumber  string                       `json:"receiptNumber,omitempty"`
	PaymentStatus  models.PaymentStatus         `json:"paymentStatus"`
	Events         []string                     `json:"events"`
	Workshops      []string                     `json:"workshops"`
	Entitlements   []models.EntitlementSnapshot `json:"entitlements"`
}

func summarize(reg *models.Registration) *Summary {
	events, workshops := reg.Targets()
	return &Summary{
		RegistrationID: reg.ID,
		AttendeeRef:    reg.AttendeeRef,
		AttendeeName:   reg.AttendeeName,
		ReceiptNumber:  reg.ReceiptNumber,
		PaymentStatus:  reg.PaymentStatus,
		Events:         events,
		Workshops:      workshops,
		Entitlements:   reg.Snapshot(),
	}
}

type Outcome struct {
	Record       *models.CheckInRecord `json:"checkIn,omitempty"`
	Registration *Summary              `json:"registration"`
	// Attended is set by Validate when the target was already checked in.
	Attended bool `json:"attended"`
}

type Notifier interface {
	CheckInCompleted(ctx context.Context, rec *models.CheckInRecord)
}

// Notifiers fans one check-in out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) CheckInCompleted(ctx context.Context, rec *models.CheckInRecord) {
	for _, n := range ns {
		n.CheckInCompleted(ctx, rec)
	}
}

type Engine struct {
	DB         *bun.DB
	Store      registration.Store
	Ledger     *capacity.Ledger
	Codec      *qrcodec.Codec
	Notifier   Notifier
	Logger     *logger.Logger
	EarlyEntry time.Duration

	now func() time.Time
}

func NewEngine(db *bun.DB, ledger *capacity.Ledger, codec *qrcodec.Codec, notifier Notifier, log *logger.Logger, earlyEntry time.Duration) *Engine {
	return &Engine{
		DB:         db,
		Ledger:     ledger,
		Codec:      codec,
		Notifier:   notifier,
		Logger:     log,
		EarlyEntry: earlyEntry,
		now:        time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// resolved is a credential that has been matched to a stored registration.
type resolved struct {
	reg       *models.Registration
	secureKey string
	method    models.VerificationMethod
}

func (e *Engine) validateRequest(req *Request, needTarget bool) error {
	req.Credential = strings.TrimSpace(req.Credential)
	if req.Credential == "" {
		return apperror.Validation(apperror.CodeInvalidRequest, "credential is required")
	}
	if req.Desk != qrcodec.DomainOnline && req.Desk != qrcodec.DomainOffline {
		return apperror.Validation(apperror.CodeInvalidRequest, "unknown desk %q", req.Desk)
	}
	if req.Mode == "" {
		req.Mode = ModeQR
	}
	if req.Mode != ModeQR && req.Mode != ModeManual {
		return apperror.Validation(apperror.CodeInvalidRequest, "unknown mode %q", req.Mode)
	}
	if needTarget && (!req.Target.Kind.Valid() || req.Target.ID == "") {
		return apperror.Validation(apperror.CodeInvalidRequest, "a valid event or workshop is required")
	}
	if req.Operator == "" {
		return apperror.Validation(apperror.CodeInvalidRequest, "operator identity is required")
	}
	return nil
}

func (e *Engine) resolve(ctx context.Context, req Request) (*resolved, error) {
	if req.Mode == ModeManual {
		return e.resolveManual(ctx, req)
	}

	var (
		p   *qrcodec.Payload
		err error
	)
	if req.Target.ID != "" {
		p, err = e.Codec.DecodeAndVerify(req.Desk, req.Credential, req.Target)
	} else {
		p, err = e.Codec.Parse(req.Credential)
		if err == nil {
			err = e.Codec.Verify(req.Desk, p)
		}
	}
	if err != nil {
		e.Logger.LogSecurity("QR_REJECTED", fmt.Sprintf("operator=%s desk=%s target=%s: %v", req.Operator, req.Desk, req.Target, err))
		return nil, err
	}

	reg, err := e.Store.Get(ctx, e.DB, p.RegistrationID)
	if err != nil {
		return nil, err
	}

	r := &resolved{reg: reg, method: models.MethodQROnly}
	if req.IDVerified {
		r.method = models.MethodQRAndID
	}

	if req.Desk == qrcodec.DomainOffline {
		// A desk pass is bound to the key and receipt stored at issue time.
		if reg.Channel != models.ChannelOffline ||
			subtle.ConstantTimeCompare([]byte(p.SecureKey), []byte(reg.SecureKey)) != 1 ||
			p.ReceiptNumber != reg.ReceiptNumber {
			e.Logger.LogSecurity("QR_KEY_MISMATCH", fmt.Sprintf("operator=%s registration=%s", req.Operator, reg.ID))
			return nil, qrcodec.ErrInvalidSignature
		}
		r.secureKey = p.SecureKey
	} else if reg.Channel != models.ChannelOnline || p.OrderID != reg.OrderID {
		e.Logger.LogSecurity("QR_ORDER_MISMATCH", fmt.Sprintf("operator=%s registration=%s", req.Operator, reg.ID))
		return nil, qrcodec.ErrInvalidSignature
	}
	return r, nil
}

// resolveManual looks the credential up directly. There is no cryptographic
// proof here, so every attempt is written to the security log.
func (e *Engine) resolveManual(ctx context.Context, req Request) (*resolved, error) {
	e.Logger.LogSecurity("MANUAL_CHECKIN", fmt.Sprintf("operator=%s desk=%s credential=%s target=%s", req.Operator, req.Desk, req.Credential, req.Target))

	var (
		reg *models.Registration
		err error
	)
	if req.Desk == qrcodec.DomainOffline {
		reg, err = e.Store.GetByReceipt(ctx, e.DB, req.Credential)
	} else {
		reg, err = e.Store.Get(ctx, e.DB, req.Credential)
		if apperror.CodeOf(err) == apperror.CodeNotFound {
			reg, err = e.Store.GetByOrderID(ctx, e.DB, req.Credential)
		}
	}
	if err != nil {
		return nil, err
	}
	return &resolved{reg: reg, secureKey: reg.SecureKey, method: models.MethodManualReceipt}, nil
}

// admissible runs the read-only checks shared by CheckIn and Validate.
func (e *Engine) admissible(ctx context.Context, reg *models.Registration, target models.TargetRef) (*models.Entitlement, error) {
	if reg.PaymentStatus != models.PaymentCompleted {
		return nil, apperror.Conflict(apperror.CodeNotPaid, "registration %s is %s, not paid", reg.ID, reg.PaymentStatus)
	}

	ent := reg.Entitlement(target)
	if ent == nil {
		return nil, fmt.Errorf("%w: %s", qrcodec.ErrNotEntitled, target)
	}
	if ent.Status != models.EntitlementCompleted {
		return nil, fmt.Errorf("%w: %s entitlement is %s", qrcodec.ErrNotEntitled, target, ent.Status)
	}

	t, err := e.Ledger.Get(ctx, e.DB, target)
	if err != nil {
		return nil, err
	}
	if now := e.now(); !t.ActiveAt(now, e.EarlyEntry) {
		return nil, apperror.Conflict(apperror.CodeTargetNotActive, "%s is not open for check-in at %s", t.Name, now.UTC().Format(time.RFC3339))
	}
	return ent, nil
}

// CheckIn admits the credential holder to req.Target exactly once.
func (e *Engine) CheckIn(ctx context.Context, req Request) (*Outcome, error) {
	if err := e.validateRequest(&req, true); err != nil {
		return nil, err
	}

	res, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	reg := res.reg

	ent, err := e.admissible(ctx, reg, req.Target)
	if err == nil && ent.Attended() {
		err = apperror.Conflict(apperror.CodeAlreadyCheckedIn, "%s already checked in to %s at %s", reg.AttendeeRef, req.Target, ent.AttendedAt.UTC().Format(time.RFC3339))
	}
	if err != nil {
		e.recordFailure(ctx, reg, req, res.method, err)
		return nil, err
	}

	now := e.now().UTC()
	rec := &models.CheckInRecord{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		AttendeeRef:    reg.AttendeeRef,
		Kind:           req.Target.Kind,
		TargetID:       req.Target.ID,
		Method:         res.method,
		Status:         models.CheckInCompleted,
		Operator:       req.Operator,
		CreatedAt:      now,
	}

	err = database.RunInTx(ctx, e.DB, sql.LevelReadCommitted, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(rec).Exec(ctx); err != nil {
			if database.IsUniqueViolation(err) {
				return apperror.Conflict(apperror.CodeAlreadyCheckedIn, "%s already checked in to %s", reg.AttendeeRef, req.Target)
			}
			return apperror.Internal(err, "failed to record check-in")
		}

		if res.secureKey != "" {
			used := &models.UsedCredential{
				SecureKey:      res.secureKey,
				RegistrationID: reg.ID,
				Kind:           req.Target.Kind,
				TargetID:       req.Target.ID,
				ConsumedBy:     req.Operator,
				ConsumedAt:     now,
			}
			if _, err := tx.NewInsert().Model(used).Exec(ctx); err != nil {
				if database.IsUniqueViolation(err) {
					return apperror.Conflict(apperror.CodeAlreadyCheckedIn, "credential already used for %s", req.Target)
				}
				return apperror.Internal(err, "failed to consume credential")
			}
		}

		marked, err := e.Store.MarkAttended(ctx, tx, reg.ID, req.Target, now)
		if err != nil {
			return err
		}
		if !marked {
			return e.staleAdmission(ctx, tx, reg.ID, req.Target)
		}
		return e.Ledger.IncrementCheckIns(ctx, tx, req.Target)
	})
	if err != nil {
		e.recordFailure(ctx, reg, req, res.method, err)
		return nil, err
	}

	ent.AttendedAt = now
	e.Logger.LogCheckIn("COMPLETED", reg.ID, fmt.Sprintf("%s admitted to %s by %s (%s)", reg.AttendeeRef, req.Target, req.Operator, res.method))
	if e.Notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		e.Notifier.CheckInCompleted(nctx, rec)
		cancel()
	}
	return &Outcome{Record: rec, Registration: summarize(reg)}, nil
}

// staleAdmission explains why the registration no longer admits to target
// when it changed between the checks and the write.
func (e *Engine) staleAdmission(ctx context.Context, tx bun.Tx, id string, target models.TargetRef) error {
	current, err := e.Store.Get(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.PaymentStatus != models.PaymentCompleted {
		return apperror.Conflict(apperror.CodeNotPaid, "registration %s is %s, not paid", id, current.PaymentStatus)
	}
	ent := current.Entitlement(target)
	switch {
	case ent == nil:
		return fmt.Errorf("%w: %s", qrcodec.ErrNotEntitled, target)
	case ent.Attended():
		return apperror.Conflict(apperror.CodeAlreadyCheckedIn, "%s already checked in to %s", current.AttendeeRef, target)
	case ent.Status != models.EntitlementCompleted:
		return fmt.Errorf("%w: %s entitlement is %s", qrcodec.ErrNotEntitled, target, ent.Status)
	}
	return apperror.Internal(nil, "attendance for %s on %s was not recorded", id, target)
}

// Validate runs the same checks as CheckIn without writing anything. With
// no target it only verifies the credential and reports the registration.
func (e *Engine) Validate(ctx context.Context, req Request) (*Outcome, error) {
	if err := e.validateRequest(&req, false); err != nil {
		return nil, err
	}

	res, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Registration: summarize(res.reg)}
	if req.Target.ID == "" {
		if res.reg.PaymentStatus != models.PaymentCompleted {
			return nil, apperror.Conflict(apperror.CodeNotPaid, "registration %s is %s, not paid", res.reg.ID, res.reg.PaymentStatus)
		}
		return out, nil
	}

	ent, err := e.admissible(ctx, res.reg, req.Target)
	if err != nil {
		return nil, err
	}
	out.Attended = ent.Attended()
	return out, nil
}

// Records lists every check-in attempt recorded against a registration.
func (e *Engine) Records(ctx context.Context, registrationID string) ([]models.CheckInRecord, error) {
	var recs []models.CheckInRecord
	err := e.DB.NewSelect().
		Model(&recs).
		Where("registration_id = ?", registrationID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.Internal(err, "failed to list check-ins")
	}
	return recs, nil
}

// recordFailure keeps an audit row for a rejected attempt on a resolved
// registration. It never changes the caller's result.
func (e *Engine) recordFailure(ctx context.Context, reg *models.Registration, req Request, method models.VerificationMethod, cause error) {
	rec := &models.CheckInRecord{
		ID:             uuid.NewString(),
		RegistrationID: reg.ID,
		AttendeeRef:    reg.AttendeeRef,
		Kind:           req.Target.Kind,
		TargetID:       req.Target.ID,
		Method:         method,
		Status:         models.CheckInFailed,
		FailureCode:    apperror.CodeOf(cause),
		Operator:       req.Operator,
		CreatedAt:      e.now().UTC(),
	}
	if _, err := e.DB.NewInsert().Model(rec).Exec(context.WithoutCancel(ctx)); err != nil {
		e.Logger.Warn("CHECKIN", fmt.Sprintf("Failed to record rejected check-in for %s: %v", reg.ID, err))
	}
	e.Logger.LogCheckIn("REJECTED", reg.ID, fmt.Sprintf("%s at %s by %s: %s", reg.AttendeeRef, req.Target, req.Operator, apperror.CodeOf(cause)))
}
