package registration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/capacity"
	"ms-registration/internal/database"
	"ms-registration/internal/kafka"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"
	"ms-registration/internal/qrcodec"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// History reasons.
const (
	ReasonCreated        = "created"
	ReasonPaymentDone    = "payment-completed"
	ReasonPaymentFailed  = "payment-failed"
	ReasonCancelled      = "cancelled"
	ReasonItemsAdded     = "items-added"
	ReasonRefunded       = "refunded"
	ReasonOfflineCreated = "offline-registration"
)

const receiptSequence = "offline_receipt"

type CartClearer interface {
	Clear(ctx context.Context, attendee string) error
}

type Notifier interface {
	RegistrationCompleted(ctx context.Context, reg *models.Registration)
	RegistrationRefunded(ctx context.Context, reg *models.Registration)
	SendEmail(ctx context.Context, template string, reg *models.Registration)
}

type Settings struct {
	CampaignEnd       time.Time
	OfflineValidity   time.Duration
	DecrementOnRefund bool
	ReceiptPrefix     string
}

type Service struct {
	DB       *bun.DB
	Store    Store
	Ledger   *capacity.Ledger
	Codec    *qrcodec.Codec
	Cart     CartClearer
	Notifier Notifier
	Logger   *logger.Logger

	settings Settings
	now      func() time.Time
}

func NewService(db *bun.DB, ledger *capacity.Ledger, codec *qrcodec.Codec, cart CartClearer, notifier Notifier, log *logger.Logger, settings Settings) *Service {
	if settings.ReceiptPrefix == "" {
		settings.ReceiptPrefix = "FEST"
	}
	if settings.OfflineValidity <= 0 {
		settings.OfflineValidity = 365 * 24 * time.Hour
	}
	return &Service{
		DB:       db,
		Ledger:   ledger,
		Codec:    codec,
		Cart:     cart,
		Notifier: notifier,
		Logger:   log,
		settings: settings,
		now:      time.Now,
	}
}

// WithClock replaces the service clock. The codec keeps its own clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Targets lists the events and workshops open for registration, with their
// counters. An empty kind lists both.
func (s *Service) Targets(ctx context.Context, kind models.EntitlementKind) ([]models.CapacityTarget, error) {
	return s.Ledger.List(ctx, s.DB, kind)
}

type Item struct {
	Kind     models.EntitlementKind  `json:"kind"`
	TargetID string                  `json:"targetId"`
	Mode     models.RegistrationMode `json:"registrationMode,omitempty"`
}

func (i Item) Ref() models.TargetRef {
	return models.TargetRef{Kind: i.Kind, ID: i.TargetID}
}

type NewRegistration struct {
	AttendeeRef        string
	IdentityProviderID string
	Name               string
	Email              string
	Phone              string
	Items              []Item
	PlatformFee        *int64
	TotalAmount        *int64
	Provider           string
}

type NewOfflineRegistration struct {
	AttendeeRef   string
	Name          string
	Email         string
	Phone         string
	Items         []Item
	PlatformFee   *int64
	TotalAmount   *int64
	PaymentMethod string
	CollectedBy   string
}

// PaymentConfirmation carries the gateway's authoritative view of a payment.
type PaymentConfirmation struct {
	Provider       string
	GatewayOrderID string
	PaymentID      string
	Signature      string
	PaymentMethod  string
	Raw            map[string]any
}

type RefundRequest struct {
	RefundID string
	// Amount of zero refunds the full total.
	Amount int64
	Reason string
	Actor  string
}

func validateItems(items []Item) ([]models.TargetRef, error) {
	if len(items) == 0 {
		return nil, apperror.Validation(apperror.CodeInvalidRequest, "at least one event or workshop is required")
	}
	refs := make([]models.TargetRef, 0, len(items))
	seen := make(map[models.TargetRef]bool, len(items))
	for i := range items {
		item := &items[i]
		if !item.Kind.Valid() || item.TargetID == "" {
			return nil, apperror.Validation(apperror.CodeInvalidRequest, "invalid item %q", item.Ref())
		}
		switch item.Mode {
		case "":
			item.Mode = models.ModeIndividual
		case models.ModeIndividual, models.ModeTeam:
		default:
			return nil, apperror.Validation(apperror.CodeInvalidRequest, "invalid registration mode %q", item.Mode)
		}
		if seen[item.Ref()] {
			return nil, apperror.Validation(apperror.CodeInvalidRequest, "%s selected twice", item.Ref())
		}
		seen[item.Ref()] = true
		refs = append(refs, item.Ref())
	}
	return refs, nil
}

// prepare validates items against the attendee's holdings and the capacity
// ledger and returns the base amount they cost.
func (s *Service) prepare(ctx context.Context, tx bun.IDB, attendee string, items []Item) (map[models.TargetRef]*models.CapacityTarget, int64, error) {
	refs, err := validateItems(items)
	if err != nil {
		return nil, 0, err
	}

	held, err := s.Store.HeldTargets(ctx, tx, attendee)
	if err != nil {
		return nil, 0, err
	}
	for _, ref := range refs {
		if regID, ok := held[ref]; ok {
			return nil, 0, apperror.Conflict(apperror.CodeDuplicate, "already registered for %s in %s", ref, regID)
		}
	}

	targets, err := s.Ledger.EnsureAvailable(ctx, tx, refs)
	if err != nil {
		return nil, 0, err
	}

	var amount int64
	for _, ref := range refs {
		amount += targets[ref].Price
	}
	return targets, amount, nil
}

func buildEntitlements(regID string, start int, items []Item, targets map[models.TargetRef]*models.CapacityTarget, status models.EntitlementStatus, now time.Time) []*models.Entitlement {
	out := make([]*models.Entitlement, 0, len(items))
	for i, item := range items {
		out = append(out, &models.Entitlement{
			RegistrationID: regID,
			Position:       start + i,
			Kind:           item.Kind,
			TargetID:       item.TargetID,
			Name:           targets[item.Ref()].Name,
			Status:         status,
			Mode:           item.Mode,
			CreatedAt:      now,
		})
	}
	return out
}

func refsWithStatus(ents []*models.Entitlement, status models.EntitlementStatus) []models.TargetRef {
	var refs []models.TargetRef
	for _, e := range ents {
		if e.Status == status {
			refs = append(refs, e.Ref())
		}
	}
	return refs
}

func newOrderID() string {
	return "FEST" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}

func newSecureKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create opens a pending online registration for checkout.
func (s *Service) Create(ctx context.Context, in NewRegistration) (*models.Registration, error) {
	if in.AttendeeRef == "" {
		return nil, apperror.Validation(apperror.CodeInvalidRequest, "attendee reference is required")
	}

	now := s.now().UTC()
	reg := &models.Registration{
		ID:                 uuid.NewString(),
		AttendeeRef:        in.AttendeeRef,
		IdentityProviderID: in.IdentityProviderID,
		AttendeeName:       in.Name,
		AttendeeEmail:      in.Email,
		AttendeePhone:      in.Phone,
		Channel:            models.ChannelOnline,
		PaymentStatus:      models.PaymentPending,
		OrderID:            newOrderID(),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	reg.PaymentDetails = models.PaymentDetails{
		Provider: in.Provider,
		OrderID:  reg.OrderID,
		CustomerDetails: map[string]string{
			"name":  in.Name,
			"email": in.Email,
			"phone": in.Phone,
		},
	}

	err := database.RunInTx(ctx, s.DB, sql.LevelReadCommitted, func(ctx context.Context, tx bun.Tx) error {
		targets, amount, err := s.prepare(ctx, tx, in.AttendeeRef, in.Items)
		if err != nil {
			return err
		}
		fee, total, err := Totals(amount, in.PlatformFee, in.TotalAmount)
		if err != nil {
			return err
		}
		reg.Amount, reg.PlatformFee, reg.TotalAmount = amount, fee, total
		reg.Entitlements = buildEntitlements(reg.ID, 0, in.Items, targets, models.EntitlementPending, now)

		if err := s.Store.Insert(ctx, tx, reg); err != nil {
			return err
		}
		return s.Store.AppendHistory(ctx, tx, reg, ReasonCreated, in.AttendeeRef, now)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.LogRegistration("CREATED", reg.ID, fmt.Sprintf("order=%s attendee=%s total=%d items=%d", reg.OrderID, reg.AttendeeRef, reg.TotalAmount, len(reg.Entitlements)))
	return reg, nil
}

// MarkInitiated records the gateway session opened for a pending registration.
func (s *Service) MarkInitiated(ctx context.Context, id, provider, gatewayOrderID string) (*models.Registration, error) {
	reg, err := s.Store.Get(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	reg.PaymentInitiatedAt = now
	reg.UpdatedAt = now
	reg.PaymentDetails.Provider = provider
	reg.PaymentDetails.GatewayOrderID = gatewayOrderID

	res, err := s.DB.NewUpdate().
		Model(reg).
		Column("payment_initiated_at", "payment_details", "updated_at").
		WherePK().
		Where("payment_status = ?", models.PaymentPending).
		Exec(ctx)
	if err != nil {
		return nil, apperror.Internal(err, "failed to record payment initiation")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperror.Conflict(apperror.CodeInvalidTransition, "registration %s is no longer pending", id)
	}

	s.Logger.LogPayment("INITIATED", reg.OrderID, fmt.Sprintf("provider=%s gateway_order=%s", provider, gatewayOrderID))
	return reg, nil
}

// MarkPaid completes a pending registration exactly once. The status flip,
// QR, history and capacity increments commit together; a registration that is
// already completed is returned unchanged with changed=false.
func (s *Service) MarkPaid(ctx context.Context, orderID string, conf PaymentConfirmation) (*models.Registration, bool, error) {
	var (
		reg     *models.Registration
		changed bool
	)

	err := database.RunInTx(ctx, s.DB, sql.LevelReadCommitted, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.Store.GetByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		reg = r

		switch r.PaymentStatus {
		case models.PaymentCompleted:
			return nil
		case models.PaymentPending:
		default:
			return apperror.Conflict(apperror.CodeInvalidTransition, "registration %s is %s and cannot be marked paid", r.ID, r.PaymentStatus)
		}

		now := s.now().UTC()
		r.PaymentStatus = models.PaymentCompleted
		r.PaymentCompletedAt = now
		r.UpdatedAt = now
		r.Version++
		applyConfirmation(&r.PaymentDetails, conf)
		r.GatewayResponse = conf.Raw
		for _, e := range r.Entitlements {
			if e.Status == models.EntitlementPending {
				e.Status = models.EntitlementCompleted
			}
		}

		qr, err := s.issueQR(r)
		if err != nil {
			return err
		}
		r.QRCode = qr

		res, err := tx.NewUpdate().
			Model(r).
			Column("payment_status", "payment_completed_at", "payment_details", "gateway_response", "qr_code", "version", "updated_at").
			WherePK().
			Where("payment_status = ?", models.PaymentPending).
			Exec(ctx)
		if err != nil {
			return apperror.Internal(err, "failed to mark registration paid")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another delivery won the race; report its result.
			reg, err = s.Store.GetByOrderID(ctx, tx, orderID)
			return err
		}

		if err := s.Store.SetEntitlementStatus(ctx, tx, r.ID, models.EntitlementCompleted, models.EntitlementPending); err != nil {
			return err
		}
		if err := s.Store.AppendHistory(ctx, tx, r, ReasonPaymentDone, "gateway:"+conf.Provider, now); err != nil {
			return err
		}
		missing, err := s.Ledger.IncrementRegistrations(ctx, tx, refsWithStatus(r.Entitlements, models.EntitlementCompleted))
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			s.Logger.Warn("REGISTRATION", fmt.Sprintf("Registration %s paid for unknown targets %v", r.ID, missing))
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !changed {
		s.Logger.LogPayment("DUPLICATE", orderID, fmt.Sprintf("registration %s already %s, nothing to do", reg.ID, reg.PaymentStatus))
		return reg, false, nil
	}

	s.Logger.LogRegistration("PAID", reg.ID, fmt.Sprintf("order=%s payment=%s version=%d", orderID, conf.PaymentID, reg.Version))
	s.afterCommit(ctx, func(ctx context.Context) {
		if err := s.Cart.Clear(ctx, reg.AttendeeRef); err != nil {
			s.Logger.Warn("REGISTRATION", fmt.Sprintf("Failed to clear cart for %s: %v", reg.AttendeeRef, err))
		}
		s.Notifier.RegistrationCompleted(ctx, reg)
		s.Notifier.SendEmail(ctx, kafka.TemplateRegistrationConfirmed, reg)
	})
	return reg, true, nil
}

func applyConfirmation(d *models.PaymentDetails, conf PaymentConfirmation) {
	if conf.Provider != "" {
		d.Provider = conf.Provider
	}
	if conf.GatewayOrderID != "" {
		d.GatewayOrderID = conf.GatewayOrderID
	}
	d.GatewayPaymentID = conf.PaymentID
	d.GatewaySignature = conf.Signature
	d.PaymentMethod = conf.PaymentMethod
}

// MarkFailed closes a pending registration after the gateway reported failure.
func (s *Service) MarkFailed(ctx context.Context, orderID string, conf PaymentConfirmation) (*models.Registration, bool, error) {
	return s.close(ctx, func(ctx context.Context, tx bun.IDB) (*models.Registration, error) {
		return s.Store.GetByOrderID(ctx, tx, orderID)
	}, models.PaymentFailed, ReasonPaymentFailed, "gateway:"+conf.Provider, &conf)
}

func (s *Service) MarkCancelled(ctx context.Context, id, actor string) (*models.Registration, bool, error) {
	return s.close(ctx, func(ctx context.Context, tx bun.IDB) (*models.Registration, error) {
		return s.Store.Get(ctx, tx, id)
	}, models.PaymentCancelled, ReasonCancelled, actor, nil)
}

func (s *Service) close(ctx context.Context, lookup func(context.Context, bun.IDB) (*models.Registration, error), status models.PaymentStatus, reason, actor string, conf *PaymentConfirmation) (*models.Registration, bool, error) {
	var (
		reg     *models.Registration
		changed bool
	)

	err := database.RunInTx(ctx, s.DB, sql.LevelReadCommitted, func(ctx context.Context, tx bun.Tx) error {
		r, err := lookup(ctx, tx)
		if err != nil {
			return err
		}
		reg = r

		if r.PaymentStatus == status {
			return nil
		}
		if r.PaymentStatus != models.PaymentPending {
			return apperror.Conflict(apperror.CodeInvalidTransition, "registration %s is %s and cannot become %s", r.ID, r.PaymentStatus, status)
		}

		now := s.now().UTC()
		r.PaymentStatus = status
		r.UpdatedAt = now
		r.Version++
		if conf != nil {
			applyConfirmation(&r.PaymentDetails, *conf)
			r.GatewayResponse = conf.Raw
		}
		for _, e := range r.Entitlements {
			if e.Status == models.EntitlementPending {
				e.Status = models.EntitlementCancelled
			}
		}

		res, err := tx.NewUpdate().
			Model(r).
			Column("payment_status", "payment_details", "gateway_response", "version", "updated_at").
			WherePK().
			Where("payment_status = ?", models.PaymentPending).
			Exec(ctx)
		if err != nil {
			return apperror.Internal(err, "failed to update registration")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.Conflict(apperror.CodeConcurrentUpdate, "registration %s changed concurrently", r.ID)
		}
		if err := s.Store.SetEntitlementStatus(ctx, tx, r.ID, models.EntitlementCancelled, models.EntitlementPending); err != nil {
			return err
		}
		if err := s.Store.AppendHistory(ctx, tx, r, reason, actor, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.Logger.LogRegistration(strings.ToUpper(string(status)), reg.ID, "by "+actor)
	}
	return reg, changed, nil
}

// AddItems appends entitlements to a paid registration and reissues its QR.
func (s *Service) AddItems(ctx context.Context, id, actor string, items []Item) (*models.Registration, error) {
	var reg *models.Registration

	err := database.RunInTx(ctx, s.DB, sql.LevelSerializable, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.Store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.PaymentStatus != models.PaymentCompleted {
			return apperror.Conflict(apperror.CodeInvalidTransition, "items can only be added to a paid registration (status %s)", r.PaymentStatus)
		}
		for _, item := range items {
			if r.Entitlement(item.Ref()) != nil {
				return apperror.Conflict(apperror.CodeDuplicate, "%s is already on this registration", item.Ref())
			}
		}

		targets, added, err := s.prepare(ctx, tx, r.AttendeeRef, items)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		prevVersion := r.Version
		addedFee := PlatformFee(added)
		r.Amount += added
		r.PlatformFee += addedFee
		r.TotalAmount += added + addedFee
		r.Version++
		r.UpdatedAt = now

		newEnts := buildEntitlements(r.ID, len(r.Entitlements), items, targets, models.EntitlementCompleted, now)
		r.Entitlements = append(r.Entitlements, newEnts...)

		qr, err := s.issueQR(r)
		if err != nil {
			return err
		}
		r.QRCode = qr

		res, err := tx.NewUpdate().
			Model(r).
			Column("amount", "platform_fee", "total_amount", "qr_code", "version", "updated_at").
			WherePK().
			Where("version = ?", prevVersion).
			Exec(ctx)
		if err != nil {
			return apperror.Internal(err, "failed to update registration")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.Conflict(apperror.CodeConcurrentUpdate, "registration %s changed concurrently", r.ID)
		}

		if err := s.Store.insertEntitlements(ctx, tx, newEnts); err != nil {
			return err
		}
		if err := s.Store.AppendHistory(ctx, tx, r, ReasonItemsAdded, actor, now); err != nil {
			return err
		}
		missing, err := s.Ledger.IncrementRegistrations(ctx, tx, refsWithStatus(newEnts, models.EntitlementCompleted))
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			s.Logger.Warn("REGISTRATION", fmt.Sprintf("Registration %s added unknown targets %v", r.ID, missing))
		}
		reg = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.LogRegistration("ITEMS_ADDED", reg.ID, fmt.Sprintf("by %s, version=%d, items=%d", actor, reg.Version, len(reg.Entitlements)))
	s.afterCommit(ctx, func(ctx context.Context) {
		s.Notifier.SendEmail(ctx, kafka.TemplateRegistrationUpdated, reg)
	})
	return reg, nil
}

// Refund force-moves a paid registration and all its entitlements to refunded
// and withdraws its QR. Repeating a refund is a no-op.
func (s *Service) Refund(ctx context.Context, id string, req RefundRequest) (*models.Registration, bool, error) {
	var (
		reg     *models.Registration
		changed bool
	)

	err := database.RunInTx(ctx, s.DB, sql.LevelSerializable, func(ctx context.Context, tx bun.Tx) error {
		r, err := s.Store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		reg = r

		if r.PaymentStatus == models.PaymentRefunded {
			return nil
		}
		if r.PaymentStatus != models.PaymentCompleted {
			return apperror.Conflict(apperror.CodeInvalidTransition, "only paid registrations can be refunded (status %s)", r.PaymentStatus)
		}

		amount := req.Amount
		if amount == 0 {
			amount = r.TotalAmount
		}
		if amount < 0 || amount > r.TotalAmount {
			return apperror.Validation(apperror.CodeInvalidRequest, "refund amount %d outside 0..%d", amount, r.TotalAmount)
		}

		now := s.now().UTC()
		held := refsWithStatus(r.Entitlements, models.EntitlementCompleted)
		prevVersion := r.Version

		r.PaymentStatus = models.PaymentRefunded
		r.QRCode = nil
		r.Version++
		r.UpdatedAt = now
		r.PaymentDetails.Refund = &models.RefundDetails{
			RefundID:   req.RefundID,
			Amount:     amount,
			Reason:     req.Reason,
			RefundedBy: req.Actor,
			RefundedAt: now,
		}
		for _, e := range r.Entitlements {
			e.Status = models.EntitlementRefunded
		}

		res, err := tx.NewUpdate().
			Model(r).
			Column("payment_status", "qr_code", "payment_details", "version", "updated_at").
			WherePK().
			Where("version = ?", prevVersion).
			Exec(ctx)
		if err != nil {
			return apperror.Internal(err, "failed to refund registration")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.Conflict(apperror.CodeConcurrentUpdate, "registration %s changed concurrently", r.ID)
		}
		if err := s.Store.SetEntitlementStatus(ctx, tx, r.ID, models.EntitlementRefunded); err != nil {
			return err
		}
		if err := s.Store.AppendHistory(ctx, tx, r, ReasonRefunded, req.Actor, now); err != nil {
			return err
		}
		if s.settings.DecrementOnRefund {
			if _, err := s.Ledger.DecrementRegistrations(ctx, tx, held); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return reg, false, nil
	}

	s.Logger.LogRegistration("REFUNDED", reg.ID, fmt.Sprintf("by %s amount=%d reason=%q", req.Actor, reg.PaymentDetails.Refund.Amount, req.Reason))
	s.afterCommit(ctx, func(ctx context.Context) {
		s.Notifier.RegistrationRefunded(ctx, reg)
		s.Notifier.SendEmail(ctx, kafka.TemplateRegistrationRefunded, reg)
	})
	return reg, true, nil
}

// CreateOffline registers a desk payment: the registration is born paid with
// a receipt number from the sequence and an offline-domain QR.
func (s *Service) CreateOffline(ctx context.Context, in NewOfflineRegistration) (*models.Registration, error) {
	if in.AttendeeRef == "" {
		return nil, apperror.Validation(apperror.CodeInvalidRequest, "attendee reference is required")
	}
	if in.CollectedBy == "" {
		return nil, apperror.Validation(apperror.CodeInvalidRequest, "collecting coordinator is required")
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = "cash"
	}

	now := s.now().UTC()
	reg := &models.Registration{
		ID:                 uuid.NewString(),
		AttendeeRef:        in.AttendeeRef,
		AttendeeName:       in.Name,
		AttendeeEmail:      in.Email,
		AttendeePhone:      in.Phone,
		Channel:            models.ChannelOffline,
		PaymentStatus:      models.PaymentCompleted,
		SecureKey:          newSecureKey(),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
		PaymentInitiatedAt: now,
		PaymentCompletedAt: now,
		PaymentDetails: models.PaymentDetails{
			Provider:      "offline",
			PaymentMethod: in.PaymentMethod,
			CollectedBy:   in.CollectedBy,
		},
	}

	err := database.RunInTx(ctx, s.DB, sql.LevelReadCommitted, func(ctx context.Context, tx bun.Tx) error {
		targets, amount, err := s.prepare(ctx, tx, in.AttendeeRef, in.Items)
		if err != nil {
			return err
		}
		fee, total, err := Totals(amount, in.PlatformFee, in.TotalAmount)
		if err != nil {
			return err
		}
		reg.Amount, reg.PlatformFee, reg.TotalAmount = amount, fee, total
		reg.Entitlements = buildEntitlements(reg.ID, 0, in.Items, targets, models.EntitlementCompleted, now)

		seq, err := s.Store.NextSequence(ctx, tx, receiptSequence)
		if err != nil {
			return err
		}
		reg.ReceiptNumber = receiptNumber(s.settings.ReceiptPrefix, seq)

		qr, err := s.issueQR(reg)
		if err != nil {
			return err
		}
		reg.QRCode = qr

		if err := s.Store.Insert(ctx, tx, reg); err != nil {
			return err
		}
		if err := s.Store.AppendHistory(ctx, tx, reg, ReasonOfflineCreated, in.CollectedBy, now); err != nil {
			return err
		}
		missing, err := s.Ledger.IncrementRegistrations(ctx, tx, refsWithStatus(reg.Entitlements, models.EntitlementCompleted))
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			s.Logger.Warn("REGISTRATION", fmt.Sprintf("Offline registration %s for unknown targets %v", reg.ID, missing))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.LogRegistration("OFFLINE_CREATED", reg.ID, fmt.Sprintf("receipt=%s by %s total=%d", reg.ReceiptNumber, in.CollectedBy, reg.TotalAmount))
	s.afterCommit(ctx, func(ctx context.Context) {
		s.Notifier.RegistrationCompleted(ctx, reg)
		s.Notifier.SendEmail(ctx, kafka.TemplateRegistrationConfirmed, reg)
	})
	return reg, nil
}

// CleanupOrphaned hard-deletes unpaid registrations older than olderThan.
func (s *Service) CleanupOrphaned(ctx context.Context, olderThan time.Duration, actor string) (int, error) {
	if olderThan <= 0 {
		return 0, apperror.Validation(apperror.CodeInvalidRequest, "cleanup age must be positive")
	}
	cutoff := s.now().UTC().Add(-olderThan)

	var ids []string
	err := database.RunInTx(ctx, s.DB, sql.LevelSerializable, func(ctx context.Context, tx bun.Tx) error {
		var err error
		ids, err = s.Store.DeleteOrphaned(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.Logger.LogRegistration("ORPHANS_DELETED", "-", fmt.Sprintf("%d registrations created before %s removed by %s", len(ids), cutoff.Format(time.RFC3339), actor))
	return len(ids), nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Registration, error) {
	return s.Store.Get(ctx, s.DB, id)
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*models.Registration, error) {
	return s.Store.GetByOrderID(ctx, s.DB, orderID)
}

func (s *Service) ListByAttendee(ctx context.Context, attendee string) ([]*models.Registration, error) {
	return s.Store.ListByAttendee(ctx, s.DB, attendee)
}

func (s *Service) History(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	return s.Store.History(ctx, s.DB, id)
}

func (s *Service) ListStalePending(ctx context.Context, minAge time.Duration, limit int) ([]*models.Registration, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.Store.ListStalePending(ctx, s.DB, s.now().UTC().Add(-minAge), limit)
}

// issueQR mints the pass for reg's completed entitlements.
func (s *Service) issueQR(reg *models.Registration) (*models.QRArtifact, error) {
	var events, workshops []string
	for _, e := range reg.Entitlements {
		if e.Status != models.EntitlementCompleted {
			continue
		}
		switch e.Kind {
		case models.KindEvent:
			events = append(events, e.TargetID)
		case models.KindWorkshop:
			workshops = append(workshops, e.TargetID)
		}
	}

	now := s.now().UTC()
	p := qrcodec.Payload{
		RegistrationID: reg.ID,
		StudentID:      reg.AttendeeRef,
		Events:         events,
		Workshops:      workshops,
		Amount:         reg.TotalAmount,
	}
	if reg.Channel == models.ChannelOffline {
		p.Domain = qrcodec.DomainOffline
		p.ReceiptNumber = reg.ReceiptNumber
		p.SecureKey = reg.SecureKey
		p.ValidUntil = now.Add(s.settings.OfflineValidity).UnixMilli()
	} else {
		p.Domain = qrcodec.DomainOnline
		p.OrderID = reg.OrderID
		p.PaymentID = reg.PaymentDetails.GatewayPaymentID
		deadline := s.settings.CampaignEnd
		if !deadline.After(now) {
			deadline = now.Add(s.settings.OfflineValidity)
		}
		p.ValidUntil = deadline.UnixMilli()
	}

	issued, err := s.Codec.Encode(p)
	if err != nil {
		return nil, apperror.Internal(err, "failed to mint QR for %s", reg.ID)
	}

	return &models.QRArtifact{
		DataURL:     issued.DataURL(),
		Payload:     issued.Text,
		GeneratedAt: now,
		ValidUntil:  issued.Payload.ValidUntilTime().UTC(),
		Metadata: models.QRMetadata{
			Events:    issued.Payload.Events,
			Workshops: issued.Payload.Workshops,
			VerificationData: models.VerificationData{
				BaseAmount:       reg.Amount,
				PlatformFee:      reg.PlatformFee,
				TotalAmount:      reg.TotalAmount,
				PaymentID:        p.PaymentID,
				Timestamp:        issued.Payload.Timestamp,
				VerificationHash: issued.Payload.Signature,
			},
		},
	}, nil
}

// afterCommit runs side effects that must not be undone by a cancelled request.
func (s *Service) afterCommit(ctx context.Context, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	fn(ctx)
}
