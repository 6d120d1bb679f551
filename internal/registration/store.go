package registration

import (
	"context"
	"fmt"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/database"
	"ms-registration/internal/models"

	"github.com/uptrace/bun"
)

// Store is the registration table access layer. Every method takes the
// bun.IDB to run on so the same code serves plain reads and transactions.
type Store struct{}

func (Store) load(ctx context.Context, db bun.IDB, column string, value any) (*models.Registration, error) {
	var reg models.Registration
	err := db.NewSelect().
		Model(&reg).
		Relation("Entitlements", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("position ASC")
		}).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound("registration not found")
	}
	if err != nil {
		return nil, apperror.Internal(err, "failed to load registration")
	}
	return &reg, nil
}

func (s Store) Get(ctx context.Context, db bun.IDB, id string) (*models.Registration, error) {
	return s.load(ctx, db, "id", id)
}

func (s Store) GetByOrderID(ctx context.Context, db bun.IDB, orderID string) (*models.Registration, error) {
	return s.load(ctx, db, "order_id", orderID)
}

func (s Store) GetByReceipt(ctx context.Context, db bun.IDB, receipt string) (*models.Registration, error) {
	return s.load(ctx, db, "receipt_number", receipt)
}

func (Store) ListByAttendee(ctx context.Context, db bun.IDB, attendee string) ([]*models.Registration, error) {
	var regs []*models.Registration
	err := db.NewSelect().
		Model(&regs).
		Relation("Entitlements", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("position ASC")
		}).
		Where("?TableAlias.attendee_ref = ?", attendee).
		Order("created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.Internal(err, "failed to list registrations")
	}
	return regs, nil
}

// ListStalePending returns pending registrations whose payment was initiated before cutoff.
func (Store) ListStalePending(ctx context.Context, db bun.IDB, cutoff time.Time, limit int) ([]*models.Registration, error) {
	var regs []*models.Registration
	err := db.NewSelect().
		Model(&regs).
		Where("payment_status = ?", models.PaymentPending).
		Where("order_id IS NOT NULL").
		Where("payment_initiated_at IS NOT NULL").
		Where("payment_initiated_at < ?", cutoff).
		Order("payment_initiated_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperror.Internal(err, "failed to list pending registrations")
	}
	return regs, nil
}

// HeldTargets returns the targets attendee already owns through completed registrations.
func (Store) HeldTargets(ctx context.Context, db bun.IDB, attendee string) (map[models.TargetRef]string, error) {
	var ids []string
	err := db.NewSelect().
		Model((*models.Registration)(nil)).
		Column("id").
		Where("attendee_ref = ?", attendee).
		Where("payment_status = ?", models.PaymentCompleted).
		Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load attendee registrations")
	}
	held := map[models.TargetRef]string{}
	if len(ids) == 0 {
		return held, nil
	}

	var ents []models.Entitlement
	err = db.NewSelect().
		Model(&ents).
		Where("registration_id IN (?)", bun.In(ids)).
		Where("status = ?", models.EntitlementCompleted).
		Scan(ctx)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load attendee entitlements")
	}
	for _, e := range ents {
		held[e.Ref()] = e.RegistrationID
	}
	return held, nil
}

func (s Store) Insert(ctx context.Context, db bun.IDB, reg *models.Registration) error {
	if _, err := db.NewInsert().Model(reg).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err) {
			return apperror.Conflict(apperror.CodeDuplicate, "registration already exists")
		}
		return apperror.Internal(err, "failed to insert registration")
	}
	return s.insertEntitlements(ctx, db, reg.Entitlements)
}

func (Store) insertEntitlements(ctx context.Context, db bun.IDB, ents []*models.Entitlement) error {
	if len(ents) == 0 {
		return nil
	}
	if _, err := db.NewInsert().Model(&ents).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err) {
			return apperror.Conflict(apperror.CodeDuplicate, "entitlement already on registration")
		}
		return apperror.Internal(err, "failed to insert entitlements")
	}
	return nil
}

func (Store) AppendHistory(ctx context.Context, db bun.IDB, reg *models.Registration, reason, actor string, at time.Time) error {
	entry := &models.HistoryEntry{
		RegistrationID: reg.ID,
		Version:        reg.Version,
		Reason:         reason,
		Actor:          actor,
		Snapshot:       reg.Snapshot(),
		CreatedAt:      at,
	}
	if _, err := db.NewInsert().Model(entry).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err) {
			return apperror.Conflict(apperror.CodeConcurrentUpdate, "registration %s changed concurrently", reg.ID)
		}
		return apperror.Internal(err, "failed to append history")
	}
	return nil
}

func (Store) History(ctx context.Context, db bun.IDB, id string) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	err := db.NewSelect().
		Model(&entries).
		Where("registration_id = ?", id).
		Order("version ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.Internal(err, "failed to load history")
	}
	return entries, nil
}

// SetEntitlementStatus moves every entitlement currently in one of from to status.
func (Store) SetEntitlementStatus(ctx context.Context, db bun.IDB, id string, status models.EntitlementStatus, from ...models.EntitlementStatus) error {
	q := db.NewUpdate().
		Model((*models.Entitlement)(nil)).
		Set("status = ?", status).
		Where("registration_id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN (?)", bun.In(from))
	}
	if _, err := q.Exec(ctx); err != nil {
		return apperror.Internal(err, "failed to update entitlements")
	}
	return nil
}

// MarkAttended stamps attended_at on a completed entitlement of a paid
// registration. It reports false when no row qualified, so callers inside a
// transaction can reject a pass refunded or attended after they checked it.
func (Store) MarkAttended(ctx context.Context, db bun.IDB, id string, ref models.TargetRef, at time.Time) (bool, error) {
	res, err := db.NewUpdate().
		Model((*models.Entitlement)(nil)).
		Set("attended_at = ?", at).
		Where("registration_id = ?", id).
		Where("kind = ?", ref.Kind).
		Where("target_id = ?", ref.ID).
		Where("status = ?", models.EntitlementCompleted).
		Where("attended_at IS NULL").
		Where("EXISTS (SELECT 1 FROM registrations AS r WHERE r.id = ? AND r.payment_status = ?)", id, models.PaymentCompleted).
		Exec(ctx)
	if err != nil {
		return false, apperror.Internal(err, "failed to mark attendance")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperror.Internal(err, "failed to mark attendance")
	}
	return n == 1, nil
}

// NextSequence advances the named counter by one and returns the new value.
// The row lock taken by the UPDATE serializes concurrent callers.
func (Store) NextSequence(ctx context.Context, db bun.IDB, name string) (int64, error) {
	_, err := db.NewInsert().
		Model(&models.Sequence{Name: name}).
		On("CONFLICT (name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return 0, apperror.Internal(err, "failed to initialise sequence %s", name)
	}

	_, err = db.NewUpdate().
		Model((*models.Sequence)(nil)).
		Set("value = value + 1").
		Where("name = ?", name).
		Exec(ctx)
	if err != nil {
		return 0, apperror.Internal(err, "failed to advance sequence %s", name)
	}

	var seq models.Sequence
	if err := db.NewSelect().Model(&seq).Where("name = ?", name).Scan(ctx); err != nil {
		return 0, apperror.Internal(err, "failed to read sequence %s", name)
	}
	return seq.Value, nil
}

// DeleteOrphaned removes unpaid registrations created before cutoff together
// with their entitlements and history.
func (Store) DeleteOrphaned(ctx context.Context, db bun.IDB, cutoff time.Time) ([]string, error) {
	var ids []string
	err := db.NewSelect().
		Model((*models.Registration)(nil)).
		Column("id").
		Where("payment_status IN (?)", bun.In([]models.PaymentStatus{models.PaymentPending, models.PaymentFailed, models.PaymentCancelled})).
		Where("created_at < ?", cutoff).
		Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.Internal(err, "failed to find orphaned registrations")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	for _, model := range []any{(*models.Entitlement)(nil), (*models.HistoryEntry)(nil), (*models.CheckInRecord)(nil)} {
		if _, err := db.NewDelete().Model(model).Where("registration_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
			return nil, apperror.Internal(err, "failed to delete %T rows", model)
		}
	}
	if _, err := db.NewDelete().Model((*models.Registration)(nil)).Where("id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
		return nil, apperror.Internal(err, "failed to delete registrations")
	}
	return ids, nil
}

func receiptNumber(prefix string, n int64) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}
