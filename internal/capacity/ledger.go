// Package capacity keeps the per-event and per-workshop counters. Counters
// only ever move by a relative +1/-1 in SQL so concurrent payments and
// check-ins never lose an update.
package capacity

import (
	"context"
	"fmt"

	"ms-registration/internal/apperror"
	"ms-registration/internal/database"
	"ms-registration/internal/models"

	"github.com/uptrace/bun"
)

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Get(ctx context.Context, db bun.IDB, ref models.TargetRef) (*models.CapacityTarget, error) {
	var target models.CapacityTarget
	err := db.NewSelect().
		Model(&target).
		Where("kind = ?", ref.Kind).
		Where("target_id = ?", ref.ID).
		Limit(1).
		Scan(ctx)
	if database.IsNotFound(err) {
		return nil, apperror.NotFound("%s %q does not exist", ref.Kind, ref.ID)
	}
	if err != nil {
		return nil, apperror.Internal(err, "failed to load %s", ref)
	}
	return &target, nil
}

// List returns every target of kind, or all targets when kind is empty.
func (l *Ledger) List(ctx context.Context, db bun.IDB, kind models.EntitlementKind) ([]models.CapacityTarget, error) {
	var targets []models.CapacityTarget
	q := db.NewSelect().Model(&targets).Order("kind", "target_id")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.Internal(err, "failed to list capacity targets")
	}
	return targets, nil
}

// EnsureAvailable loads every ref and rejects the set if any target is
// unknown or already at its ceiling.
func (l *Ledger) EnsureAvailable(ctx context.Context, db bun.IDB, refs []models.TargetRef) (map[models.TargetRef]*models.CapacityTarget, error) {
	out := make(map[models.TargetRef]*models.CapacityTarget, len(refs))
	for _, ref := range refs {
		target, err := l.Get(ctx, db, ref)
		if err != nil {
			return nil, err
		}
		if target.Full() {
			return nil, apperror.Conflict(apperror.CodeCapacityReached, "%s is full (%d/%d)", target.Name, target.RegistrationCount, target.MaxRegistrations)
		}
		out[ref] = target
	}
	return out, nil
}

// IncrementRegistrations bumps registration_count for each ref and returns
// the refs that matched no target row.
func (l *Ledger) IncrementRegistrations(ctx context.Context, db bun.IDB, refs []models.TargetRef) ([]models.TargetRef, error) {
	return l.bump(ctx, db, refs, "registration_count = registration_count + 1", "")
}

// DecrementRegistrations never takes a counter below zero.
func (l *Ledger) DecrementRegistrations(ctx context.Context, db bun.IDB, refs []models.TargetRef) ([]models.TargetRef, error) {
	return l.bump(ctx, db, refs, "registration_count = registration_count - 1", "registration_count > 0")
}

func (l *Ledger) IncrementCheckIns(ctx context.Context, db bun.IDB, ref models.TargetRef) error {
	missing, err := l.bump(ctx, db, []models.TargetRef{ref}, "check_in_count = check_in_count + 1", "")
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return apperror.NotFound("%s %q does not exist", ref.Kind, ref.ID)
	}
	return nil
}

func (l *Ledger) bump(ctx context.Context, db bun.IDB, refs []models.TargetRef, set, guard string) ([]models.TargetRef, error) {
	var missing []models.TargetRef
	for _, ref := range refs {
		q := db.NewUpdate().
			Model((*models.CapacityTarget)(nil)).
			Set(set).
			Where("kind = ?", ref.Kind).
			Where("target_id = ?", ref.ID)
		if guard != "" {
			q = q.Where(guard)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return nil, apperror.Internal(err, "failed to update counters for %s", ref)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

// Upsert creates targets or refreshes their descriptive fields. Counters of
// existing rows are left untouched.
func (l *Ledger) Upsert(ctx context.Context, db bun.IDB, targets ...models.CapacityTarget) error {
	if len(targets) == 0 {
		return nil
	}
	for _, t := range targets {
		if !t.Kind.Valid() || t.TargetID == "" {
			return apperror.Validation(apperror.CodeInvalidRequest, "invalid capacity target %q", t.Ref())
		}
	}
	_, err := db.NewInsert().
		Model(&targets).
		On("CONFLICT (kind, target_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("price = EXCLUDED.price").
		Set("max_registrations = EXCLUDED.max_registrations").
		Set("starts_at = EXCLUDED.starts_at").
		Set("ends_at = EXCLUDED.ends_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert capacity targets: %w", err)
	}
	return nil
}
