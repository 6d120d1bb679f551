// Package dbtest hands tests an isolated in-memory store with the full schema.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"ms-registration/internal/database"
	"ms-registration/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func New(t testing.TB) *bun.DB {
	t.Helper()

	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, database.CreateSchema(context.Background(), db))
	return db
}

// SeedTargets inserts capacity targets as given.
func SeedTargets(t testing.TB, db *bun.DB, targets ...models.CapacityTarget) {
	t.Helper()
	if len(targets) == 0 {
		return
	}
	_, err := db.NewInsert().Model(&targets).Exec(context.Background())
	require.NoError(t, err)
}

func Target(t testing.TB, db *bun.DB, ref models.TargetRef) models.CapacityTarget {
	t.Helper()
	var target models.CapacityTarget
	err := db.NewSelect().Model(&target).
		Where("kind = ?", ref.Kind).
		Where("target_id = ?", ref.ID).
		Scan(context.Background())
	require.NoError(t, err)
	return target
}
