package capacity_test

import (
	"context"
	"sync"
	"testing"

	"ms-registration/internal/apperror"
	"ms-registration/internal/capacity"
	"ms-registration/internal/database/dbtest"
	"ms-registration/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hackathon = models.TargetRef{Kind: models.KindEvent, ID: "hackathon"}
	iot       = models.TargetRef{Kind: models.KindWorkshop, ID: "iot"}
)

func TestIncrementRegistrationsConcurrently(t *testing.T) {
	db := dbtest.New(t)
	dbtest.SeedTargets(t, db, models.CapacityTarget{Kind: models.KindEvent, TargetID: "hackathon", Name: "Hackathon"})
	ledger := capacity.NewLedger()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.IncrementRegistrations(context.Background(), db, []models.TargetRef{hackathon})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, dbtest.Target(t, db, hackathon).RegistrationCount)
}

func TestIncrementReportsMissingTargets(t *testing.T) {
	db := dbtest.New(t)
	dbtest.SeedTargets(t, db, models.CapacityTarget{Kind: models.KindEvent, TargetID: "hackathon", Name: "Hackathon"})

	missing, err := capacity.NewLedger().IncrementRegistrations(context.Background(), db, []models.TargetRef{hackathon, iot})
	require.NoError(t, err)
	assert.Equal(t, []models.TargetRef{iot}, missing)
	assert.Equal(t, 1, dbtest.Target(t, db, hackathon).RegistrationCount)
}

func TestDecrementStopsAtZero(t *testing.T) {
	db := dbtest.New(t)
	dbtest.SeedTargets(t, db, models.CapacityTarget{Kind: models.KindWorkshop, TargetID: "iot", Name: "IoT", RegistrationCount: 1})
	ledger := capacity.NewLedger()
	ctx := context.Background()

	_, err := ledger.DecrementRegistrations(ctx, db, []models.TargetRef{iot})
	require.NoError(t, err)
	missing, err := ledger.DecrementRegistrations(ctx, db, []models.TargetRef{iot})
	require.NoError(t, err)

	assert.Len(t, missing, 1)
	assert.Zero(t, dbtest.Target(t, db, iot).RegistrationCount)
}

func TestEnsureAvailable(t *testing.T) {
	db := dbtest.New(t)
	dbtest.SeedTargets(t, db,
		models.CapacityTarget{Kind: models.KindEvent, TargetID: "hackathon", Name: "Hackathon", MaxRegistrations: 2, RegistrationCount: 2},
		models.CapacityTarget{Kind: models.KindWorkshop, TargetID: "iot", Name: "IoT"},
	)
	ledger := capacity.NewLedger()
	ctx := context.Background()

	got, err := ledger.EnsureAvailable(ctx, db, []models.TargetRef{iot})
	require.NoError(t, err)
	assert.Equal(t, "IoT", got[iot].Name)

	_, err = ledger.EnsureAvailable(ctx, db, []models.TargetRef{iot, hackathon})
	assert.Equal(t, apperror.CodeCapacityReached, apperror.CodeOf(err))

	_, err = ledger.EnsureAvailable(ctx, db, []models.TargetRef{{Kind: models.KindEvent, ID: "nope"}})
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
}

func TestUpsertKeepsCounters(t *testing.T) {
	db := dbtest.New(t)
	dbtest.SeedTargets(t, db, models.CapacityTarget{Kind: models.KindEvent, TargetID: "hackathon", Name: "Old", RegistrationCount: 5, CheckInCount: 3})
	ledger := capacity.NewLedger()
	ctx := context.Background()

	err := ledger.Upsert(ctx, db,
		models.CapacityTarget{Kind: models.KindEvent, TargetID: "hackathon", Name: "Hackathon", MaxRegistrations: 100},
		models.CapacityTarget{Kind: models.KindWorkshop, TargetID: "iot", Name: "IoT"},
	)
	require.NoError(t, err)

	h := dbtest.Target(t, db, hackathon)
	assert.Equal(t, "Hackathon", h.Name)
	assert.Equal(t, 100, h.MaxRegistrations)
	assert.Equal(t, 5, h.RegistrationCount)
	assert.Equal(t, 3, h.CheckInCount)

	all, err := ledger.List(ctx, db, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIncrementCheckInsUnknownTarget(t *testing.T) {
	db := dbtest.New(t)
	err := capacity.NewLedger().IncrementCheckIns(context.Background(), db, hackathon)
	assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
}
