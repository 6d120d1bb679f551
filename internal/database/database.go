// Package database opens the registration store and owns the pieces of
// schema the ORM cannot express on its own, such as partial unique indexes.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/config"
	"ms-registration/internal/logger"
	"ms-registration/internal/models"

	"github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const connectAttempts = 5

// Connect opens the configured store, retrying the first ping like the rest
// of the platform's services do while the database container boots.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*bun.DB, error) {
	if cfg.Driver == "sqlite" {
		return OpenSQLite(cfg.DSN)
	}

	var (
		sqldb *sql.DB
		err   error
	)
	for i := 0; i < connectAttempts; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, connectAttempts))
		sqldb, err = sql.Open("postgres", cfg.DSN)
		if err == nil {
			if err = sqldb.PingContext(ctx); err == nil {
				break
			}
			sqldb.Close()
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < connectAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres unreachable after %d attempts: %w", connectAttempts, err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// OpenSQLite opens a single-connection SQLite store. SQLite serializes
// writers anyway, and a lone connection keeps in-memory databases alive.
func OpenSQLite(dsn string) (*bun.DB, error) {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// TxFunc is the body of a transaction. It must only use tx, never the parent DB.
type TxFunc func(ctx context.Context, tx bun.Tx) error

// RunInTx runs fn at the requested isolation level. SQLite transactions are
// already serializable, so the level is only forwarded to Postgres. A
// serialization abort comes back as a retryable CONCURRENT_UPDATE conflict.
func RunInTx(ctx context.Context, db *bun.DB, level sql.IsolationLevel, fn TxFunc) error {
	var opts *sql.TxOptions
	if db.Dialect().Name() == dialect.PG {
		opts = &sql.TxOptions{Isolation: level}
	}
	err := db.RunInTx(ctx, opts, fn)
	if IsSerializationFailure(err) {
		e := apperror.Conflict(apperror.CodeConcurrentUpdate, "concurrent update, retry the request")
		e.Err = err
		e.Retryable = true
		return e
	}
	return err
}

// IsUniqueViolation reports whether err came from a unique index rejecting a row.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsSerializationFailure reports a Postgres serializable-isolation abort.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// IsNotFound wraps sql.ErrNoRows for callers that should not import database/sql.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var tables = []any{
	(*models.CapacityTarget)(nil),
	(*models.Registration)(nil),
	(*models.Entitlement)(nil),
	(*models.HistoryEntry)(nil),
	(*models.CheckInRecord)(nil),
	(*models.UsedCredential)(nil),
	(*models.Sequence)(nil),
}

type index struct {
	name    string
	model   any
	unique  bool
	columns []string
	where   string
}

// Completed check-in records form one consumption ledger across the online and
// offline desks: a registration and an attendee may each consume a target once.
var indexes = []index{
	{name: "registrations_attendee_idx", model: (*models.Registration)(nil), columns: []string{"attendee_ref"}},
	{name: "registrations_status_initiated_idx", model: (*models.Registration)(nil), columns: []string{"payment_status", "payment_initiated_at"}},
	{name: "entitlements_registration_target_uq", model: (*models.Entitlement)(nil), unique: true, columns: []string{"registration_id", "kind", "target_id"}},
	{name: "history_registration_version_uq", model: (*models.HistoryEntry)(nil), unique: true, columns: []string{"registration_id", "version"}},
	{name: "checkins_registration_target_uq", model: (*models.CheckInRecord)(nil), unique: true, columns: []string{"registration_id", "kind", "target_id"}, where: "status = 'completed'"},
	{name: "checkins_attendee_target_uq", model: (*models.CheckInRecord)(nil), unique: true, columns: []string{"attendee_ref", "kind", "target_id"}, where: "status = 'completed'"},
	{name: "used_credentials_key_target_uq", model: (*models.UsedCredential)(nil), unique: true, columns: []string{"secure_key", "kind", "target_id"}},
}

// CreateSchema creates every table and index if missing. Production
// deployments use the SQL migrations instead; this serves tests and sqlite.
func CreateSchema(ctx context.Context, db *bun.DB) error {
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	for _, idx := range indexes {
		q := db.NewCreateIndex().Model(idx.model).Index(idx.name).IfNotExists().Column(idx.columns...)
		if idx.unique {
			q = q.Unique()
		}
		if idx.where != "" {
			q = q.Where(idx.where)
		}
		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
