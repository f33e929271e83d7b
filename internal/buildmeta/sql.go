package buildmeta

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"releasegen/internal/domain"
	"releasegen/internal/errors"
)

// SQLStore reads builds from a "builds" table in SQLite, MySQL or Postgres.
type SQLStore struct {
	driver string
	db     *sql.DB
}

// Schema is the DDL of the builds table. Composite keys are a JSON object
// of refset id to field indexes.
const Schema = `CREATE TABLE IF NOT EXISTS builds (
	id VARCHAR(64) PRIMARY KEY,
	effective_date VARCHAR(8) NOT NULL,
	first_time_release BOOLEAN NOT NULL DEFAULT FALSE,
	beta_release BOOLEAN NOT NULL DEFAULT FALSE,
	previous_published_package VARCHAR(255) NOT NULL DEFAULT '',
	custom_refset_composite_keys TEXT NOT NULL DEFAULT '{}',
	workbench_data_fixes_required BOOLEAN NOT NULL DEFAULT FALSE,
	create_legacy_ids BOOLEAN NOT NULL DEFAULT FALSE,
	namespace INTEGER NOT NULL DEFAULT 0,
	module_id VARCHAR(32) NOT NULL DEFAULT ''
)`

// OpenSQL connects to a builds database. driver is one of sqlite, mysql, postgres.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	driverName := driver
	if driver == SourcePostgres {
		driverName = "postgres"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	return &SQLStore{driver: driver, db: db}, nil
}

func (s *SQLStore) placeholder() string {
	if s.driver == SourcePostgres {
		return "$1"
	}
	return "?"
}

// GetBuild returns the build with the given id.
func (s *SQLStore) GetBuild(ctx context.Context, id string) (*domain.BuildConfig, error) {
	q := `SELECT id, effective_date, first_time_release, beta_release, previous_published_package,
		custom_refset_composite_keys, workbench_data_fixes_required, create_legacy_ids, namespace, module_id
		FROM builds WHERE id = ` + s.placeholder()

	var (
		b    domain.BuildConfig
		keys string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&b.ID, &b.EffectiveDate, &b.FirstTimeRelease, &b.BetaRelease, &b.PreviousPublishedPackage,
		&keys, &b.WorkbenchDataFixesRequired, &b.CreateLegacyIDs, &b.Namespace, &b.ModuleID,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("build " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("query build %s: %w", id, err)
	}
	if keys != "" {
		if err := json.Unmarshal([]byte(keys), &b.CustomRefsetCompositeKeys); err != nil {
			return nil, fmt.Errorf("build %s: composite keys: %w", id, err)
		}
	}
	return &b, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
