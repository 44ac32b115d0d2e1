package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

// migrationLockKey is the advisory lock held while creating the run
// tables, so several `nexus serve` instances can share one database.
const migrationLockKey int64 = 0x6e65787573 // "nexus"

const schemaMetaTable = `CREATE TABLE IF NOT EXISTS nexus_schema (version INTEGER NOT NULL)`

// postgresDSN builds a lib/pq URL. Credentials are escaped, so passwords
// may contain spaces or reserved characters.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "nexus"
	}
	sslMode := cfg.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", "nexus-analyzer")
	u.RawQuery = q.Encode()
	return u.String()
}

func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres run store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres run store: %w", err)
	}
	return db, nil
}

// migratePostgres creates the run tables under an advisory lock and
// records the schema version in nexus_schema.
func migratePostgres(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaMetaTable); err != nil {
		return err
	}

	var version int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM nexus_schema").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if err := checkSchemaVersion(version); err != nil {
		return err
	}

	for _, stmt := range runTables("TIMESTAMPTZ") {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if version < schemaVersion {
		if _, err := tx.ExecContext(ctx, "INSERT INTO nexus_schema (version) VALUES ($1)", schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return tx.Commit()
}
