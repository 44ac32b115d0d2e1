// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit bounds ListAnalyses when no limit is given.
const DefaultListLimit = 50

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// backend opens one database flavor and brings it to the current schema.
type backend struct {
	open    func(domain.RepositoryConfig) (*sql.DB, error)
	migrate func(context.Context, *sql.DB) error
}

var backends = map[string]backend{
	"sqlite":   {open: openSQLite, migrate: migrateSQLite},
	"postgres": {open: openPostgres, migrate: migratePostgres},
}

const migrateTimeout = 30 * time.Second

// New opens the run store named by cfg.Driver and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	b, ok := backends[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := b.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := b.migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLRepository{db: db, driver: cfg.Driver}, nil
}

// SaveAnalysis stores a run with its crossing results and VDA outcomes in
// one transaction. Saving the same run ID again replaces it.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, clientID string, a *domain.Analysis) error {
	if clientID == "" {
		return fmt.Errorf("%w: clientID is required", ErrInvalidInput)
	}
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: analysis ID is required", ErrInvalidInput)
	}

	summary, err := json.Marshal(a.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	quality, err := json.Marshal(a.Quality)
	if err != nil {
		return fmt.Errorf("failed to encode quality: %w", err)
	}
	warnings, _ := json.Marshal(a.Warnings)
	rejected, _ := json.Marshal(a.Rejected)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"vda_outcomes", "crossing_results", "analysis_runs"} {
		col := "analysis_id"
		if table == "analysis_runs" {
			col = "id"
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE client_id = ? AND %s = ?", table, col)
		if _, err := tx.ExecContext(ctx, r.rebind(query), clientID, a.ID); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO analysis_runs (
			id, client_id, created_at, as_of, states_analyzed, states_with_nexus,
			summary, quality, warnings, rejected, duration_ms, engine_version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(query),
		a.ID, clientID, a.CreatedAt.UTC(), nullDate(a.AsOf),
		a.Summary.StatesAnalyzed, a.Summary.StatesWithNexus,
		string(summary), string(quality), string(warnings), string(rejected),
		a.DurationMs, a.Version,
	); err != nil {
		return err
	}

	query = `
		INSERT INTO crossing_results (
			analysis_id, client_id, state_code, crossed, crossing_date, triggering_metric,
			cumulative_sales, cumulative_transactions, lookback_rule, window_start, window_end
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, res := range a.Results {
		var start, end sql.NullString
		if res.Window != nil {
			start, end = nullDate(res.Window.Start), nullDate(res.Window.End)
		}
		var crossing sql.NullString
		if res.CrossingDate != nil {
			crossing = nullDate(*res.CrossingDate)
		}
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			a.ID, clientID, res.StateCode, boolInt(res.Crossed), crossing, string(res.TriggeringMetric),
			res.CumulativeSales.String(), res.CumulativeTransactions, string(res.LookbackRule), start, end,
		); err != nil {
			return fmt.Errorf("failed to save %s result: %w", res.StateCode, err)
		}
	}

	query = `
		INSERT INTO vda_outcomes (
			analysis_id, client_id, state_code, crossing_date, lookback_start, lookback_capped,
			sales_in_lookback, estimated_penalty, estimated_interest, placeholder, basis
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, o := range a.VDA {
		if _, err := tx.ExecContext(ctx, r.rebind(query),
			a.ID, clientID, o.StateCode, formatDate(o.CrossingDate), formatDate(o.LookbackStart), boolInt(o.LookbackCapped),
			o.SalesInLookback.String(), o.EstimatedPenalty.String(), o.EstimatedInterest.String(),
			boolInt(o.Placeholder), o.Basis,
		); err != nil {
			return fmt.Errorf("failed to save %s VDA outcome: %w", o.StateCode, err)
		}
	}

	return tx.Commit()
}

// GetAnalysis retrieves a run by ID with client isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, clientID string, analysisID string) (*domain.Analysis, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: clientID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, client_id, created_at, as_of, summary, quality, warnings, rejected,
			   duration_ms, engine_version
		FROM analysis_runs
		WHERE client_id = ? AND id = ?
	`

	var a domain.Analysis
	var asOf, warnings, rejected, version sql.NullString
	var summary, quality string

	err := r.db.QueryRowContext(ctx, r.rebind(query), clientID, analysisID).Scan(
		&a.ID, &a.ClientID, &a.CreatedAt, &asOf, &summary, &quality, &warnings, &rejected,
		&a.DurationMs, &version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.CreatedAt = a.CreatedAt.UTC()
	a.Version = version.String
	if a.AsOf, err = parseNullDate(asOf); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summary), &a.Summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	if err := json.Unmarshal([]byte(quality), &a.Quality); err != nil {
		return nil, fmt.Errorf("failed to parse quality: %w", err)
	}
	if warnings.Valid && warnings.String != "" {
		json.Unmarshal([]byte(warnings.String), &a.Warnings)
	}
	if rejected.Valid && rejected.String != "" {
		json.Unmarshal([]byte(rejected.String), &a.Rejected)
	}

	if a.Results, err = r.crossingResults(ctx, clientID, analysisID); err != nil {
		return nil, err
	}
	if a.VDA, err = r.vdaOutcomes(ctx, clientID, analysisID); err != nil {
		return nil, err
	}

	return &a, nil
}

func (r *SQLRepository) crossingResults(ctx context.Context, clientID, analysisID string) ([]domain.CrossingResult, error) {
	query := `
		SELECT state_code, crossed, crossing_date, triggering_metric, cumulative_sales,
			   cumulative_transactions, lookback_rule, window_start, window_end
		FROM crossing_results
		WHERE client_id = ? AND analysis_id = ?
		ORDER BY state_code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clientID, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.CrossingResult
	for rows.Next() {
		var res domain.CrossingResult
		var crossed int
		var crossing, metric, start, end sql.NullString
		var sales, rule string

		if err := rows.Scan(
			&res.StateCode, &crossed, &crossing, &metric, &sales,
			&res.CumulativeTransactions, &rule, &start, &end,
		); err != nil {
			return nil, err
		}

		res.Crossed = crossed == 1
		res.TriggeringMetric = domain.Metric(metric.String)
		res.LookbackRule = domain.LookbackRule(rule)
		if res.CumulativeSales, err = decimal.NewFromString(sales); err != nil {
			return nil, fmt.Errorf("failed to parse %s sales: %w", res.StateCode, err)
		}
		if crossing.Valid {
			d, err := parseNullDate(crossing)
			if err != nil {
				return nil, err
			}
			res.CrossingDate = &d
		}
		if start.Valid && end.Valid {
			s, err := parseNullDate(start)
			if err != nil {
				return nil, err
			}
			e, err := parseNullDate(end)
			if err != nil {
				return nil, err
			}
			res.Window = &domain.Span{Start: s, End: e}
		}

		results = append(results, res)
	}

	return results, rows.Err()
}

func (r *SQLRepository) vdaOutcomes(ctx context.Context, clientID, analysisID string) ([]domain.VDAOutcome, error) {
	query := `
		SELECT state_code, crossing_date, lookback_start, lookback_capped, sales_in_lookback,
			   estimated_penalty, estimated_interest, placeholder, basis
		FROM vda_outcomes
		WHERE client_id = ? AND analysis_id = ?
		ORDER BY state_code
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clientID, analysisID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []domain.VDAOutcome
	for rows.Next() {
		var o domain.VDAOutcome
		var crossing, start, sales, penalty, interest string
		var capped, placeholder int
		var basis sql.NullString

		if err := rows.Scan(
			&o.StateCode, &crossing, &start, &capped, &sales,
			&penalty, &interest, &placeholder, &basis,
		); err != nil {
			return nil, err
		}

		o.LookbackCapped = capped == 1
		o.Placeholder = placeholder == 1
		o.Basis = basis.String
		if o.CrossingDate, err = domain.ParseDate(crossing); err != nil {
			return nil, err
		}
		if o.LookbackStart, err = domain.ParseDate(start); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&o.SalesInLookback, sales}, {&o.EstimatedPenalty, penalty}, {&o.EstimatedInterest, interest}} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, fmt.Errorf("failed to parse %s VDA amount: %w", o.StateCode, err)
			}
		}

		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

// ListAnalyses lists a client's runs, newest first.
func (r *SQLRepository) ListAnalyses(ctx context.Context, clientID string, limit int) ([]*domain.AnalysisSummary, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: clientID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, client_id, created_at, states_analyzed, states_with_nexus
		FROM analysis_runs
		WHERE client_id = ?
		ORDER BY created_at DESC, id
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*domain.AnalysisSummary
	for rows.Next() {
		var s domain.AnalysisSummary
		if err := rows.Scan(&s.ID, &s.ClientID, &s.CreatedAt, &s.StatesAnalyzed, &s.StatesWithNexus); err != nil {
			return nil, err
		}
		s.CreatedAt = s.CreatedAt.UTC()
		summaries = append(summaries, &s)
	}

	return summaries, rows.Err()
}

// SaveTransactions stores the ledger a run was computed from, replacing any
// earlier snapshot for the same run.
func (r *SQLRepository) SaveTransactions(ctx context.Context, clientID string, analysisID string, txs []domain.Transaction) error {
	if clientID == "" {
		return fmt.Errorf("%w: clientID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM ledger_transactions WHERE client_id = ? AND analysis_id = ?`), clientID, analysisID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
		INSERT INTO ledger_transactions (
			analysis_id, client_id, seq, tx_date, state_code, amount, marketplace, unit_count, source_row
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, t := range txs {
		if _, err := stmt.ExecContext(ctx,
			analysisID, clientID, i, formatDate(t.Date), t.StateCode, t.Amount.String(),
			boolInt(t.IsMarketplaceSale), t.UnitCount, t.Row,
		); err != nil {
			return fmt.Errorf("failed to save transaction %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetTransactionsByState returns a run's stored transactions for one state
// in ledger order.
func (r *SQLRepository) GetTransactionsByState(ctx context.Context, clientID string, analysisID string, state string) ([]domain.Transaction, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: clientID is required", ErrInvalidInput)
	}

	query := `
		SELECT tx_date, state_code, amount, marketplace, unit_count, source_row
		FROM ledger_transactions
		WHERE client_id = ? AND analysis_id = ? AND state_code = ?
		ORDER BY seq
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), clientID, analysisID, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var date, amount string
		var marketplace int
		var row sql.NullInt64

		if err := rows.Scan(&date, &t.StateCode, &amount, &marketplace, &t.UnitCount, &row); err != nil {
			return nil, err
		}
		if t.Date, err = domain.ParseDate(date); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse amount: %w", err)
		}
		t.IsMarketplaceSale = marketplace == 1
		t.Row = int(row.Int64)
		txs = append(txs, t)
	}

	return txs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func formatDate(t time.Time) string {
	return t.Format(domain.DateLayout)
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(t), Valid: true}
}

func parseNullDate(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return domain.ParseDate(s.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
