package repository

import (
	"errors"
	"fmt"
)

// Schema definitions for the nexus analyzer database.
// Compatible with both SQLite and PostgreSQL. Money is stored as decimal
// text and dates as YYYY-MM-DD so values round-trip exactly on both drivers.

// schemaVersion is bumped whenever a run table changes shape.
const schemaVersion = 1

// ErrSchemaTooNew is returned when the database was written by a newer build.
var ErrSchemaTooNew = errors.New("run store schema is newer than this build")

const schemaAnalysisRuns = `
CREATE TABLE IF NOT EXISTS analysis_runs (
    id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    created_at %s NOT NULL,
    as_of TEXT,
    states_analyzed INTEGER NOT NULL,
    states_with_nexus INTEGER NOT NULL,
    summary TEXT NOT NULL,
    quality TEXT NOT NULL,
    warnings TEXT,
    rejected TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    engine_version TEXT,
    PRIMARY KEY (id, client_id)
);

CREATE INDEX IF NOT EXISTS idx_analysis_runs_client ON analysis_runs(client_id);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_created ON analysis_runs(client_id, created_at);
`

const schemaCrossingResults = `
CREATE TABLE IF NOT EXISTS crossing_results (
    analysis_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    state_code TEXT NOT NULL,
    crossed INTEGER NOT NULL,
    crossing_date TEXT,
    triggering_metric TEXT,
    cumulative_sales TEXT NOT NULL,
    cumulative_transactions INTEGER NOT NULL,
    lookback_rule TEXT NOT NULL,
    window_start TEXT,
    window_end TEXT,
    PRIMARY KEY (analysis_id, client_id, state_code)
);

CREATE INDEX IF NOT EXISTS idx_crossing_results_client ON crossing_results(client_id);
CREATE INDEX IF NOT EXISTS idx_crossing_results_state ON crossing_results(client_id, state_code);
`

const schemaVDAOutcomes = `
CREATE TABLE IF NOT EXISTS vda_outcomes (
    analysis_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    state_code TEXT NOT NULL,
    crossing_date TEXT NOT NULL,
    lookback_start TEXT NOT NULL,
    lookback_capped INTEGER NOT NULL,
    sales_in_lookback TEXT NOT NULL,
    estimated_penalty TEXT NOT NULL,
    estimated_interest TEXT NOT NULL,
    placeholder INTEGER NOT NULL DEFAULT 1,
    basis TEXT,
    PRIMARY KEY (analysis_id, client_id, state_code)
);

CREATE INDEX IF NOT EXISTS idx_vda_outcomes_client ON vda_outcomes(client_id);
`

const schemaLedgerTransactions = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
    analysis_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    tx_date TEXT NOT NULL,
    state_code TEXT NOT NULL,
    amount TEXT NOT NULL,
    marketplace INTEGER NOT NULL,
    unit_count INTEGER NOT NULL,
    source_row INTEGER,
    PRIMARY KEY (analysis_id, client_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_state ON ledger_transactions(client_id, analysis_id, state_code);
`

// runTables returns the table statements in order. createdAt is the
// driver's timestamp column type.
func runTables(createdAt string) []string {
	return []string{
		fmt.Sprintf(schemaAnalysisRuns, createdAt),
		schemaCrossingResults,
		schemaVDAOutcomes,
		schemaLedgerTransactions,
	}
}

func checkSchemaVersion(found int) error {
	if found > schemaVersion {
		return fmt.Errorf("%w: found v%d, supports v%d", ErrSchemaTooNew, found, schemaVersion)
	}
	return nil
}
