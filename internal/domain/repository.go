// Package domain defines the core types and interfaces of the nexus analyzer.
package domain

import (
	"context"
	"time"
)

// Repository persists analysis runs.
// All methods require clientID for strict client isolation.
type Repository interface {
	// Analysis runs, including their crossing results and VDA outcomes
	SaveAnalysis(ctx context.Context, clientID string, a *Analysis) error
	GetAnalysis(ctx context.Context, clientID string, analysisID string) (*Analysis, error)
	ListAnalyses(ctx context.Context, clientID string, limit int) ([]*AnalysisSummary, error)

	// Ledger snapshot used by a run
	SaveTransactions(ctx context.Context, clientID string, analysisID string, txs []Transaction) error
	GetTransactionsByState(ctx context.Context, clientID string, analysisID string, state string) ([]Transaction, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// AnalysisSummary is a listing row for stored runs.
type AnalysisSummary struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"clientId"`
	CreatedAt       time.Time `json:"createdAt"`
	StatesAnalyzed  int       `json:"statesAnalyzed"`
	StatesWithNexus int       `json:"statesWithNexus"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver" json:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost" json:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort" json:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser" json:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword" json:"-"`
	PostgresDB       string `yaml:"postgresDb" json:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns" json:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" json:"connMaxLifetime"`
}
