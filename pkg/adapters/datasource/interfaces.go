package datasource

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-nlq/pkg/models"
)

// TargetAdapter runs approved statements against a customer database.
// Implementations are read-only at the connection level: every statement
// runs in a read-only transaction that is always rolled back.
type TargetAdapter interface {
	// Explain returns the planner's estimate without executing the statement.
	Explain(ctx context.Context, sql string) (*PlanEstimate, error)

	// Execute runs the statement and returns at most rowCap rows. A zero
	// timeout means the context deadline alone bounds the call. Errors are
	// returned as *ExecError.
	Execute(ctx context.Context, sql string, rowCap int, timeout time.Duration) (*ExecuteResult, error)

	// Close releases the adapter (but not pools owned by a ConnectionManager).
	Close() error
}

// ConnectionTester tests database connectivity.
type ConnectionTester interface {
	// TestConnection verifies the database is reachable with valid credentials.
	TestConnection(ctx context.Context) error
}

// SchemaDiscoverer reads the catalog of a target database for schema sync.
type SchemaDiscoverer interface {
	DiscoverCatalog(ctx context.Context, dataSourceID uuid.UUID) (*models.Catalog, error)
}

// PlanEstimate is the planner's view of a statement.
type PlanEstimate struct {
	TotalCost float64 `json:"total_cost"`
	PlanRows  int64   `json:"plan_rows"`
	PlanWidth int     `json:"plan_width"`
	// Bytes is rows * width when the planner reports a width.
	Bytes *int64   `json:"bytes,omitempty"`
	Hints []string `json:"hints,omitempty"`
	Plan  string   `json:"plan,omitempty"` // raw EXPLAIN JSON
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // Database type name (e.g., "TEXT", "INT4", "VARCHAR")
}

// ExecuteResult holds the rows from executing a statement.
type ExecuteResult struct {
	Columns   []ColumnInfo     `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Duration  time.Duration    `json:"-"`
}
