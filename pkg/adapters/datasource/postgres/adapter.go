// Package postgres is the PostgreSQL target adapter. Every statement runs
// inside a READ ONLY transaction with a local statement_timeout and is
// rolled back afterwards.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-nlq/pkg/adapters/datasource"
)

// defaultExplainTimeout bounds EXPLAIN when the caller sets no deadline.
const defaultExplainTimeout = 10 * time.Second

// Adapter provides read-only PostgreSQL access for one data source.
type Adapter struct {
	config    *Config
	pool      *pgxpool.Pool
	ownedPool bool // true if we created the pool
}

// NewAdapter creates a PostgreSQL adapter. With a connection manager the
// pool is shared and TTL-managed; without one the adapter owns its pool.
func NewAdapter(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, dataSourceID uuid.UUID) (*Adapter, error) {
	connStr := buildConnectionString(cfg)

	if connMgr == nil {
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return &Adapter{config: cfg, pool: pool, ownedPool: true}, nil
	}

	pool, err := connMgr.GetOrCreatePool(ctx, dataSourceID, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}
	return &Adapter{config: cfg, pool: pool}, nil
}

// NewAdapterFromPool wraps an existing pool. The caller keeps ownership.
func NewAdapterFromPool(pool *pgxpool.Pool, database string) *Adapter {
	return &Adapter{config: &Config{Database: database}, pool: pool}
}

// TestConnection verifies connectivity, query access, and that the
// connection landed on the configured database.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var currentDB string
	if err := a.pool.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
		return fmt.Errorf("failed to get current database name: %w", err)
	}

	if a.config.Database != "" && !strings.EqualFold(currentDB, a.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", a.config.Database, currentDB)
	}
	return nil
}

// Explain runs EXPLAIN (FORMAT JSON) and summarises the top plan node.
func (a *Adapter) Explain(ctx context.Context, sql string) (*datasource.PlanEstimate, error) {
	var raw string
	err := a.readOnly(ctx, defaultExplainTimeout, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, "EXPLAIN (FORMAT JSON) "+sql).Scan(&raw)
	})
	if err != nil {
		return nil, datasource.Classify(err)
	}

	estimate, err := parseExplainJSON(raw)
	if err != nil {
		return nil, &datasource.ExecError{Code: datasource.CodeUnclassified, Err: err}
	}
	return estimate, nil
}

// Execute runs sql and returns up to rowCap rows. One extra row is read to
// detect truncation.
func (a *Adapter) Execute(ctx context.Context, sql string, rowCap int, timeout time.Duration) (*datasource.ExecuteResult, error) {
	if rowCap <= 0 {
		rowCap = 1000
	}
	start := time.Now()
	result := &datasource.ExecuteResult{Rows: make([]map[string]any, 0)}

	err := a.readOnly(ctx, timeout, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()

		fieldDescs := rows.FieldDescriptions()
		result.Columns = make([]datasource.ColumnInfo, len(fieldDescs))
		for i, fd := range fieldDescs {
			result.Columns[i] = datasource.ColumnInfo{
				Name: fd.Name,
				Type: pgTypeNameFromOID(fd.DataTypeOID),
			}
		}

		for rows.Next() {
			if len(result.Rows) == rowCap {
				result.Truncated = true
				break
			}
			values, err := rows.Values()
			if err != nil {
				return fmt.Errorf("failed to read row values: %w", err)
			}
			row := make(map[string]any, len(values))
			for i, col := range result.Columns {
				row[col.Name] = values[i]
			}
			result.Rows = append(result.Rows, row)
		}
		rows.Close()
		return rows.Err()
	})
	if err != nil {
		return nil, datasource.Classify(err)
	}

	result.RowCount = len(result.Rows)
	result.Duration = time.Since(start)
	return result, nil
}

// readOnly runs fn in a READ ONLY transaction that is always rolled back.
func (a *Adapter) readOnly(ctx context.Context, timeout time.Duration, fn func(tx pgx.Tx) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		// The server-side timeout fires first; the client deadline is a backstop.
		ctx, cancel = context.WithTimeout(ctx, timeout+time.Second)
		defer cancel()
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return err
		}
	}
	return fn(tx)
}

// Close releases the adapter (but NOT the pool if managed).
func (a *Adapter) Close() error {
	if a.ownedPool && a.pool != nil {
		a.pool.Close()
	}
	return nil
}

var (
	_ datasource.TargetAdapter    = (*Adapter)(nil)
	_ datasource.ConnectionTester = (*Adapter)(nil)
	_ datasource.SchemaDiscoverer = (*Adapter)(nil)
)

// pgTypeNameFromOID maps PostgreSQL type OIDs to human-readable type names.
// Unknown types return "UNKNOWN".
func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "BOOL"
	case 17:
		return "BYTEA"
	case 18:
		return "CHAR"
	case 20:
		return "INT8"
	case 21:
		return "INT2"
	case 23:
		return "INT4"
	case 25:
		return "TEXT"
	case 114:
		return "JSON"
	case 700:
		return "FLOAT4"
	case 701:
		return "FLOAT8"
	case 1042:
		return "BPCHAR"
	case 1043:
		return "VARCHAR"
	case 1082:
		return "DATE"
	case 1114:
		return "TIMESTAMP"
	case 1184:
		return "TIMESTAMPTZ"
	case 1186:
		return "INTERVAL"
	case 1700:
		return "NUMERIC"
	case 2950:
		return "UUID"
	case 3802:
		return "JSONB"
	case 1007:
		return "INT4[]"
	case 1016:
		return "INT8[]"
	case 1009:
		return "TEXT[]"
	default:
		return "UNKNOWN"
	}
}
