package scopedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/anungis437/nzila-core/internal/tracing"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on PostgreSQL via database/sql.
type PostgresStore struct {
	db     *sql.DB
	q      querier
	inTx   bool
	logger *slog.Logger
}

// NewPostgresStore creates a store over an already-constructed pool.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, q: db, logger: logger}
}

// validIdent guards identifiers interpolated into SQL text. Table names come
// from the registry and column names from calling code, but the check keeps a
// bad constant from becoming an injection vector.
func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// sortedKeys returns map keys in deterministic order so generated SQL is
// stable across runs.
func sortedKeys[V any](m map[string]V) ([]string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		if !validIdent(k) {
			return nil, fmt.Errorf("invalid column identifier: %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// SelectRows implements Store.
func (s *PostgresStore) SelectRows(ctx context.Context, q Query) (rows []Row, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, q.Table, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if !validIdent(q.Table) {
		return nil, fmt.Errorf("invalid table identifier: %q", q.Table)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", q.Table)

	args, err := appendWhere(&sb, q.Where, 1)
	if err != nil {
		return nil, err
	}

	if q.OrderBy != "" {
		if !validIdent(q.OrderBy) {
			return nil, fmt.Errorf("invalid order-by identifier: %q", q.OrderBy)
		}
		fmt.Fprintf(&sb, " ORDER BY %s", q.OrderBy)
		if q.Desc {
			sb.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	sqlRows, err := s.q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	defer sqlRows.Close()

	cols, err := sqlRows.Columns()
	if err != nil {
		return nil, fmt.Errorf("select %s: columns: %w", q.Table, err)
	}

	for sqlRows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := sqlRows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("select %s: scan: %w", q.Table, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			// lib/pq returns text columns as []byte.
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		rows = append(rows, row)
	}
	if err := sqlRows.Err(); err != nil {
		return nil, fmt.Errorf("select %s: rows: %w", q.Table, err)
	}
	return rows, nil
}

// InsertRows implements Store.
func (s *PostgresStore) InsertRows(ctx context.Context, table string, rows []Row) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, table, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if !validIdent(table) {
		return fmt.Errorf("invalid table identifier: %q", table)
	}

	for _, row := range rows {
		cols, err := sortedKeys(row)
		if err != nil {
			return err
		}
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = row[c]
		}
		query := fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		)
		if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// UpdateRows implements Store.
func (s *PostgresStore) UpdateRows(ctx context.Context, table string, values Row, where Pred) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, table, tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	if !validIdent(table) {
		return 0, fmt.Errorf("invalid table identifier: %q", table)
	}
	if len(values) == 0 {
		return 0, errors.New("update requires at least one value")
	}

	cols, err := sortedKeys(values)
	if err != nil {
		return 0, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "UPDATE %s SET ", table)
	args := make([]any, 0, len(cols)+len(where))
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s = $%d", c, len(args)+1)
		args = append(args, values[c])
	}

	whereArgs, err := appendWhere(&sb, where, len(args)+1)
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	result, err := s.q.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return result.RowsAffected()
}

// DeleteRows implements Store.
func (s *PostgresStore) DeleteRows(ctx context.Context, table string, where Pred) (n int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, table, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	if !validIdent(table) {
		return 0, fmt.Errorf("invalid table identifier: %q", table)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "DELETE FROM %s", table)
	args, err := appendWhere(&sb, where, 1)
	if err != nil {
		return 0, err
	}

	result, err := s.q.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return result.RowsAffected()
}

// Transact implements Store. Nested calls run fn against the already-open
// transaction; PostgreSQL savepoints are not modeled.
func (s *PostgresStore) Transact(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// No-op after a successful commit.
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	txStore := &PostgresStore{db: s.db, q: tx, inTx: true, logger: s.logger}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AcquireChainLock implements Store. The advisory lock is transaction-scoped
// (pg_advisory_xact_lock) and releases automatically on commit or rollback,
// serializing the previous-hash read against concurrent appends to the same
// chain.
func (s *PostgresStore) AcquireChainLock(ctx context.Context, scope string) error {
	if !s.inTx {
		return errors.New("chain lock requires an open transaction")
	}
	if _, err := s.q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", scope); err != nil {
		return fmt.Errorf("failed to acquire chain lock for %s: %w", scope, err)
	}
	return nil
}

// appendWhere writes an AND-ed equality WHERE clause and returns its args.
// firstArg is the 1-based index of the first placeholder.
func appendWhere(sb *strings.Builder, where Pred, firstArg int) ([]any, error) {
	if len(where) == 0 {
		return nil, nil
	}
	cols, err := sortedKeys(where)
	if err != nil {
		return nil, err
	}
	args := make([]any, 0, len(cols))
	sb.WriteString(" WHERE ")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(sb, "%s = $%d", c, firstArg+len(args))
		args = append(args, where[c])
	}
	return args, nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation. The audited layer maps violations on the chain uniqueness
// constraint to ErrChainConflict so losers of an append race can retry.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
