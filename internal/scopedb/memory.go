package scopedb

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is an in-memory implementation of Store used for testing and
// development. Transactions are serialized by a single writer lock and run
// against a snapshot, which gives the same chain-append serialization the
// Postgres advisory lock provides in production.
type InMemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{tables: make(map[string][]Row)}
}

// SelectRows implements Store.
func (s *InMemoryStore) SelectRows(ctx context.Context, q Query) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectFrom(s.tables, q)
}

// InsertRows implements Store.
func (s *InMemoryStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	insertInto(s.tables, table, rows)
	return nil
}

// UpdateRows implements Store.
func (s *InMemoryStore) UpdateRows(ctx context.Context, table string, values Row, where Pred) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateIn(s.tables, table, values, where)
}

// DeleteRows implements Store.
func (s *InMemoryStore) DeleteRows(ctx context.Context, table string, where Pred) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteFrom(s.tables, table, where)
}

// Transact implements Store. fn runs against a snapshot of the tables under
// the writer lock; the snapshot replaces the live tables only when fn
// succeeds, so a failed transaction leaves no trace.
func (s *InMemoryStore) Transact(ctx context.Context, fn func(Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := cloneTables(s.tables)
	if err := fn(&memTx{tables: snapshot}); err != nil {
		return err
	}
	s.tables = snapshot
	return nil
}

// AcquireChainLock implements Store. Outside a transaction this is an error,
// matching the Postgres store.
func (s *InMemoryStore) AcquireChainLock(ctx context.Context, scope string) error {
	return errors.New("chain lock requires an open transaction")
}

// memTx is the transactional view handed to Transact callbacks. The parent
// store's writer lock is held for its entire lifetime.
type memTx struct {
	tables map[string][]Row
}

func (t *memTx) SelectRows(ctx context.Context, q Query) ([]Row, error) {
	return selectFrom(t.tables, q)
}

func (t *memTx) InsertRows(ctx context.Context, table string, rows []Row) error {
	insertInto(t.tables, table, rows)
	return nil
}

func (t *memTx) UpdateRows(ctx context.Context, table string, values Row, where Pred) (int64, error) {
	return updateIn(t.tables, table, values, where)
}

func (t *memTx) DeleteRows(ctx context.Context, table string, where Pred) (int64, error) {
	return deleteFrom(t.tables, table, where)
}

// Transact on an open transaction reuses it; savepoints are not modeled.
func (t *memTx) Transact(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

// AcquireChainLock is a no-op: the writer lock already serializes the
// transaction against all others.
func (t *memTx) AcquireChainLock(ctx context.Context, scope string) error {
	return nil
}

func cloneTables(tables map[string][]Row) map[string][]Row {
	clone := make(map[string][]Row, len(tables))
	for name, rows := range tables {
		copied := make([]Row, len(rows))
		for i, r := range rows {
			copied[i] = copyRow(r)
		}
		clone[name] = copied
	}
	return clone
}

func matches(row Row, where Pred) bool {
	for col, want := range where {
		got, ok := row[col]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func selectFrom(tables map[string][]Row, q Query) ([]Row, error) {
	var out []Row
	for _, row := range tables[q.Table] {
		if matches(row, q.Where) {
			out = append(out, copyRow(row))
		}
	}

	if q.OrderBy != "" {
		col := q.OrderBy
		sort.SliceStable(out, func(i, j int) bool {
			if q.Desc {
				return lessValue(out[j][col], out[i][col])
			}
			return lessValue(out[i][col], out[j][col])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func insertInto(tables map[string][]Row, table string, rows []Row) {
	for _, r := range rows {
		tables[table] = append(tables[table], copyRow(r))
	}
}

func updateIn(tables map[string][]Row, table string, values Row, where Pred) (int64, error) {
	var n int64
	for _, row := range tables[table] {
		if matches(row, where) {
			for col, v := range values {
				row[col] = v
			}
			n++
		}
	}
	return n, nil
}

func deleteFrom(tables map[string][]Row, table string, where Pred) (int64, error) {
	var n int64
	kept := tables[table][:0]
	for _, row := range tables[table] {
		if matches(row, where) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	tables[table] = kept
	return n, nil
}

// lessValue orders the column types the core stores: strings, integers,
// floats, and timestamps. Mixed or unknown types compare as not-less.
func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case int:
		if bv, ok := b.(int); ok {
			return av < bv
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	}
	return false
}

// Dump returns a copy of a table's rows, for test assertions.
func (s *InMemoryStore) Dump(table string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]Row, len(s.tables[table]))
	for i, r := range s.tables[table] {
		rows[i] = copyRow(r)
	}
	return rows
}

// Tamper mutates a stored row in place, bypassing every guarantee the scoped
// layer provides. Test-only helper for chain tamper scenarios.
func (s *InMemoryStore) Tamper(table string, index int, column string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[table]
	if index < 0 || index >= len(rows) {
		return fmt.Errorf("no row %d in %s", index, table)
	}
	rows[index][column] = value
	return nil
}
