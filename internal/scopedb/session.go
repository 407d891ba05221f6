package scopedb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anungis437/nzila-core/internal/registry"
)

// Session is a data-access handle bound to exactly one tenant. Every
// operation resolves its table through the registry and constrains or
// overwrites the tenant column with the session's entity id, so a caller can
// neither forget the scoping predicate nor forge a foreign tenant.
//
// Sessions are cheap and created per unit of work; they must never be cached
// across tenants.
type Session struct {
	store    Store
	reg      *registry.Registry
	entityID string
	logger   *slog.Logger
}

// NewSession binds a session to entityID. It fails immediately, not lazily,
// when the entity id is empty or malformed: no session may exist unscoped.
func NewSession(store Store, reg *registry.Registry, entityID string, logger *slog.Logger) (*Session, error) {
	if !validEntityID(entityID) {
		return nil, structural("new_session", "", fmt.Errorf("%w: %q", ErrMissingEntityID, entityID))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{store: store, reg: reg, entityID: entityID, logger: logger}, nil
}

// validEntityID accepts opaque tokens and UUIDs: printable, no whitespace,
// bounded length.
func validEntityID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}

// EntityID returns the tenant the session is bound to.
func (s *Session) EntityID() string { return s.entityID }

// SelectOption narrows a Select beyond the forced tenant predicate.
type SelectOption func(*Query)

// WithOrderBy orders results by column, descending when desc is set.
func WithOrderBy(column string, desc bool) SelectOption {
	return func(q *Query) {
		q.OrderBy = column
		q.Desc = desc
	}
}

// WithLimit caps the number of returned rows.
func WithLimit(n int) SelectOption {
	return func(q *Query) { q.Limit = n }
}

// resolve looks the table up in the registry. An unknown table is a
// structural error naming the table; it must never degrade to an unscoped
// query.
func (s *Session) resolve(op, table string) (string, error) {
	col, err := s.reg.TenantColumnOf(table)
	if err != nil {
		return "", structural(op, table, err)
	}
	return col, nil
}

// Select returns the session tenant's rows from table matching where.
func (s *Session) Select(ctx context.Context, table string, where Pred, opts ...SelectOption) ([]Row, error) {
	tenantCol, err := s.resolve("select", table)
	if err != nil {
		return nil, err
	}

	q := Query{Table: table, Where: s.forceTenant(where, tenantCol)}
	for _, opt := range opts {
		opt(&q)
	}

	rows, err := s.store.SelectRows(ctx, q)
	if err != nil {
		return nil, operational("select", table, err)
	}
	return rows, nil
}

// Insert writes rows into table with the tenant column force-overwritten to
// the session's entity id. A caller-supplied tenant value, forged or honest,
// is discarded. Multi-row inserts are atomic.
func (s *Session) Insert(ctx context.Context, table string, rows ...Row) error {
	tenantCol, err := s.resolve("insert", table)
	if err != nil {
		return err
	}

	scoped := make([]Row, len(rows))
	for i, r := range rows {
		c := copyRow(r)
		c[tenantCol] = s.entityID
		scoped[i] = c
	}

	if len(scoped) > 1 {
		err = s.store.Transact(ctx, func(tx Store) error {
			return tx.InsertRows(ctx, table, scoped)
		})
	} else {
		err = s.store.InsertRows(ctx, table, scoped)
	}
	if err != nil {
		return operational("insert", table, err)
	}
	return nil
}

// Update applies values to the tenant's rows matching where. values may not
// touch the tenant column; that is rejected as a structural error rather than
// silently rewritten.
func (s *Session) Update(ctx context.Context, table string, values Row, where Pred) (int64, error) {
	tenantCol, err := s.resolve("update", table)
	if err != nil {
		return 0, err
	}
	if _, ok := values[tenantCol]; ok {
		return 0, structural("update", table, ErrTenantColumnReassigned)
	}

	n, err := s.store.UpdateRows(ctx, table, values, s.forceTenant(where, tenantCol))
	if err != nil {
		return 0, operational("update", table, err)
	}
	return n, nil
}

// Delete removes the tenant's rows matching where.
func (s *Session) Delete(ctx context.Context, table string, where Pred) (int64, error) {
	tenantCol, err := s.resolve("delete", table)
	if err != nil {
		return 0, err
	}

	n, err := s.store.DeleteRows(ctx, table, s.forceTenant(where, tenantCol))
	if err != nil {
		return 0, operational("delete", table, err)
	}
	return n, nil
}

// Transact runs fn with a new session bound to the same tenant inside a
// store transaction, so nested operations inherit isolation and atomicity
// together.
func (s *Session) Transact(ctx context.Context, fn func(*Session) error) error {
	return s.store.Transact(ctx, func(tx Store) error {
		return fn(&Session{store: tx, reg: s.reg, entityID: s.entityID, logger: s.logger})
	})
}

// forceTenant returns where with the tenant predicate pinned to the session's
// entity id. Any caller-supplied value for the tenant column loses.
func (s *Session) forceTenant(where Pred, tenantCol string) Pred {
	merged := make(Pred, len(where)+1)
	for k, v := range where {
		merged[k] = v
	}
	merged[tenantCol] = s.entityID
	return merged
}
