// Package scopedb provides the entity-scoped data access layer. Every read
// and write issued through a Session is constrained to the session's tenant,
// with the table registry as the catalog of what may be touched at all, and
// the audited variant chains each mutation into the per-tenant audit ledger
// inside the same transaction.
package scopedb

import (
	"context"
)

// Row is one logical table row, keyed by column name.
type Row map[string]any

// Pred is a set of AND-ed equality predicates, keyed by column name.
type Pred map[string]any

// Query describes a read against one table. OrderBy and Limit exist for the
// chain-tail lookup; general querying stays deliberately narrow.
type Query struct {
	Table   string
	Where   Pred
	OrderBy string
	Desc    bool
	Limit   int
}

// Store is the storage backend a Session drives. Implementations must treat
// the predicate and value maps as opaque (the Session has already resolved
// and enforced tenant scoping before they arrive here).
//
// Two implementations exist: PostgresStore for production and InMemoryStore
// for tests, mirroring each other's transactional behavior.
type Store interface {
	// SelectRows returns the rows matching q.
	SelectRows(ctx context.Context, q Query) ([]Row, error)

	// InsertRows appends rows to table.
	InsertRows(ctx context.Context, table string, rows []Row) error

	// UpdateRows applies values to all rows matching where and reports the
	// affected count.
	UpdateRows(ctx context.Context, table string, values Row, where Pred) (int64, error)

	// DeleteRows removes all rows matching where and reports the affected
	// count.
	DeleteRows(ctx context.Context, table string, where Pred) (int64, error)

	// Transact runs fn against a transactional view of the store. fn
	// returning an error rolls everything back; all-or-nothing otherwise.
	Transact(ctx context.Context, fn func(Store) error) error

	// AcquireChainLock serializes appends to the audit chain identified by
	// scope for the remainder of the current transaction. Calling it
	// outside Transact is an error.
	AcquireChainLock(ctx context.Context, scope string) error
}

// copyRow returns a shallow copy so stored rows cannot be mutated through
// caller-held references.
func copyRow(r Row) Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}
