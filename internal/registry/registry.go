// Package registry is the single source of truth for which logical tables are
// tenant-scoped. The scoped data layer refuses to touch any table that is not
// catalogued here, so a table missing from the registry fails closed instead of
// silently running unscoped.
package registry

import (
	"errors"
	"fmt"
	"sort"
)

// TenantColumn is the tenant-identifier column every scoped table carries.
const TenantColumn = "entity_id"

// ErrTableNotRegistered is returned when a table is absent from the registry.
var ErrTableNotRegistered = errors.New("table not registered for tenant scoping")

// Descriptor describes one tenant-scoped table.
type Descriptor struct {
	Table        string
	TenantColumn string
}

// Exclusion records a table deliberately left out of tenant scoping,
// together with the reason. Every non-scoped table must appear here so the
// consistency check can tell "intentionally excluded" from "forgotten".
type Exclusion struct {
	Table  string
	Reason string
}

// Registry is the static catalog of scoped and excluded tables.
// It is immutable after construction; schema changes require updating both
// the migrations and this catalog, which the consistency check enforces.
type Registry struct {
	scoped   map[string]Descriptor
	excluded map[string]Exclusion
}

// New builds the catalog for the platform schema.
func New() *Registry {
	r := &Registry{
		scoped:   make(map[string]Descriptor),
		excluded: make(map[string]Exclusion),
	}

	for _, table := range []string{
		// Business verticals
		"invoices",
		"orders",
		"deals",
		"exam_sessions",
		"tax_profiles",
		// Integrity core
		"audit_events",
		"documents",
		"evidence_packs",
		"evidence_pack_artifacts",
	} {
		r.scoped[table] = Descriptor{Table: table, TenantColumn: TenantColumn}
	}

	for _, ex := range []Exclusion{
		{Table: "entities", Reason: "root tenant table; scoping derives from it"},
		{Table: "jurisdictions", Reason: "globally shared reference data, read-only for tenants"},
		{Table: "exam_questions", Reason: "scoped via exam_session_id foreign key into exam_sessions"},
		{Table: "partner_accounts", Reason: "scoped by partner_id, not by entity"},
	} {
		r.excluded[ex.Table] = ex
	}

	return r
}

// IsScoped reports whether the table carries a tenant column.
func (r *Registry) IsScoped(table string) bool {
	_, ok := r.scoped[table]
	return ok
}

// TenantColumnOf resolves the tenant column for a scoped table.
// Unknown tables return ErrTableNotRegistered; this is a programmer error,
// not a runtime condition, and callers surface it as a structural failure.
func (r *Registry) TenantColumnOf(table string) (string, error) {
	d, ok := r.scoped[table]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTableNotRegistered, table)
	}
	return d.TenantColumn, nil
}

// ExclusionReason returns the documented reason a table is not scoped.
func (r *Registry) ExclusionReason(table string) (string, bool) {
	ex, ok := r.excluded[table]
	if !ok {
		return "", false
	}
	return ex.Reason, true
}

// ScopedTables returns the scoped table names in sorted order.
func (r *Registry) ScopedTables() []string {
	tables := make([]string, 0, len(r.scoped))
	for t := range r.scoped {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// ExcludedTables returns the excluded table names in sorted order.
func (r *Registry) ExcludedTables() []string {
	tables := make([]string, 0, len(r.excluded))
	for t := range r.excluded {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// VerifySchema checks the registry against the physical schema, given as a map
// of table name to column names. The check is bidirectional:
//
//  1. every table carrying the tenant column must be registered as scoped,
//  2. every registered scoped table must exist and carry its tenant column,
//  3. every schema table that is neither scoped nor excluded is unaccounted for.
//
// Any violation is returned as an error; test runs treat this as fatal.
func (r *Registry) VerifySchema(schema map[string][]string) error {
	var errs []error

	for table, columns := range schema {
		hasTenant := false
		for _, c := range columns {
			if c == TenantColumn {
				hasTenant = true
				break
			}
		}
		if hasTenant && !r.IsScoped(table) {
			errs = append(errs, fmt.Errorf("table %s has column %s but is not registered as scoped", table, TenantColumn))
		}
		if !hasTenant && r.IsScoped(table) {
			errs = append(errs, fmt.Errorf("table %s is registered as scoped but lacks column %s", table, TenantColumn))
		}
		if !r.IsScoped(table) {
			if _, ok := r.ExclusionReason(table); !ok {
				errs = append(errs, fmt.Errorf("table %s is neither scoped nor excluded with a reason", table))
			}
		}
	}

	for _, table := range r.ScopedTables() {
		if _, ok := schema[table]; !ok {
			errs = append(errs, fmt.Errorf("scoped table %s is missing from the schema", table))
		}
	}

	return errors.Join(errs...)
}
