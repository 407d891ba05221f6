package scopedb

import (
	"context"
	"errors"
	"testing"

	"github.com/anungis437/nzila-core/internal/registry"
)

func newTestSession(t *testing.T, store Store, entityID string) *Session {
	t.Helper()
	sess, err := NewSession(store, registry.New(), entityID, nil)
	if err != nil {
		t.Fatalf("NewSession(%q) error = %v", entityID, err)
	}
	return sess
}

func TestNewSession_RequiresEntityID(t *testing.T) {
	store := NewInMemoryStore()
	reg := registry.New()

	tests := []struct {
		name     string
		entityID string
	}{
		{"empty", ""},
		{"whitespace", "acme corp"},
		{"control character", "acme\x00"},
		{"too long", string(make([]byte, 200))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSession(store, reg, tt.entityID, nil)
			if err == nil {
				t.Fatal("NewSession() should fail")
			}
			if !IsStructural(err) {
				t.Errorf("error should be structural, got %v", err)
			}
			if !errors.Is(err, ErrMissingEntityID) {
				t.Errorf("error = %v, want ErrMissingEntityID", err)
			}
		})
	}
}

func TestSession_InsertForcesTenantColumn(t *testing.T) {
	store := NewInMemoryStore()
	sess := newTestSession(t, store, "acme")

	// The caller forges a foreign tenant in the payload.
	err := sess.Insert(context.Background(), "invoices", Row{
		"id":        "inv-1",
		"entity_id": "other-tenant",
		"number":    "2026-001",
	})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rows := store.Dump("invoices")
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["entity_id"] != "acme" {
		t.Errorf("entity_id = %v, want acme (forged value must be discarded)", rows[0]["entity_id"])
	}
}

func TestSession_SelectIsolation(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acme := newTestSession(t, store, "acme")
	rival := newTestSession(t, store, "rival")

	if err := acme.Insert(ctx, "invoices", Row{"id": "inv-a", "number": "A-1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := rival.Insert(ctx, "invoices", Row{"id": "inv-b", "number": "B-1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	acmeRows, err := acme.Select(ctx, "invoices", nil)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(acmeRows) != 1 || acmeRows[0]["id"] != "inv-a" {
		t.Errorf("acme sees %v, want only inv-a", acmeRows)
	}

	// An explicit predicate naming the other tenant's row still cannot
	// cross the boundary: the forced tenant filter wins.
	crossRows, err := acme.Select(ctx, "invoices", Pred{"id": "inv-b"})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(crossRows) != 0 {
		t.Errorf("acme observed rival's row: %v", crossRows)
	}
}

func TestSession_UnregisteredTableFailsClosed(t *testing.T) {
	store := NewInMemoryStore()
	sess := newTestSession(t, store, "acme")
	ctx := context.Background()

	for _, table := range []string{"entities", "exam_questions", "no_such_table"} {
		if _, err := sess.Select(ctx, table, nil); !errors.Is(err, registry.ErrTableNotRegistered) {
			t.Errorf("Select(%s) error = %v, want ErrTableNotRegistered", table, err)
		}
		if err := sess.Insert(ctx, table, Row{"id": "x"}); !IsStructural(err) {
			t.Errorf("Insert(%s) error = %v, want structural", table, err)
		}
		if _, err := sess.Update(ctx, table, Row{"a": 1}, nil); !IsStructural(err) {
			t.Errorf("Update(%s) error = %v, want structural", table, err)
		}
		if _, err := sess.Delete(ctx, table, nil); !IsStructural(err) {
			t.Errorf("Delete(%s) error = %v, want structural", table, err)
		}
	}
}

func TestSession_UpdateRejectsTenantReassignment(t *testing.T) {
	store := NewInMemoryStore()
	sess := newTestSession(t, store, "acme")
	ctx := context.Background()

	if err := sess.Insert(ctx, "orders", Row{"id": "ord-1", "status": "open"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	_, err := sess.Update(ctx, "orders", Row{"entity_id": "rival", "status": "closed"}, Pred{"id": "ord-1"})
	if err == nil {
		t.Fatal("Update() should fail when values touch the tenant column")
	}
	if !IsStructural(err) || !errors.Is(err, ErrTenantColumnReassigned) {
		t.Errorf("error = %v, want structural ErrTenantColumnReassigned", err)
	}

	// Fail closed: the row is untouched.
	rows := store.Dump("orders")
	if rows[0]["status"] != "open" || rows[0]["entity_id"] != "acme" {
		t.Errorf("row modified despite rejected update: %v", rows[0])
	}
}

func TestSession_UpdateAndDeleteAreScoped(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acme := newTestSession(t, store, "acme")
	rival := newTestSession(t, store, "rival")

	if err := acme.Insert(ctx, "deals", Row{"id": "deal-1", "stage": "open"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	n, err := rival.Update(ctx, "deals", Row{"stage": "won"}, Pred{"id": "deal-1"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n != 0 {
		t.Errorf("rival updated %d of acme's rows, want 0", n)
	}

	n, err = rival.Delete(ctx, "deals", Pred{"id": "deal-1"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 0 {
		t.Errorf("rival deleted %d of acme's rows, want 0", n)
	}

	rows := store.Dump("deals")
	if len(rows) != 1 || rows[0]["stage"] != "open" {
		t.Errorf("acme's row was affected by rival: %v", rows)
	}
}

func TestSession_TransactRollsBackOnError(t *testing.T) {
	store := NewInMemoryStore()
	sess := newTestSession(t, store, "acme")
	ctx := context.Background()

	failure := errors.New("boom")
	err := sess.Transact(ctx, func(tx *Session) error {
		if err := tx.Insert(ctx, "invoices", Row{"id": "inv-1"}); err != nil {
			return err
		}
		if err := tx.Insert(ctx, "orders", Row{"id": "ord-1"}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Transact() error = %v, want boom", err)
	}

	if rows := store.Dump("invoices"); len(rows) != 0 {
		t.Errorf("invoices not rolled back: %v", rows)
	}
	if rows := store.Dump("orders"); len(rows) != 0 {
		t.Errorf("orders not rolled back: %v", rows)
	}
}

func TestSession_TransactCommits(t *testing.T) {
	store := NewInMemoryStore()
	sess := newTestSession(t, store, "acme")
	ctx := context.Background()

	err := sess.Transact(ctx, func(tx *Session) error {
		if tx.EntityID() != "acme" {
			t.Errorf("transactional session EntityID = %q, want acme", tx.EntityID())
		}
		return tx.Insert(ctx, "invoices", Row{"id": "inv-1"})
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	if rows := store.Dump("invoices"); len(rows) != 1 {
		t.Errorf("expected committed row, got %v", rows)
	}
}

func TestSession_SelectOrderAndLimit(t *testing.T) {
	store := NewInMemoryStore()
	sess := newTestSession(t, store, "acme")
	ctx := context.Background()

	for _, id := range []string{"b", "c", "a"} {
		if err := sess.Insert(ctx, "invoices", Row{"id": id}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	rows, err := sess.Select(ctx, "invoices", nil, WithOrderBy("id", false), WithLimit(2))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(rows) != 2 || rows[0]["id"] != "a" || rows[1]["id"] != "b" {
		t.Errorf("ordered select = %v, want [a b]", rows)
	}

	rows, err = sess.Select(ctx, "invoices", nil, WithOrderBy("id", true), WithLimit(1))
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "c" {
		t.Errorf("descending select = %v, want [c]", rows)
	}
}

func TestErrorKinds(t *testing.T) {
	structuralErr := structural("op", "t", ErrMissingEntityID)
	operationalErr := operational("op", "t", errors.New("db down"))

	if !IsStructural(structuralErr) || IsOperational(structuralErr) {
		t.Error("structural error misclassified")
	}
	if !IsOperational(operationalErr) || IsStructural(operationalErr) {
		t.Error("operational error misclassified")
	}
	if IsStructural(errors.New("plain")) || IsOperational(errors.New("plain")) {
		t.Error("plain errors should carry no kind")
	}
}
