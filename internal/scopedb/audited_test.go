package scopedb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anungis437/nzila-core/internal/audit"
)

func newTestAudited(t *testing.T, store Store, entityID, actorID string) *AuditedSession {
	t.Helper()
	sess := newTestSession(t, store, entityID)
	audited, err := NewAuditedSession(sess, actorID)
	if err != nil {
		t.Fatalf("NewAuditedSession() error = %v", err)
	}
	return audited
}

func TestNewAuditedSession_RequiresActorID(t *testing.T) {
	sess := newTestSession(t, NewInMemoryStore(), "acme")

	_, err := NewAuditedSession(sess, "")
	if err == nil {
		t.Fatal("NewAuditedSession() should fail on empty actor id")
	}
	if !IsStructural(err) || !errors.Is(err, ErrMissingActorID) {
		t.Errorf("error = %v, want structural ErrMissingActorID", err)
	}
}

func TestAuditedSession_InsertWritesRowAndEvent(t *testing.T) {
	store := NewInMemoryStore()
	audited := newTestAudited(t, store, "acme", "user-7")
	ctx := context.Background()

	// The payload forges a foreign tenant; the scoped layer discards it and
	// the audit event is attributed to the session's tenant.
	err := audited.Insert(ctx, "invoices",
		Row{"id": "inv-1", "entity_id": "other-tenant", "number": "2026-001"},
		Op{Action: "invoice.created", ResourceType: "invoice", ResourceID: "inv-1"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rows := store.Dump("invoices")
	if len(rows) != 1 || rows[0]["entity_id"] != "acme" {
		t.Errorf("invoice rows = %v, want one row owned by acme", rows)
	}

	events, err := audited.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	ev := events[0]
	if ev.Action != "invoice.created" {
		t.Errorf("Action = %q, want invoice.created", ev.Action)
	}
	if ev.EntityID != "acme" || ev.ActorID != "user-7" {
		t.Errorf("event attribution = %s/%s, want acme/user-7", ev.EntityID, ev.ActorID)
	}
	if ev.PreviousHash != "" {
		t.Errorf("first event PreviousHash = %q, want empty (genesis)", ev.PreviousHash)
	}
	if ev.Hash == "" {
		t.Error("event hash is empty")
	}
}

func TestAuditedSession_MutationAndEventAreAtomic(t *testing.T) {
	store := NewInMemoryStore()
	audited := newTestAudited(t, store, "acme", "user-7")
	ctx := context.Background()

	// An empty action makes the audit append fail after the row insert; the
	// whole transaction must roll back.
	err := audited.Insert(ctx, "invoices", Row{"id": "inv-1"}, Op{})
	if err == nil {
		t.Fatal("Insert() should fail when the audit append fails")
	}
	if !IsStructural(err) {
		t.Errorf("error = %v, want structural", err)
	}

	if rows := store.Dump("invoices"); len(rows) != 0 {
		t.Errorf("mutation survived a failed audit append: %v", rows)
	}
	if rows := store.Dump(audit.Table); len(rows) != 0 {
		t.Errorf("audit rows written despite rollback: %v", rows)
	}
}

func TestAuditedSession_ChainLinksAcrossWrites(t *testing.T) {
	store := NewInMemoryStore()
	audited := newTestAudited(t, store, "acme", "user-7")
	ctx := context.Background()

	if err := audited.Insert(ctx, "invoices", Row{"id": "inv-1", "status": "draft"},
		Op{Action: "invoice.created", ResourceType: "invoice", ResourceID: "inv-1"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	n, err := audited.Update(ctx, "invoices", Row{"status": "sent"}, Pred{"id": "inv-1"},
		Op{Action: "invoice.sent", ResourceType: "invoice", ResourceID: "inv-1"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Update() affected %d rows, want 1", n)
	}
	n, err = audited.Delete(ctx, "invoices", Pred{"id": "inv-1"},
		Op{Action: "invoice.deleted", ResourceType: "invoice", ResourceID: "inv-1"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Delete() affected %d rows, want 1", n)
	}

	events, err := audited.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].PreviousHash != events[0].Hash {
		t.Error("second event does not chain to the first")
	}
	if events[2].PreviousHash != events[1].Hash {
		t.Error("third event does not chain to the second")
	}
	if !events[1].CreatedAt.After(events[0].CreatedAt) || !events[2].CreatedAt.After(events[1].CreatedAt) {
		t.Error("event timestamps are not strictly increasing")
	}

	report, err := audited.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.Status != audit.LinkVerified {
		t.Errorf("Status = %s, want %s (BrokenAt=%d)", report.Status, audit.LinkVerified, report.BrokenAt)
	}
}

func TestAuditedSession_ChainTimestampTieBreak(t *testing.T) {
	store := NewInMemoryStore()
	audited := newTestAudited(t, store, "acme", "user-7")
	ctx := context.Background()

	// A frozen clock forces every append to land on the same instant; the
	// append path must still keep the chain's tail read unambiguous.
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	audited.now = func() time.Time { return frozen }

	for _, action := range []string{"a.created", "b.created", "c.created"} {
		if _, err := audited.Event(ctx, Op{Action: action}); err != nil {
			t.Fatalf("Event(%s) error = %v", action, err)
		}
	}

	events, err := audited.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if !events[i].CreatedAt.After(events[i-1].CreatedAt) {
			t.Errorf("events[%d] timestamp not after predecessor", i)
		}
		if events[i].PreviousHash != events[i-1].Hash {
			t.Errorf("events[%d] does not chain to predecessor", i)
		}
	}

	report, err := audited.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.Status != audit.LinkVerified {
		t.Errorf("Status = %s, want %s", report.Status, audit.LinkVerified)
	}
}

func TestAuditedSession_ChainsAreIsolatedPerTenant(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	acme := newTestAudited(t, store, "acme", "user-7")
	rival := newTestAudited(t, store, "rival", "user-9")

	if _, err := acme.Event(ctx, Op{Action: "a.one"}); err != nil {
		t.Fatalf("Event() error = %v", err)
	}
	if _, err := rival.Event(ctx, Op{Action: "r.one"}); err != nil {
		t.Fatalf("Event() error = %v", err)
	}
	if _, err := acme.Event(ctx, Op{Action: "a.two"}); err != nil {
		t.Fatalf("Event() error = %v", err)
	}

	acmeEvents, err := acme.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(acmeEvents) != 2 {
		t.Fatalf("acme sees %d events, want 2", len(acmeEvents))
	}
	// rival's interleaved event must not enter acme's chain.
	if acmeEvents[1].PreviousHash != acmeEvents[0].Hash {
		t.Error("acme chain crosses tenants")
	}

	rivalEvents, err := rival.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(rivalEvents) != 1 || rivalEvents[0].PreviousHash != "" {
		t.Errorf("rival chain = %v, want a single genesis event", rivalEvents)
	}
}

func TestAuditedSession_VerifyChainDetectsTampering(t *testing.T) {
	store := NewInMemoryStore()
	audited := newTestAudited(t, store, "acme", "user-7")
	ctx := context.Background()

	for _, action := range []string{"a.created", "b.created", "c.created"} {
		if _, err := audited.Event(ctx, Op{Action: action}); err != nil {
			t.Fatalf("Event(%s) error = %v", action, err)
		}
	}

	// Rewrite the second event's action directly in storage.
	if err := store.Tamper(audit.Table, 1, "action", "b.deleted"); err != nil {
		t.Fatalf("Tamper() error = %v", err)
	}

	report, err := audited.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if report.Status != audit.LinkBroken || report.BrokenAt != 1 {
		t.Fatalf("Status = %s, BrokenAt = %d; want %s at 1", report.Status, report.BrokenAt, audit.LinkBroken)
	}
	want := []audit.LinkState{audit.LinkVerified, audit.LinkBroken, audit.LinkUnverified}
	for i, link := range report.Links {
		if link != want[i] {
			t.Errorf("Links[%d] = %s, want %s", i, link, want[i])
		}
	}
}

func TestAuditedSession_EventInTxComposesWithMutations(t *testing.T) {
	store := NewInMemoryStore()
	audited := newTestAudited(t, store, "acme", "user-7")
	ctx := context.Background()

	err := audited.Session().Transact(ctx, func(tx *Session) error {
		if err := tx.Insert(ctx, "documents", Row{"id": "doc-1"}); err != nil {
			return err
		}
		if _, err := audited.EventInTx(ctx, tx, Op{Action: audit.ActionArtifactUploaded, ResourceType: "document", ResourceID: "doc-1"}); err != nil {
			return err
		}
		if err := tx.Insert(ctx, "evidence_packs", Row{"id": "pack-1", "status": "sealed"}); err != nil {
			return err
		}
		_, err := audited.EventInTx(ctx, tx, Op{Action: audit.ActionPackSealed, ResourceType: "evidence_pack", ResourceID: "pack-1"})
		return err
	})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	events, err := audited.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != audit.ActionArtifactUploaded || events[1].Action != audit.ActionPackSealed {
		t.Errorf("actions = %s, %s", events[0].Action, events[1].Action)
	}
	if events[1].PreviousHash != events[0].Hash {
		t.Error("events appended in one transaction do not chain")
	}
}
