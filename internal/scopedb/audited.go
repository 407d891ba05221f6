package scopedb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anungis437/nzila-core/internal/audit"
)

// Op describes the audited operation a mutation corresponds to. Action is
// the domain-level name (e.g. "invoice.created"); Detail carries the
// structured payload the chain digest covers.
type Op struct {
	Action       string
	ResourceType string
	ResourceID   string
	Detail       map[string]any
}

// AuditedSession wraps a Session so that every write additionally appends a
// hash-chained audit event inside the same transaction as the mutation. The
// two commit or roll back together: there is never a data change without its
// audit record, nor an audit record for a change that didn't commit.
type AuditedSession struct {
	sess    *Session
	actorID string
	now     func() time.Time // For testability
}

// NewAuditedSession binds the audit trail to an actor. Fails immediately on
// an empty actor id.
func NewAuditedSession(sess *Session, actorID string) (*AuditedSession, error) {
	if actorID == "" {
		return nil, structural("new_audited_session", "", ErrMissingActorID)
	}
	return &AuditedSession{sess: sess, actorID: actorID, now: time.Now}, nil
}

// Session returns the underlying scoped session for reads.
func (a *AuditedSession) Session() *Session { return a.sess }

// EntityID returns the tenant the session is bound to.
func (a *AuditedSession) EntityID() string { return a.sess.EntityID() }

// ActorID returns the actor the audit trail is attributed to.
func (a *AuditedSession) ActorID() string { return a.actorID }

// Select reads through the scoped session; reads are not audited.
func (a *AuditedSession) Select(ctx context.Context, table string, where Pred, opts ...SelectOption) ([]Row, error) {
	return a.sess.Select(ctx, table, where, opts...)
}

// Insert writes row and its audit event atomically.
func (a *AuditedSession) Insert(ctx context.Context, table string, row Row, op Op) error {
	return a.sess.Transact(ctx, func(tx *Session) error {
		if err := tx.Insert(ctx, table, row); err != nil {
			return err
		}
		_, err := a.appendEvent(ctx, tx, op)
		return err
	})
}

// Update applies values and appends the audit event atomically.
func (a *AuditedSession) Update(ctx context.Context, table string, values Row, where Pred, op Op) (int64, error) {
	var n int64
	err := a.sess.Transact(ctx, func(tx *Session) error {
		var err error
		n, err = tx.Update(ctx, table, values, where)
		if err != nil {
			return err
		}
		_, err = a.appendEvent(ctx, tx, op)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Delete removes rows and appends the audit event atomically.
func (a *AuditedSession) Delete(ctx context.Context, table string, where Pred, op Op) (int64, error) {
	var n int64
	err := a.sess.Transact(ctx, func(tx *Session) error {
		var err error
		n, err = tx.Delete(ctx, table, where)
		if err != nil {
			return err
		}
		_, err = a.appendEvent(ctx, tx, op)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Event appends a chain event with no accompanying data mutation. Pipeline
// milestones (artifact uploads, pack seals) use this.
func (a *AuditedSession) Event(ctx context.Context, op Op) (audit.Event, error) {
	var ev audit.Event
	err := a.sess.Transact(ctx, func(tx *Session) error {
		var err error
		ev, err = a.appendEvent(ctx, tx, op)
		return err
	})
	if err != nil {
		return audit.Event{}, err
	}
	return ev, nil
}

// EventInTx appends a chain event as part of an already-open transactional
// session, for callers composing a larger atomic unit.
func (a *AuditedSession) EventInTx(ctx context.Context, tx *Session, op Op) (audit.Event, error) {
	return a.appendEvent(ctx, tx, op)
}

// Events returns the tenant's chain in creation order.
func (a *AuditedSession) Events(ctx context.Context) ([]audit.Event, error) {
	rows, err := a.sess.Select(ctx, audit.Table, nil, WithOrderBy("created_at", false))
	if err != nil {
		return nil, err
	}
	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := audit.EventFromRow(row)
		if err != nil {
			return nil, operational("load_events", audit.Table, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// VerifyChain loads and verifies the tenant's chain.
func (a *AuditedSession) VerifyChain(ctx context.Context) (audit.Report, error) {
	events, err := a.Events(ctx)
	if err != nil {
		return audit.Report{}, err
	}
	return audit.VerifyChain(events), nil
}

// appendEvent performs the chain read-modify-write inside tx. The per-tenant
// chain lock serializes the tail read against concurrent appends; without it
// two transactions could both read the same previous hash and fork the chain
// (transaction isolation alone does not prevent this under read committed).
func (a *AuditedSession) appendEvent(ctx context.Context, tx *Session, op Op) (audit.Event, error) {
	if op.Action == "" {
		return audit.Event{}, structural("audit_append", audit.Table, fmt.Errorf("audit action is required"))
	}

	if err := tx.store.AcquireChainLock(ctx, "audit:"+tx.entityID); err != nil {
		return audit.Event{}, operational("audit_append", audit.Table, err)
	}

	tail, err := tx.Select(ctx, audit.Table, nil, WithOrderBy("created_at", true), WithLimit(1))
	if err != nil {
		return audit.Event{}, err
	}

	previousHash := ""
	// Truncated to microseconds: timestamptz stores no finer, and the
	// digest covers the timestamp, so stored and recomputed values must
	// agree exactly.
	createdAt := a.now().UTC().Truncate(time.Microsecond)
	if len(tail) == 1 {
		tailEvent, err := audit.EventFromRow(tail[0])
		if err != nil {
			return audit.Event{}, operational("audit_append", audit.Table, err)
		}
		previousHash = tailEvent.Hash
		// The tail read orders by created_at, so timestamps must be
		// strictly increasing within a chain.
		if !createdAt.After(tailEvent.CreatedAt) {
			createdAt = tailEvent.CreatedAt.Add(time.Microsecond)
		}
	}

	ev := audit.Event{
		ID:           uuid.New().String(),
		EntityID:     tx.entityID,
		ActorID:      a.actorID,
		Action:       op.Action,
		ResourceType: op.ResourceType,
		ResourceID:   op.ResourceID,
		Detail:       op.Detail,
		PreviousHash: previousHash,
		CreatedAt:    createdAt,
	}
	hash, err := audit.ComputeEventHash(ev)
	if err != nil {
		return audit.Event{}, operational("audit_append", audit.Table, err)
	}
	ev.Hash = hash

	row, err := ev.ToRow()
	if err != nil {
		return audit.Event{}, operational("audit_append", audit.Table, err)
	}
	if err := tx.Insert(ctx, audit.Table, Row(row)); err != nil {
		if IsUniqueViolation(err) {
			return audit.Event{}, operational("audit_append", audit.Table, ErrChainConflict)
		}
		return audit.Event{}, err
	}
	return ev, nil
}
