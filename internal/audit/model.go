// Package audit provides the tamper-evident audit ledger: an immutable,
// hash-chained record of every mutation and pipeline milestone, one chain per
// tenant. The chain engine computes and verifies digests; persistence happens
// through the scoped data layer so audit rows obey the same isolation rules
// as the data they describe.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table is the logical table audit events are persisted to.
const Table = "audit_events"

// Actions recorded by the evidence pipeline. Mutation actions are
// caller-defined (e.g. "invoice.created").
const (
	ActionArtifactUploaded = "evidence.artifact.uploaded"
	ActionPackSealed       = "evidence.pack.sealed"
)

// Event is a single audit event. Once written it is never updated or
// deleted; Hash covers the payload fields plus PreviousHash, chaining the
// event to its predecessor in the tenant's chain.
type Event struct {
	ID           string
	EntityID     string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Detail       map[string]any
	Hash         string
	PreviousHash string
	CreatedAt    time.Time
}

// ToRow flattens the event for the scoped data layer. Detail is serialized
// to JSON for the jsonb column.
func (e Event) ToRow() (map[string]any, error) {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event detail: %w", err)
	}
	return map[string]any{
		"id":            e.ID,
		"entity_id":     e.EntityID,
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"resource_id":   e.ResourceID,
		"detail":        string(detail),
		"hash":          e.Hash,
		"previous_hash": e.PreviousHash,
		"created_at":    e.CreatedAt,
	}, nil
}

// EventFromRow rebuilds an event from a scoped-layer row.
func EventFromRow(row map[string]any) (Event, error) {
	e := Event{
		ID:           stringField(row, "id"),
		EntityID:     stringField(row, "entity_id"),
		ActorID:      stringField(row, "actor_id"),
		Action:       stringField(row, "action"),
		ResourceType: stringField(row, "resource_type"),
		ResourceID:   stringField(row, "resource_id"),
		Hash:         stringField(row, "hash"),
		PreviousHash: stringField(row, "previous_hash"),
	}

	switch v := row["created_at"].(type) {
	case time.Time:
		e.CreatedAt = v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Event{}, fmt.Errorf("failed to parse created_at: %w", err)
		}
		e.CreatedAt = t
	default:
		return Event{}, fmt.Errorf("unexpected created_at type %T", row["created_at"])
	}

	switch v := row["detail"].(type) {
	case nil:
	case map[string]any:
		e.Detail = v
	case string:
		if v != "" {
			if err := json.Unmarshal([]byte(v), &e.Detail); err != nil {
				return Event{}, fmt.Errorf("failed to parse event detail: %w", err)
			}
		}
	case []byte:
		if len(v) > 0 {
			if err := json.Unmarshal(v, &e.Detail); err != nil {
				return Event{}, fmt.Errorf("failed to parse event detail: %w", err)
			}
		}
	default:
		return Event{}, fmt.Errorf("unexpected detail type %T", row["detail"])
	}

	return e, nil
}

func stringField(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	return ""
}
