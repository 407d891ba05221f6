package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// GenesisMarker stands in for the previous hash of the first event in a
// chain. An empty PreviousHash on a stored event means "first in chain".
const GenesisMarker = "genesis"

// LinkState is the verification state of one chain link.
type LinkState string

const (
	// LinkVerified means the stored digest is reproducible from the
	// event's payload and its predecessor's digest.
	LinkVerified LinkState = "VERIFIED"
	// LinkBroken marks the first link whose stored digest or predecessor
	// reference does not match recomputation.
	LinkBroken LinkState = "BROKEN"
	// LinkUnverified marks every link after a broken one; nothing can be
	// said about them until the chain is re-attested.
	LinkUnverified LinkState = "UNVERIFIED"
)

// encMode is CBOR Core Deterministic Encoding: map keys sorted, shortest
// forms, no indefinite lengths. It gives the chain a stable byte
// representation of structured payloads without a hand-rolled canonical JSON.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("audit: failed to build canonical CBOR mode: %v", err))
	}
}

// chainPayload is the flattened, deterministic form of an event that the
// digest covers. Timestamps are pinned to UTC RFC 3339 with nanoseconds so
// recomputation does not depend on driver-level time representation.
type chainPayload struct {
	EntityID     string         `cbor:"entity_id"`
	ActorID      string         `cbor:"actor_id"`
	Action       string         `cbor:"action"`
	ResourceType string         `cbor:"resource_type"`
	ResourceID   string         `cbor:"resource_id"`
	Detail       map[string]any `cbor:"detail,omitempty"`
	CreatedAt    string         `cbor:"created_at"`
}

// normalizeDetail round-trips the detail map through JSON so that hashing at
// append time (Go-typed values) and at verification time (values re-read from
// the jsonb column) see byte-identical structures. Without this, an int
// written by the caller comes back as float64 and falsely breaks the chain.
func normalizeDetail(detail map[string]any) (map[string]any, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize event detail: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize event detail: %w", err)
	}
	return normalized, nil
}

// CanonicalPayload serializes the digest-covered fields of an event into
// deterministic CBOR.
func CanonicalPayload(e Event) ([]byte, error) {
	detail, err := normalizeDetail(e.Detail)
	if err != nil {
		return nil, err
	}
	p := chainPayload{
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Detail:       detail,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize event payload: %w", err)
	}
	return data, nil
}

// ComputeEntryHash digests a canonical payload chained to its predecessor.
// An empty previousHash means first-in-chain and is replaced by the genesis
// marker.
func ComputeEntryHash(payload []byte, previousHash string) string {
	if previousHash == "" {
		previousHash = GenesisMarker
	}
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeEventHash canonicalizes e and digests it against e.PreviousHash.
func ComputeEventHash(e Event) (string, error) {
	payload, err := CanonicalPayload(e)
	if err != nil {
		return "", err
	}
	return ComputeEntryHash(payload, e.PreviousHash), nil
}

// Report is the outcome of verifying one tenant's chain.
type Report struct {
	// Status is VERIFIED for an intact chain (including an empty one) and
	// BROKEN otherwise.
	Status LinkState
	// BrokenAt is the index of the first broken link, or -1.
	BrokenAt int
	// Links holds the per-event states in chain order.
	Links []LinkState
}

// VerifyChain recomputes every digest of events (ordered by creation) from
// its payload and the prior stored digest. The first mismatch marks the chain
// BROKEN at that link; everything after is UNVERIFIED, everything before
// stays VERIFIED.
func VerifyChain(events []Event) Report {
	report := Report{Status: LinkVerified, BrokenAt: -1, Links: make([]LinkState, len(events))}

	prevHash := ""
	for i, e := range events {
		if report.Status == LinkBroken {
			report.Links[i] = LinkUnverified
			continue
		}

		expectedHash, err := ComputeEventHash(e)
		switch {
		case err != nil,
			e.PreviousHash != prevHash,
			e.Hash != expectedHash:
			report.Status = LinkBroken
			report.BrokenAt = i
			report.Links[i] = LinkBroken
		default:
			report.Links[i] = LinkVerified
			prevHash = e.Hash
		}
	}
	return report
}
