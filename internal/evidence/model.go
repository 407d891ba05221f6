// Package evidence implements the evidence pack pipeline: content-hashed
// artifacts uploaded to blob storage, recorded as documents, grouped into a
// pack, and sealed with a manifest and a chained audit event. A pack moves
// building -> sealed exactly once; sealing is terminal.
package evidence

import (
	"fmt"
	"time"
)

// Logical tables the pipeline writes through the scoped data layer.
const (
	TableDocuments     = "documents"
	TablePacks         = "evidence_packs"
	TablePackArtifacts = "evidence_pack_artifacts"
)

// ControlFamily identifies the compliance control family a pack covers.
type ControlFamily string

const (
	ControlAccess           ControlFamily = "access"
	ControlChangeMgmt       ControlFamily = "change-mgmt"
	ControlIncidentResponse ControlFamily = "incident-response"
	ControlDRBCP            ControlFamily = "dr-bcp"
	ControlIntegrity        ControlFamily = "integrity"
	ControlSDLC             ControlFamily = "sdlc"
	ControlRetention        ControlFamily = "retention"
)

// ControlFamilies lists every valid control family.
var ControlFamilies = []ControlFamily{
	ControlAccess,
	ControlChangeMgmt,
	ControlIncidentResponse,
	ControlDRBCP,
	ControlIntegrity,
	ControlSDLC,
	ControlRetention,
}

// ParseControlFamily validates a control family value.
func ParseControlFamily(s string) (ControlFamily, error) {
	for _, f := range ControlFamilies {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("invalid control family %q (valid: %v)", s, ControlFamilies)
}

// EventType identifies the compliance event a pack documents.
type EventType string

const (
	EventIncident     EventType = "incident"
	EventDRTest       EventType = "dr-test"
	EventAccessReview EventType = "access-review"
	EventPeriodClose  EventType = "period-close"
	EventRelease      EventType = "release"
	EventRestoreTest  EventType = "restore-test"
	EventControlTest  EventType = "control-test"
	EventAuditRequest EventType = "audit-request"
)

// EventTypes lists every valid event type.
var EventTypes = []EventType{
	EventIncident,
	EventDRTest,
	EventAccessReview,
	EventPeriodClose,
	EventRelease,
	EventRestoreTest,
	EventControlTest,
	EventAuditRequest,
}

// ParseEventType validates an event type value.
func ParseEventType(s string) (EventType, error) {
	for _, e := range EventTypes {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q (valid: %v)", s, EventTypes)
}

// RetentionClass governs how long an artifact must be kept.
type RetentionClass string

const (
	RetentionPermanent  RetentionClass = "PERMANENT"
	RetentionSevenYears RetentionClass = "7_YEARS"
	RetentionThreeYears RetentionClass = "3_YEARS"
	RetentionOneYear    RetentionClass = "1_YEAR"
)

// RetentionClasses lists every valid retention class.
var RetentionClasses = []RetentionClass{
	RetentionPermanent,
	RetentionSevenYears,
	RetentionThreeYears,
	RetentionOneYear,
}

// ParseRetentionClass validates a retention class value.
func ParseRetentionClass(s string) (RetentionClass, error) {
	for _, r := range RetentionClasses {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid retention class %q (valid: %v)", s, RetentionClasses)
}

// Pack statuses. A pack is created building and sealed exactly once.
const (
	StatusBuilding = "building"
	StatusSealed   = "sealed"
)

// ChainIntegrityUnverified is the verification state a freshly sealed pack
// carries; chain verification is a separate attestation step.
const ChainIntegrityUnverified = "UNVERIFIED"

// Document is the metadata row for one durable artifact. Sha256 must equal
// the digest of the bytes actually stored at BlobPath.
type Document struct {
	ID             string
	EntityID       string
	BlobContainer  string
	BlobPath       string
	ContentType    string
	SizeBytes      int64
	Sha256         string
	UploadedBy     string
	Classification string
	RetentionClass RetentionClass
	CreatedAt      time.Time
}

// Pack groups the artifacts produced for one compliance event.
type Pack struct {
	ID                string
	EntityID          string
	ControlFamily     ControlFamily
	EventType         EventType
	EventID           string
	BasePath          string
	ArtifactCount     int64
	AllHashesVerified bool
	ChainIntegrity    string
	Status            string
	IndexDocumentID   string
	CreatedAt         time.Time
	SealedAt          time.Time
}

// PackArtifact links a pack to a document, carrying the audit event recorded
// for the upload.
type PackArtifact struct {
	ID             string
	EntityID       string
	PackID         string
	DocumentID     string
	ArtifactType   string
	RetentionClass RetentionClass
	AuditEventID   string
	CreatedAt      time.Time
}

// Artifact is one input to a pipeline run: a named byte payload.
type Artifact struct {
	Filename     string
	ContentType  string
	ArtifactType string
	Data         []byte
}
