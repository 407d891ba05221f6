package evidence

import (
	"encoding/json"
	"fmt"
	"time"
)

// ManifestSchemaVersion identifies the manifest layout. Bump on any change to
// the document structure so auditor tooling can branch on it.
const ManifestSchemaVersion = 1

// ManifestArtifact describes one artifact inside a manifest.
type ManifestArtifact struct {
	ArtifactID     string         `json:"artifact_id"`
	ArtifactType   string         `json:"artifact_type"`
	Filename       string         `json:"filename"`
	BlobPath       string         `json:"blob_path"`
	Sha256         string         `json:"sha256"`
	ContentType    string         `json:"content_type"`
	SizeBytes      int64          `json:"size_bytes"`
	UploadedAt     time.Time      `json:"uploaded_at"`
	RetentionClass RetentionClass `json:"retention_class"`
}

// ManifestVerification is the attestation block. A freshly sealed pack
// carries chain_integrity UNVERIFIED; independent verification of the audit
// chain updates it out of band.
type ManifestVerification struct {
	AllHashesVerified bool   `json:"all_hashes_verified"`
	ChainIntegrity    string `json:"chain_integrity"`
	HashAlgorithm     string `json:"hash_algorithm"`
}

// Manifest is the self-describing index document of an evidence pack. It is
// uploaded alongside the artifacts so a pack can be verified with nothing but
// the blob container's contents.
type Manifest struct {
	SchemaVersion   int                  `json:"schema_version"`
	PackID          string               `json:"pack_id"`
	EntityID        string               `json:"entity_id"`
	ControlFamily   ControlFamily        `json:"control_family"`
	EventType       EventType            `json:"event_type"`
	EventID         string               `json:"event_id"`
	CreatedAt       time.Time            `json:"created_at"`
	CreatedBy       string               `json:"created_by"`
	RunID           string               `json:"run_id"`
	BlobContainer   string               `json:"blob_container"`
	BasePath        string               `json:"base_path"`
	Summary         string               `json:"summary,omitempty"`
	ControlsCovered []string             `json:"controls_covered"`
	Artifacts       []ManifestArtifact   `json:"artifacts"`
	Verification    ManifestVerification `json:"verification"`
}

// ManifestFilename is the fixed name the manifest is stored under inside the
// pack's base path.
const ManifestFilename = "manifest.json"

// Encode serializes the manifest as indented JSON.
func (m Manifest) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest parses a manifest document.
func DecodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		return Manifest{}, fmt.Errorf("unsupported manifest schema version %d", m.SchemaVersion)
	}
	return m, nil
}
