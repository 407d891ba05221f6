package evidence

import (
	"context"
	"time"

	"github.com/anungis437/nzila-core/internal/scopedb"
)

// Persistence helpers for the pipeline. Every function goes through a scoped
// session, so document and pack rows inherit tenant isolation; callers pass a
// transactional session when a group of writes must commit together.

func documentToRow(d Document) scopedb.Row {
	return scopedb.Row{
		"id":              d.ID,
		"entity_id":       d.EntityID,
		"blob_container":  d.BlobContainer,
		"blob_path":       d.BlobPath,
		"content_type":    d.ContentType,
		"size_bytes":      d.SizeBytes,
		"sha256":          d.Sha256,
		"uploaded_by":     d.UploadedBy,
		"classification":  d.Classification,
		"retention_class": string(d.RetentionClass),
		"created_at":      d.CreatedAt,
	}
}

func documentFromRow(row scopedb.Row) Document {
	return Document{
		ID:             stringVal(row, "id"),
		EntityID:       stringVal(row, "entity_id"),
		BlobContainer:  stringVal(row, "blob_container"),
		BlobPath:       stringVal(row, "blob_path"),
		ContentType:    stringVal(row, "content_type"),
		SizeBytes:      int64Val(row, "size_bytes"),
		Sha256:         stringVal(row, "sha256"),
		UploadedBy:     stringVal(row, "uploaded_by"),
		Classification: stringVal(row, "classification"),
		RetentionClass: RetentionClass(stringVal(row, "retention_class")),
		CreatedAt:      timeVal(row, "created_at"),
	}
}

func packFromRow(row scopedb.Row) Pack {
	return Pack{
		ID:                stringVal(row, "id"),
		EntityID:          stringVal(row, "entity_id"),
		ControlFamily:     ControlFamily(stringVal(row, "control_family")),
		EventType:         EventType(stringVal(row, "event_type")),
		EventID:           stringVal(row, "event_id"),
		BasePath:          stringVal(row, "base_path"),
		ArtifactCount:     int64Val(row, "artifact_count"),
		AllHashesVerified: boolVal(row, "all_hashes_verified"),
		ChainIntegrity:    stringVal(row, "chain_integrity"),
		Status:            stringVal(row, "status"),
		IndexDocumentID:   stringVal(row, "index_document_id"),
		CreatedAt:         timeVal(row, "created_at"),
		SealedAt:          timeVal(row, "sealed_at"),
	}
}

func packArtifactToRow(a PackArtifact) scopedb.Row {
	return scopedb.Row{
		"id":              a.ID,
		"entity_id":       a.EntityID,
		"pack_id":         a.PackID,
		"document_id":     a.DocumentID,
		"artifact_type":   a.ArtifactType,
		"retention_class": string(a.RetentionClass),
		"audit_event_id":  a.AuditEventID,
		"created_at":      a.CreatedAt,
	}
}

func packArtifactFromRow(row scopedb.Row) PackArtifact {
	return PackArtifact{
		ID:             stringVal(row, "id"),
		EntityID:       stringVal(row, "entity_id"),
		PackID:         stringVal(row, "pack_id"),
		DocumentID:     stringVal(row, "document_id"),
		ArtifactType:   stringVal(row, "artifact_type"),
		RetentionClass: RetentionClass(stringVal(row, "retention_class")),
		AuditEventID:   stringVal(row, "audit_event_id"),
		CreatedAt:      timeVal(row, "created_at"),
	}
}

// findPack loads a pack by id within the session's tenant.
func findPack(ctx context.Context, sess *scopedb.Session, packID string) (Pack, bool, error) {
	rows, err := sess.Select(ctx, TablePacks, scopedb.Pred{"id": packID}, scopedb.WithLimit(1))
	if err != nil {
		return Pack{}, false, err
	}
	if len(rows) == 0 {
		return Pack{}, false, nil
	}
	return packFromRow(rows[0]), true, nil
}

// findDocumentBySha256 looks up an existing document by content hash. Used to
// detect already-uploaded artifacts on retry: artifacts are content-addressed,
// so a matching digest means the upload and its rows already committed.
func findDocumentBySha256(ctx context.Context, sess *scopedb.Session, sha string) (Document, bool, error) {
	rows, err := sess.Select(ctx, TableDocuments, scopedb.Pred{"sha256": sha}, scopedb.WithLimit(1))
	if err != nil {
		return Document{}, false, err
	}
	if len(rows) == 0 {
		return Document{}, false, nil
	}
	return documentFromRow(rows[0]), true, nil
}

// findPackArtifactByDocument looks up the join row for a document within a
// pack, the second half of the retry check.
func findPackArtifactByDocument(ctx context.Context, sess *scopedb.Session, packID, documentID string) (PackArtifact, bool, error) {
	rows, err := sess.Select(ctx, TablePackArtifacts,
		scopedb.Pred{"pack_id": packID, "document_id": documentID}, scopedb.WithLimit(1))
	if err != nil {
		return PackArtifact{}, false, err
	}
	if len(rows) == 0 {
		return PackArtifact{}, false, nil
	}
	return packArtifactFromRow(rows[0]), true, nil
}

// listPackArtifacts returns a pack's join rows in creation order.
func listPackArtifacts(ctx context.Context, sess *scopedb.Session, packID string) ([]PackArtifact, error) {
	rows, err := sess.Select(ctx, TablePackArtifacts,
		scopedb.Pred{"pack_id": packID}, scopedb.WithOrderBy("created_at", false))
	if err != nil {
		return nil, err
	}
	artifacts := make([]PackArtifact, 0, len(rows))
	for _, row := range rows {
		artifacts = append(artifacts, packArtifactFromRow(row))
	}
	return artifacts, nil
}

func stringVal(row scopedb.Row, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func int64Val(row scopedb.Row, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func boolVal(row scopedb.Row, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "t"
	default:
		return false
	}
}

func timeVal(row scopedb.Row, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}
