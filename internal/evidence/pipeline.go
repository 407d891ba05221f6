package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/anungis437/nzila-core/internal/audit"
	"github.com/anungis437/nzila-core/internal/scopedb"
)

// ErrPackSealConflict is returned when a concurrent run sealed the pack
// between this run's artifact uploads and its seal attempt.
var ErrPackSealConflict = errors.New("evidence pack was sealed by a concurrent run")

// PackRequest describes one pipeline run.
type PackRequest struct {
	PackID          string
	ControlFamily   ControlFamily
	EventType       EventType
	EventID         string
	BlobContainer   string
	BasePath        string // defaults to evidence/<entity>/<pack id>
	Summary         string
	ControlsCovered []string
	RetentionClass  RetentionClass
	Classification  string // defaults to "evidence"
	RunID           string // defaults to a fresh UUID
	Artifacts       []Artifact
}

// PackResult reports the outcome of a run.
type PackResult struct {
	Pack              Pack
	Manifest          Manifest
	AlreadySealed     bool
	ArtifactsUploaded int
	ArtifactsSkipped  int
}

// Pipeline runs evidence pack generation: content-hash every artifact, upload
// it, record its document and audit event, then seal the pack with a manifest.
// A run is retryable up to the seal: artifacts are content-addressed, so a
// retry detects already-uploaded artifacts by hash and skips them.
type Pipeline struct {
	blobs   BlobStore
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time // For testability
	newID   func() string
}

// NewPipeline creates a pipeline. metrics may be nil when no registry is
// wired (the CLI's local mode).
func NewPipeline(blobs BlobStore, metrics *Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		blobs:   blobs,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

func (p *Pipeline) validate(req *PackRequest, entityID string) error {
	if req.PackID == "" {
		return errors.New("pack id is required")
	}
	if req.EventID == "" {
		return errors.New("event id is required")
	}
	if req.BlobContainer == "" {
		return errors.New("blob container is required")
	}
	if len(req.Artifacts) == 0 {
		return errors.New("at least one artifact is required")
	}
	if _, err := ParseControlFamily(string(req.ControlFamily)); err != nil {
		return err
	}
	if _, err := ParseEventType(string(req.EventType)); err != nil {
		return err
	}
	if _, err := ParseRetentionClass(string(req.RetentionClass)); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(req.Artifacts))
	for _, a := range req.Artifacts {
		if a.Filename == "" {
			return errors.New("artifact filename is required")
		}
		if _, dup := seen[a.Filename]; dup {
			return fmt.Errorf("duplicate artifact filename %q", a.Filename)
		}
		seen[a.Filename] = struct{}{}
	}

	if req.BasePath == "" {
		req.BasePath = path.Join("evidence", entityID, req.PackID)
	}
	if req.Classification == "" {
		req.Classification = "evidence"
	}
	if req.RunID == "" {
		req.RunID = p.newID()
	}
	return nil
}

// Run executes the pipeline for one pack. Re-running with the same pack id
// and artifact set after a mid-run crash is safe: a sealed pack is returned
// untouched, a building pack is resumed from the first incomplete artifact.
func (p *Pipeline) Run(ctx context.Context, session *scopedb.AuditedSession, req PackRequest) (*PackResult, error) {
	start := p.now()
	result, err := p.run(ctx, session, req)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil && !result.AlreadySealed {
		p.metrics.IncPacksSealed()
		p.metrics.ObservePipelineDuration(string(req.ControlFamily), p.now().Sub(start).Seconds())
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, session *scopedb.AuditedSession, req PackRequest) (*PackResult, error) {
	if err := p.validate(&req, session.EntityID()); err != nil {
		return nil, err
	}
	logger := p.logger.With(
		slog.String("pack_id", req.PackID),
		slog.String("entity_id", session.EntityID()),
		slog.String("run_id", req.RunID),
	)

	pack, err := p.ensurePack(ctx, session, req)
	if err != nil {
		p.fail(StageEnsurePack)
		return nil, err
	}
	if pack.Status == StatusSealed {
		logger.InfoContext(ctx, "pack already sealed, returning untouched",
			slog.String("index_document_id", pack.IndexDocumentID))
		return &PackResult{Pack: pack, AlreadySealed: true}, nil
	}

	manifestArtifacts := make([]ManifestArtifact, 0, len(req.Artifacts))
	uploaded, skipped := 0, 0
	for _, artifact := range req.Artifacts {
		doc, joined, err := p.processArtifact(ctx, session, req, artifact)
		if err != nil {
			p.fail(StageArtifact)
			if p.metrics != nil {
				p.metrics.IncArtifacts(ArtifactFailed)
			}
			return nil, fmt.Errorf("artifact %s: %w", artifact.Filename, err)
		}
		if joined {
			uploaded++
			if p.metrics != nil {
				p.metrics.IncArtifacts(ArtifactUploaded)
			}
		} else {
			skipped++
			if p.metrics != nil {
				p.metrics.IncArtifacts(ArtifactSkipped)
			}
		}
		manifestArtifacts = append(manifestArtifacts, ManifestArtifact{
			ArtifactID:     doc.ID,
			ArtifactType:   artifact.ArtifactType,
			Filename:       artifact.Filename,
			BlobPath:       doc.BlobPath,
			Sha256:         doc.Sha256,
			ContentType:    doc.ContentType,
			SizeBytes:      doc.SizeBytes,
			UploadedAt:     doc.CreatedAt,
			RetentionClass: doc.RetentionClass,
		})
	}
	logger.InfoContext(ctx, "artifacts processed",
		slog.Int("uploaded", uploaded), slog.Int("skipped", skipped))

	manifest := Manifest{
		SchemaVersion:   ManifestSchemaVersion,
		PackID:          req.PackID,
		EntityID:        session.EntityID(),
		ControlFamily:   req.ControlFamily,
		EventType:       req.EventType,
		EventID:         req.EventID,
		CreatedAt:       p.now().UTC(),
		CreatedBy:       session.ActorID(),
		RunID:           req.RunID,
		BlobContainer:   req.BlobContainer,
		BasePath:        req.BasePath,
		Summary:         req.Summary,
		ControlsCovered: req.ControlsCovered,
		Artifacts:       manifestArtifacts,
		Verification: ManifestVerification{
			AllHashesVerified: true,
			ChainIntegrity:    ChainIntegrityUnverified,
			HashAlgorithm:     "sha256",
		},
	}

	indexDoc, err := p.uploadManifest(ctx, session, req, manifest)
	if err != nil {
		p.fail(StageManifest)
		return nil, err
	}

	sealed, err := p.seal(ctx, session, req, manifest, indexDoc)
	if err != nil {
		p.fail(StageSeal)
		return nil, err
	}
	logger.InfoContext(ctx, "pack sealed",
		slog.Int64("artifact_count", sealed.ArtifactCount),
		slog.String("index_document_id", sealed.IndexDocumentID))

	return &PackResult{
		Pack:              sealed,
		Manifest:          manifest,
		ArtifactsUploaded: uploaded,
		ArtifactsSkipped:  skipped,
	}, nil
}

// ensurePack loads the pack row or creates it in building state. The
// building row is the idempotency anchor: a retry finds it and resumes,
// and the unique pack id keeps two concurrent runs from each creating one.
func (p *Pipeline) ensurePack(ctx context.Context, session *scopedb.AuditedSession, req PackRequest) (Pack, error) {
	pack, found, err := findPack(ctx, session.Session(), req.PackID)
	if err != nil {
		return Pack{}, err
	}
	if found {
		return pack, nil
	}

	pack = Pack{
		ID:             req.PackID,
		EntityID:       session.EntityID(),
		ControlFamily:  req.ControlFamily,
		EventType:      req.EventType,
		EventID:        req.EventID,
		BasePath:       req.BasePath,
		ChainIntegrity: ChainIntegrityUnverified,
		Status:         StatusBuilding,
		CreatedAt:      p.now().UTC(),
	}
	err = session.Session().Insert(ctx, TablePacks, scopedb.Row{
		"id":              pack.ID,
		"entity_id":       pack.EntityID,
		"control_family":  string(pack.ControlFamily),
		"event_type":      string(pack.EventType),
		"event_id":        pack.EventID,
		"base_path":       pack.BasePath,
		"artifact_count":  int64(0),
		"chain_integrity": pack.ChainIntegrity,
		"status":          pack.Status,
		"created_at":      pack.CreatedAt,
	})
	if err != nil {
		if scopedb.IsUniqueViolation(err) {
			// Lost the creation race; reload whatever the winner wrote.
			pack, found, err = findPack(ctx, session.Session(), req.PackID)
			if err != nil {
				return Pack{}, err
			}
			if found {
				return pack, nil
			}
		}
		return Pack{}, fmt.Errorf("failed to create pack row: %w", err)
	}
	return pack, nil
}

// processArtifact uploads one artifact and records its document, join row and
// audit event in a single transaction. An artifact whose content hash already
// has a document and join row is skipped wholesale; joined reports whether
// this run did the work.
func (p *Pipeline) processArtifact(ctx context.Context, session *scopedb.AuditedSession, req PackRequest, artifact Artifact) (Document, bool, error) {
	sha := HashBytes(artifact.Data)

	existing, found, err := findDocumentBySha256(ctx, session.Session(), sha)
	if err != nil {
		return Document{}, false, err
	}
	if found {
		_, haveJoin, err := findPackArtifactByDocument(ctx, session.Session(), req.PackID, existing.ID)
		if err != nil {
			return Document{}, false, err
		}
		if haveJoin {
			return existing, false, nil
		}
		// Document committed but its join row did not: the previous run
		// wrote them in one transaction for a different pack. Fall through
		// and link the existing document to this pack.
	}

	doc := existing
	if !found {
		blobPath := path.Join(req.BasePath, artifact.Filename)
		res, err := p.blobs.Upload(ctx, req.BlobContainer, blobPath, artifact.Data, artifact.ContentType)
		if err != nil {
			return Document{}, false, fmt.Errorf("upload failed: %w", err)
		}
		// The store's hash is advisory; the locally computed digest over
		// the same bytes is what gets persisted.
		if res.Sha256 != sha {
			return Document{}, false, fmt.Errorf("blob store hash mismatch: got %s, want %s", res.Sha256, sha)
		}
		if res.SizeBytes != int64(len(artifact.Data)) {
			return Document{}, false, fmt.Errorf("blob store size mismatch: got %d, want %d", res.SizeBytes, len(artifact.Data))
		}
		doc = Document{
			ID:             p.newID(),
			EntityID:       session.EntityID(),
			BlobContainer:  req.BlobContainer,
			BlobPath:       res.Path,
			ContentType:    artifact.ContentType,
			SizeBytes:      res.SizeBytes,
			Sha256:         sha,
			UploadedBy:     session.ActorID(),
			Classification: req.Classification,
			RetentionClass: req.RetentionClass,
			CreatedAt:      p.now().UTC(),
		}
	}

	err = session.Session().Transact(ctx, func(tx *scopedb.Session) error {
		if !found {
			if err := tx.Insert(ctx, TableDocuments, documentToRow(doc)); err != nil {
				return err
			}
		}
		event, err := session.EventInTx(ctx, tx, scopedb.Op{
			Action:       audit.ActionArtifactUploaded,
			ResourceType: "document",
			ResourceID:   doc.ID,
			Detail: map[string]any{
				"pack_id":    req.PackID,
				"filename":   artifact.Filename,
				"blob_path":  doc.BlobPath,
				"sha256":     doc.Sha256,
				"size_bytes": doc.SizeBytes,
			},
		})
		if err != nil {
			return err
		}
		return tx.Insert(ctx, TablePackArtifacts, packArtifactToRow(PackArtifact{
			ID:             p.newID(),
			EntityID:       session.EntityID(),
			PackID:         req.PackID,
			DocumentID:     doc.ID,
			ArtifactType:   artifact.ArtifactType,
			RetentionClass: req.RetentionClass,
			AuditEventID:   event.ID,
			CreatedAt:      p.now().UTC(),
		}))
	})
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// uploadManifest stores the manifest blob. Its document row is written in the
// seal transaction so a crash here leaves nothing to clean up.
func (p *Pipeline) uploadManifest(ctx context.Context, session *scopedb.AuditedSession, req PackRequest, manifest Manifest) (Document, error) {
	data, err := manifest.Encode()
	if err != nil {
		return Document{}, err
	}
	sha := HashBytes(data)

	blobPath := path.Join(req.BasePath, ManifestFilename)
	res, err := p.blobs.Upload(ctx, req.BlobContainer, blobPath, data, "application/json")
	if err != nil {
		return Document{}, fmt.Errorf("manifest upload failed: %w", err)
	}
	if res.Sha256 != sha {
		return Document{}, fmt.Errorf("blob store hash mismatch for manifest: got %s, want %s", res.Sha256, sha)
	}

	return Document{
		ID:             p.newID(),
		EntityID:       session.EntityID(),
		BlobContainer:  req.BlobContainer,
		BlobPath:       res.Path,
		ContentType:    "application/json",
		SizeBytes:      res.SizeBytes,
		Sha256:         sha,
		UploadedBy:     session.ActorID(),
		Classification: req.Classification,
		RetentionClass: req.RetentionClass,
		CreatedAt:      p.now().UTC(),
	}, nil
}

// seal writes the manifest document, finalizes the pack row, and appends the
// sealing audit event in one transaction. The status predicate on the update
// makes sealing single-shot: a concurrent run that sealed first leaves
// nothing for this one to update.
func (p *Pipeline) seal(ctx context.Context, session *scopedb.AuditedSession, req PackRequest, manifest Manifest, indexDoc Document) (Pack, error) {
	sealedAt := p.now().UTC()
	err := session.Session().Transact(ctx, func(tx *scopedb.Session) error {
		artifacts, err := listPackArtifacts(ctx, tx, req.PackID)
		if err != nil {
			return err
		}

		if err := tx.Insert(ctx, TableDocuments, documentToRow(indexDoc)); err != nil {
			return err
		}

		n, err := tx.Update(ctx, TablePacks, scopedb.Row{
			"artifact_count":      int64(len(artifacts)),
			"all_hashes_verified": true,
			"chain_integrity":     ChainIntegrityUnverified,
			"status":              StatusSealed,
			"index_document_id":   indexDoc.ID,
			"sealed_at":           sealedAt,
		}, scopedb.Pred{"id": req.PackID, "status": StatusBuilding})
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrPackSealConflict
		}

		_, err = session.EventInTx(ctx, tx, scopedb.Op{
			Action:       audit.ActionPackSealed,
			ResourceType: "evidence_pack",
			ResourceID:   req.PackID,
			Detail: map[string]any{
				"artifact_count":    len(artifacts),
				"index_document_id": indexDoc.ID,
				"manifest_sha256":   indexDoc.Sha256,
				"run_id":            req.RunID,
			},
		})
		return err
	})
	if err != nil {
		return Pack{}, err
	}

	pack, found, err := findPack(ctx, session.Session(), req.PackID)
	if err != nil {
		return Pack{}, err
	}
	if !found {
		return Pack{}, errors.New("sealed pack row disappeared")
	}
	return pack, nil
}

func (p *Pipeline) fail(stage string) {
	if p.metrics != nil {
		p.metrics.IncPipelineErrors(stage)
	}
}
