package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/anungis437/nzila-core/internal/config"
	"github.com/anungis437/nzila-core/internal/db"
	"github.com/anungis437/nzila-core/internal/evidence"
	"github.com/anungis437/nzila-core/internal/registry"
	"github.com/anungis437/nzila-core/internal/scopedb"
	"github.com/anungis437/nzila-core/internal/tracing"
)

// GenerateOptions holds flags for the generate command.
type GenerateOptions struct {
	*RootOptions
	PackID         string
	EntityID       string
	ActorID        string
	ControlFamily  string
	EventType      string
	EventID        string
	ArtifactDir    string
	ArtifactFiles  []string
	RetentionClass string
	Summary        string
	Upload         bool
	Out            string
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an evidence pack from a set of artifacts",
		Long: `Generate hashes the given artifacts and produces an evidence pack manifest.

Without --upload the manifest is written locally and nothing leaves the
machine. With --upload the artifacts are stored in the configured blob
bucket, document and pack rows are written, and the pack is sealed with
an audit event on the tenant's hash chain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.PackID, "pack-id", "", "unique pack identifier")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "tenant the pack belongs to")
	cmd.Flags().StringVar(&opts.ActorID, "actor-id", "", "actor recorded on the audit trail")
	cmd.Flags().StringVar(&opts.ControlFamily, "control-family", "", fmt.Sprintf("control family %v", evidence.ControlFamilies))
	cmd.Flags().StringVar(&opts.EventType, "event-type", "", fmt.Sprintf("compliance event type %v", evidence.EventTypes))
	cmd.Flags().StringVar(&opts.EventID, "event-id", "", "identifier of the compliance event")
	cmd.Flags().StringVar(&opts.ArtifactDir, "artifact-dir", "", "directory whose files become artifacts")
	cmd.Flags().StringArrayVar(&opts.ArtifactFiles, "artifact", nil, "artifact file (repeatable)")
	cmd.Flags().StringVar(&opts.RetentionClass, "retention-class", "", fmt.Sprintf("retention class %v", evidence.RetentionClasses))
	cmd.Flags().StringVar(&opts.Summary, "summary", "", "free-form pack summary")
	cmd.Flags().BoolVar(&opts.Upload, "upload", false, "upload artifacts and write database rows")
	cmd.Flags().StringVar(&opts.Out, "out", "", "manifest output path (local mode; default <pack-id>-manifest.json)")

	for _, required := range []string{"pack-id", "entity-id", "actor-id", "control-family", "event-type", "event-id", "retention-class"} {
		if err := cmd.MarkFlagRequired(required); err != nil {
			panic(err)
		}
	}

	return cmd
}

func runGenerate(cmd *cobra.Command, opts *GenerateOptions) error {
	controlFamily, err := evidence.ParseControlFamily(opts.ControlFamily)
	if err != nil {
		return err
	}
	eventType, err := evidence.ParseEventType(opts.EventType)
	if err != nil {
		return err
	}
	retention, err := evidence.ParseRetentionClass(opts.RetentionClass)
	if err != nil {
		return err
	}

	if opts.ArtifactDir == "" && len(opts.ArtifactFiles) == 0 {
		return errors.New("either --artifact-dir or at least one --artifact is required")
	}
	if opts.ArtifactDir != "" && len(opts.ArtifactFiles) > 0 {
		return errors.New("--artifact-dir and --artifact are mutually exclusive")
	}

	artifacts, err := loadArtifacts(opts.ArtifactDir, opts.ArtifactFiles)
	if err != nil {
		return err
	}

	req := evidence.PackRequest{
		PackID:          opts.PackID,
		ControlFamily:   controlFamily,
		EventType:       eventType,
		EventID:         opts.EventID,
		Summary:         opts.Summary,
		ControlsCovered: []string{string(controlFamily)},
		RetentionClass:  retention,
		Artifacts:       artifacts,
	}

	if !opts.Upload {
		return generateLocal(cmd, opts, req)
	}
	return generateUpload(cmd, opts, req)
}

// generateLocal hashes the artifacts and writes the manifest to disk without
// touching blob storage or the database.
func generateLocal(cmd *cobra.Command, opts *GenerateOptions, req evidence.PackRequest) error {
	now := time.Now().UTC()
	basePath := path.Join("evidence", opts.EntityID, req.PackID)

	manifestArtifacts := make([]evidence.ManifestArtifact, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		manifestArtifacts = append(manifestArtifacts, evidence.ManifestArtifact{
			ArtifactID:     uuid.New().String(),
			ArtifactType:   a.ArtifactType,
			Filename:       a.Filename,
			BlobPath:       path.Join(basePath, a.Filename),
			Sha256:         evidence.HashBytes(a.Data),
			ContentType:    a.ContentType,
			SizeBytes:      int64(len(a.Data)),
			UploadedAt:     now,
			RetentionClass: req.RetentionClass,
		})
	}

	manifest := evidence.Manifest{
		SchemaVersion:   evidence.ManifestSchemaVersion,
		PackID:          req.PackID,
		EntityID:        opts.EntityID,
		ControlFamily:   req.ControlFamily,
		EventType:       req.EventType,
		EventID:         req.EventID,
		CreatedAt:       now,
		CreatedBy:       opts.ActorID,
		RunID:           uuid.New().String(),
		BasePath:        basePath,
		Summary:         req.Summary,
		ControlsCovered: req.ControlsCovered,
		Artifacts:       manifestArtifacts,
		Verification: evidence.ManifestVerification{
			// Nothing was uploaded, so there is nothing to verify against.
			AllHashesVerified: false,
			ChainIntegrity:    evidence.ChainIntegrityUnverified,
			HashAlgorithm:     "sha256",
		},
	}

	data, err := manifest.Encode()
	if err != nil {
		return err
	}

	out := opts.Out
	if out == "" {
		out = opts.PackID + "-manifest.json"
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "hashed %d artifact(s), wrote manifest to %s\n", len(manifestArtifacts), out)
	return nil
}

// generateUpload runs the full pipeline against the configured database and
// blob bucket.
func generateUpload(cmd *cobra.Command, opts *GenerateOptions, req evidence.PackRequest) error {
	cfg, errs := config.Load(opts.ConfigFile)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	if cfg.BlobBucketName == "" {
		return errors.New("blob storage must be configured for --upload")
	}

	maxBytes := int64(cfg.MaxArtifactSizeMB) * 1024 * 1024
	for _, a := range req.Artifacts {
		if int64(len(a.Data)) > maxBytes {
			return fmt.Errorf("artifact %s exceeds the %dMB limit", a.Filename, cfg.MaxArtifactSizeMB)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	if !opts.Verbose {
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	}

	provider, err := tracing.NewProvider(tracingConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	blobs, err := evidence.NewS3Store(evidence.S3Config{
		AccessKeyID:     cfg.BlobAccessKeyID,
		SecretAccessKey: cfg.BlobSecretAccessKey,
		Endpoint:        cfg.BlobEndpoint,
	})
	if err != nil {
		return err
	}

	store := scopedb.NewPostgresStore(pool, logger)
	sess, err := scopedb.NewSession(store, registry.New(), opts.EntityID, logger)
	if err != nil {
		return err
	}
	audited, err := scopedb.NewAuditedSession(sess, opts.ActorID)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := evidence.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return err
	}

	req.BlobContainer = cfg.BlobBucketName
	pipeline := evidence.NewPipeline(blobs, metrics, logger)
	result, runErr := pipeline.Run(ctx, audited, req)
	// There is no scrape endpoint in a CLI run, so the gathered numbers are
	// emitted through the logger instead, failure or not.
	evidence.LogGathered(logger, reg)
	if runErr != nil {
		return runErr
	}

	if result.AlreadySealed {
		fmt.Fprintf(cmd.OutOrStdout(), "pack %s is already sealed (index document %s)\n",
			result.Pack.ID, result.Pack.IndexDocumentID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sealed pack %s: %d artifact(s) uploaded, %d skipped, index document %s\n",
		result.Pack.ID, result.ArtifactsUploaded, result.ArtifactsSkipped, result.Pack.IndexDocumentID)
	return nil
}

// loadArtifacts reads artifact bytes from a directory or an explicit file list.
func loadArtifacts(dir string, files []string) ([]evidence.Artifact, error) {
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact directory: %w", err)
		}
		for _, entry := range entries {
			if entry.Type().IsRegular() {
				files = append(files, filepath.Join(dir, entry.Name()))
			}
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("artifact directory %s contains no files", dir)
		}
	}

	artifacts := make([]evidence.Artifact, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", file, err)
		}
		name := filepath.Base(file)
		artifacts = append(artifacts, evidence.Artifact{
			Filename:     name,
			ContentType:  contentTypeFor(name),
			ArtifactType: artifactTypeFor(name),
			Data:         data,
		})
	}
	return artifacts, nil
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func artifactTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".log", ".txt":
		return "log"
	case ".pdf":
		return "report"
	case ".csv", ".json":
		return "export"
	case ".png", ".jpg", ".jpeg":
		return "screenshot"
	default:
		return "document"
	}
}
