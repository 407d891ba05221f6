package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/anungis437/nzila-core/internal/audit"
	"github.com/anungis437/nzila-core/internal/config"
	"github.com/anungis437/nzila-core/internal/db"
	"github.com/anungis437/nzila-core/internal/registry"
	"github.com/anungis437/nzila-core/internal/scopedb"
	"github.com/anungis437/nzila-core/internal/tracing"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	EntityID string
	Export   string
	Out      string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a tenant's audit hash chain",
		Long: `Verify recomputes every digest on the tenant's audit chain and reports
the first broken link, if any. With --export the events are additionally
written out for independent review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "tenant whose chain to verify")
	cmd.Flags().StringVar(&opts.Export, "export", "", "also export events (csv or json)")
	cmd.Flags().StringVar(&opts.Out, "out", "", "export output path (default <entity-id>-audit.<format>)")

	if err := cmd.MarkFlagRequired("entity-id"); err != nil {
		panic(err)
	}

	return cmd
}

func runVerify(cmd *cobra.Command, opts *VerifyOptions) error {
	if opts.Export != "" && opts.Export != string(audit.ExportFormatCSV) && opts.Export != string(audit.ExportFormatJSON) {
		return fmt.Errorf("invalid export format %q (valid: csv, json)", opts.Export)
	}

	cfg, errs := config.Load(opts.ConfigFile)
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))

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

	store := scopedb.NewPostgresStore(pool, logger)
	sess, err := scopedb.NewSession(store, registry.New(), opts.EntityID, logger)
	if err != nil {
		return err
	}

	rows, err := sess.Select(ctx, audit.Table, nil, scopedb.WithOrderBy("created_at", false))
	if err != nil {
		return err
	}
	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := audit.EventFromRow(row)
		if err != nil {
			return fmt.Errorf("failed to load audit event: %w", err)
		}
		events = append(events, ev)
	}

	report := audit.VerifyChain(events)
	switch report.Status {
	case audit.LinkVerified:
		fmt.Fprintf(cmd.OutOrStdout(), "chain VERIFIED: %d event(s)\n", len(events))
	case audit.LinkBroken:
		fmt.Fprintf(cmd.OutOrStdout(), "chain BROKEN at event %d (%s); %d event(s) unverified\n",
			report.BrokenAt, events[report.BrokenAt].ID, len(events)-report.BrokenAt-1)
	}

	if opts.Export != "" {
		data, err := audit.ExportEvents(events, audit.ExportOptions{Format: audit.ExportFormat(opts.Export)})
		if err != nil {
			return err
		}
		out := opts.Out
		if out == "" {
			out = opts.EntityID + "-audit." + opts.Export
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d event(s) to %s\n", len(events), out)
	}

	if report.Status == audit.LinkBroken {
		return errors.New("audit chain verification failed")
	}
	return nil
}
