// Package cli implements the evidencepack command line tool.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/anungis437/nzila-core/internal/config"
	"github.com/anungis437/nzila-core/internal/tracing"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Verbose    bool
}

// NewRootCommand creates the root command for the evidencepack CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "evidencepack",
		Short: "Generate and verify tamper-evident evidence packs",
		Long: `evidencepack collects compliance artifacts, content-hashes them, and
bundles them into sealed evidence packs with a self-describing manifest.
Every upload and seal is recorded on the tenant's hash-chained audit ledger.`,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to config file (env vars take precedence)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewGenerateCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

// tracingConfig maps the application config onto the trace exporter setup.
// The CLI always reports as service "evidencepack"; plaintext OTLP is
// allowed outside production.
func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		ServiceName:  "evidencepack",
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporterType,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.Env != "production",
	}
}
