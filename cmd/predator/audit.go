package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/contract"
)

type auditOptions struct {
	*rootOptions
	tenant   string
	workflow string
	from     int64
	to       int64
}

func (o *auditOptions) ledger() (string, error) {
	if o.tenant == "" || o.workflow == "" {
		return "", fmt.Errorf("--tenant and --workflow are required")
	}
	return contract.LedgerKey(o.tenant, o.workflow), nil
}

func (o *auditOptions) trail(ctx context.Context) (*audit.Trail, func() error, error) {
	return openTrail(ctx, o.cfg, o.logger)
}

func newAuditCommand(root *rootOptions) *cobra.Command {
	opts := &auditOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify and export audit ledgers",
	}
	cmd.PersistentFlags().StringVar(&opts.tenant, "tenant", "", "tenant id")
	cmd.PersistentFlags().StringVar(&opts.workflow, "workflow", "", "workflow id")
	cmd.PersistentFlags().Int64Var(&opts.from, "from", 0, "first sequence (inclusive)")
	cmd.PersistentFlags().Int64Var(&opts.to, "to", 0, "last sequence (exclusive); 0 means the end")

	cmd.AddCommand(newAuditVerifyCommand(opts))
	cmd.AddCommand(newAuditExportCommand(opts))
	return cmd
}

func newAuditVerifyCommand(opts *auditOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a ledger's hash chain",
		Long: `Recompute the hash chain of one ledger, or of every ledger with --all,
and print the reports as JSON.

Exits 1 when any chain is broken.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			trail, closeTrail, err := opts.trail(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeTrail() }()

			var ledgers []string
			if all {
				if ledgers, err = trail.Ledgers(ctx); err != nil {
					return err
				}
			} else {
				ledger, err := opts.ledger()
				if err != nil {
					return err
				}
				ledgers = []string{ledger}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			var broken error
			for _, ledger := range ledgers {
				report, err := trail.VerifyChain(ctx, ledger, opts.from, opts.to)
				if err != nil {
					return err
				}
				if err := enc.Encode(report); err != nil {
					return err
				}
				if broken == nil {
					broken = report.Err()
				}
			}
			if broken != nil {
				return &exitError{code: 1, err: broken}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every ledger")
	return cmd
}

type exportOptions struct {
	out        string
	pack       bool
	prefix     string
	s3Bucket   string
	s3Region   string
	s3Endpoint string
	gcsBucket  string
}

func newAuditExportCommand(opts *auditOptions) *cobra.Command {
	eo := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a ledger range",
		Long: `Export a ledger range as JSON Lines (default), as a zipped evidence
pack with --pack, or archive the pack to S3 or GCS.

Examples:
  predator audit export --tenant t1 --workflow wf-9
  predator audit export --tenant t1 --workflow wf-9 --pack --out wf-9.zip
  predator audit export --tenant t1 --workflow wf-9 --s3-bucket evidence --s3-region eu-west-1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ledger, err := opts.ledger()
			if err != nil {
				return err
			}
			trail, closeTrail, err := opts.trail(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closeTrail() }()
			exporter := audit.NewExporter(trail)

			if eo.s3Bucket != "" || eo.gcsBucket != "" {
				return archive(ctx, cmd.OutOrStdout(), exporter, eo, ledger, opts.from, opts.to)
			}

			w := cmd.OutOrStdout()
			if eo.out != "" {
				f, err := os.Create(eo.out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if eo.pack {
				body, checksum, err := exporter.Pack(ctx, ledger, opts.from, opts.to)
				if err != nil {
					return err
				}
				if _, err := w.Write(body); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "sha256:"+checksum)
				return nil
			}
			_, err = exporter.WriteJSONL(ctx, w, ledger, opts.from, opts.to)
			return err
		},
	}
	f := cmd.Flags()
	f.StringVarP(&eo.out, "out", "o", "", "output file (default stdout)")
	f.BoolVar(&eo.pack, "pack", false, "write a zipped evidence pack instead of JSON Lines")
	f.StringVar(&eo.prefix, "prefix", "predator/", "object key prefix for archives")
	f.StringVar(&eo.s3Bucket, "s3-bucket", "", "archive the pack to this S3 bucket")
	f.StringVar(&eo.s3Region, "s3-region", "us-east-1", "S3 region")
	f.StringVar(&eo.s3Endpoint, "s3-endpoint", "", "custom S3 endpoint (MinIO, LocalStack)")
	f.StringVar(&eo.gcsBucket, "gcs-bucket", "", "archive the pack to this GCS bucket")
	cmd.MarkFlagsMutuallyExclusive("s3-bucket", "gcs-bucket")
	return cmd
}

func archive(ctx context.Context, out io.Writer, exporter *audit.Exporter, eo *exportOptions, ledger string, from, to int64) error {
	var sink audit.ObjectSink
	if eo.s3Bucket != "" {
		s3, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{Bucket: eo.s3Bucket, Region: eo.s3Region, Endpoint: eo.s3Endpoint})
		if err != nil {
			return err
		}
		sink = s3
	} else {
		gcs, err := audit.NewGCSSink(ctx, eo.gcsBucket)
		if err != nil {
			return err
		}
		defer gcs.Close()
		sink = gcs
	}
	key, checksum, err := exporter.Archive(ctx, sink, eo.prefix, ledger, from, to)
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(map[string]string{"key": key, "sha256": checksum})
}
