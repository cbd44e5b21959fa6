package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/config"
	"github.com/ppiankov/ptytee/internal/shipper"
	"github.com/ppiankov/ptytee/internal/telemetry"
)

var (
	shipEndpoint    string
	shipBatchSize   int
	shipIncludeText bool
	shipRedact      bool
	shipDryRun      bool
	shipGzip        bool
	shipLokiURL     string
	shipJob         string
)

func init() {
	rootCmd.AddCommand(shipCmd)
	shipCmd.AddCommand(shipGenericCmd, shipLokiCmd)

	shipCmd.PersistentFlags().IntVar(&shipBatchSize, "batch-size", 0, "Events per request (default from config)")
	shipCmd.PersistentFlags().BoolVar(&shipDryRun, "dry-run", false, "Read and batch without sending")

	shipGenericCmd.Flags().StringVar(&shipEndpoint, "endpoint", "", "HTTP ingest endpoint (default from config)")
	shipGenericCmd.Flags().BoolVar(&shipIncludeText, "include-text", false, "Include decoded I/O text in events")
	shipGenericCmd.Flags().BoolVar(&shipRedact, "redact", false, "Redact paths, hosts and credentials from included text")
	shipGenericCmd.Flags().BoolVar(&shipGzip, "gzip", false, "Gzip request bodies")

	shipLokiCmd.Flags().StringVar(&shipLokiURL, "loki-url", "", "Loki base URL (default from config)")
	shipLokiCmd.Flags().StringVar(&shipJob, "job", "", "Loki job label (default from config)")
}

var shipCmd = &cobra.Command{
	Use:   "ship",
	Short: "Ship a transcript to an HTTP endpoint or Loki",
}

var shipGenericCmd = &cobra.Command{
	Use:   "generic <session.jsonl>",
	Short: "POST transcript events as JSON batches",
	Long:  "Converts each record into a generic event {ts, session_id, kind, metadata}\nand posts batches of {source, generated_at, events} to the endpoint.\nI/O text is omitted unless --include-text is set.",
	Args:  cobra.ExactArgs(1),
	RunE:  runShipGeneric,
}

var shipLokiCmd = &cobra.Command{
	Use:   "loki <session.jsonl>",
	Short: "Push transcript events to Loki",
	Long:  "Pushes one Loki stream entry per record. I/O text is never sent;\nlabels carry job, instance, node, session_id and event_type.",
	Args:  cobra.ExactArgs(1),
	RunE:  runShipLoki,
}

func runShipGeneric(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := cfg.Shipper
	if shipEndpoint != "" {
		sc.Endpoint = shipEndpoint
	}
	if cmd.Flags().Changed("gzip") {
		sc.Gzip = shipGzip
	}
	batch := sc.BatchSize
	if shipBatchSize > 0 {
		batch = shipBatchSize
	}
	opts := shipper.Options{
		BatchSize: batch,
		DryRun:    shipDryRun,
		Envelope: shipper.EnvelopeOptions{
			IncludeText: shipIncludeText || sc.IncludeText,
			Redact:      shipRedact || sc.Redact,
		},
	}
	return shipWith(cmd, cfg, shipper.NewHTTPSink(sc), args[0], opts)
}

func runShipLoki(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	lc := cfg.Loki
	if shipLokiURL != "" {
		lc.URL = shipLokiURL
	}
	if shipJob != "" {
		lc.JobName = shipJob
	}
	batch := lc.BatchSize
	if shipBatchSize > 0 {
		batch = shipBatchSize
	}
	sink := shipper.NewLokiSink(lc, cfg.Notify.NodeID, cfg.Shipper.MaxRetries)
	return shipWith(cmd, cfg, sink, args[0], shipper.Options{BatchSize: batch, DryRun: shipDryRun})
}

func shipWith(cmd *cobra.Command, cfg *config.Config, sink shipper.Sink, path string, opts shipper.Options) error {
	ctx, cancel := signalContext()
	defer cancel()

	tel, err := telemetry.New(ctx, cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	opts.Log = cmd.ErrOrStderr()
	st, err := shipper.ShipFile(ctx, path, shipper.Instrument(sink, tel.Tracer(), nil), opts)
	if err != nil {
		return fmt.Errorf("ship %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if opts.DryRun {
		fmt.Fprintf(out, "dry run: %d record(s) in %d batch(es) for %s\n", st.Records, st.Batches, sink.Name())
		return nil
	}
	fmt.Fprintf(out, "shipped %d/%d record(s) to %s", st.Sent, st.Records, sink.Name())
	if st.Failed > 0 {
		fmt.Fprintf(out, ", %d failed", st.Failed)
	}
	fmt.Fprintln(out)
	if st.Failed > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}
