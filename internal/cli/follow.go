package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/shipper"
	"github.com/ppiankov/ptytee/internal/telemetry"
)

var (
	followBase          string
	followEndpoint      string
	followLoki          bool
	followNoGeneric     bool
	followPoll          bool
	followInterval      time.Duration
	followFromBeginning bool
	followMetricsAddr   string
)

func init() {
	rootCmd.AddCommand(followCmd)
	followCmd.Flags().StringVar(&followBase, "base", "", "Log base directory (default from config)")
	followCmd.Flags().StringVar(&followEndpoint, "endpoint", "", "HTTP ingest endpoint (default from config)")
	followCmd.Flags().BoolVar(&followLoki, "loki", false, "Also push to Loki")
	followCmd.Flags().BoolVar(&followNoGeneric, "no-generic", false, "Do not post to the HTTP endpoint (requires --loki)")
	followCmd.Flags().BoolVar(&followPoll, "poll", false, "Poll instead of watching the filesystem")
	followCmd.Flags().DurationVar(&followInterval, "interval", 0, "Poll and rescan interval (default from config)")
	followCmd.Flags().BoolVar(&followFromBeginning, "from-beginning", false, "Ship existing transcripts from offset zero")
	followCmd.Flags().StringVar(&followMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9464)")
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Continuously ship new transcript records",
	Long: "Watches the log directory tree and ships records appended to any\n" +
		"transcript. Offsets are kept in a sqlite database and advance only after\n" +
		"every sink acknowledged a batch, so restarts resume without loss.",
	Args: cobra.NoArgs,
	RunE: runFollow,
}

func runFollow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	if followNoGeneric && !followLoki {
		return fmt.Errorf("--no-generic requires --loki")
	}

	base := cfg.Logging.BaseDir
	if followBase != "" {
		base = followBase
	}
	sc := cfg.Shipper
	if followEndpoint != "" {
		sc.Endpoint = followEndpoint
	}
	interval := sc.PollInterval
	if followInterval > 0 {
		interval = followInterval
	}

	ctx, cancel := signalContext()
	defer cancel()

	tel, err := telemetry.New(ctx, cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	reg := prometheus.NewRegistry()
	metrics := shipper.NewMetrics(reg)

	var sinks []shipper.Sink
	if !followNoGeneric {
		sinks = append(sinks, shipper.Instrument(shipper.NewHTTPSink(sc), tel.Tracer(), metrics))
	}
	if followLoki {
		loki := shipper.NewLokiSink(cfg.Loki, cfg.Notify.NodeID, sc.MaxRetries)
		sinks = append(sinks, shipper.Instrument(loki, tel.Tracer(), metrics))
	}

	store, err := shipper.OpenStateStore(sc.StateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	f, err := shipper.NewFollower(shipper.FollowerConfig{
		BaseDir:       base,
		Sinks:         sinks,
		Store:         store,
		LockPath:      filepath.Join(filepath.Dir(sc.StateDB), "follow.pid"),
		Envelope:      shipper.EnvelopeOptions{IncludeText: sc.IncludeText, Redact: sc.Redact},
		BatchSize:     sc.BatchSize,
		PollInterval:  interval,
		PollOnly:      followPoll,
		FromBeginning: followFromBeginning,
		Metrics:       metrics,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	if followMetricsAddr != "" {
		srv := &http.Server{
			Addr:              followMetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("serving metrics", "addr", followMetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return f.Run(ctx)
}
