package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/gateway"
)

var (
	gatewayHost string
	gatewayPort int
	gatewayBase string
)

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringVar(&gatewayHost, "host", "", "Listen host (default from config)")
	gatewayCmd.Flags().IntVar(&gatewayPort, "port", 0, "Listen port (default from config)")
	gatewayCmd.Flags().StringVar(&gatewayBase, "base", "", "Log base directory (default from config)")
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the HTTP ingest gateway",
	Long: "Accepts POSTed event batches and appends each event as one line to\n" +
		"<base>/gateway/received-YYYYMMDD.jsonl. Serves /healthz and /metrics.",
	Args: cobra.NoArgs,
	RunE: runGateway,
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	gc := cfg.Gateway
	if gatewayHost != "" {
		gc.Host = gatewayHost
	}
	if gatewayPort != 0 {
		gc.Port = gatewayPort
	}
	if gc.Port < 0 || gc.Port > 65535 {
		return fmt.Errorf("invalid port %d", gc.Port)
	}
	base := cfg.Logging.BaseDir
	if gatewayBase != "" {
		base = gatewayBase
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := gateway.NewServer(gateway.Config{
		Addr:     gc.Addr(),
		Endpoint: gc.Endpoint,
		BaseDir:  base,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("gateway stopped")
	return nil
}
