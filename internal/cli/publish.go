package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/notify"
	"github.com/ppiankov/ptytee/internal/session"
)

var publishEvent string

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishEvent, "event", notify.SessionEnded, "Event type to publish")
}

// publishCmd is spawned detached by the recorder at session end.
var publishCmd = &cobra.Command{
	Use:    "publish <session.meta.json>",
	Short:  "Publish a session event to the configured notification sinks",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE:   runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Notify.Enabled {
		return nil
	}
	meta, err := session.ReadMeta(args[0])
	if err != nil {
		return err
	}
	paths, err := session.PathsFromFile(args[0])
	if err != nil {
		return err
	}

	var ev notify.Event
	switch publishEvent {
	case notify.SessionEnded:
		ev = notify.EndedEvent(meta, cfg.Notify.NodeID, paths.JSONL)
	case notify.SessionStarted:
		ev = notify.StartedEvent(meta, cfg.Notify.NodeID, paths.JSONL)
	default:
		return &exitCodeError{code: 2, err: fmt.Errorf("unknown event %q", publishEvent)}
	}

	d := notify.FromConfig(cfg.Notify)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Publish(ctx, ev)
}
