package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/session"
	"github.com/ppiankov/ptytee/internal/transcript"
)

var (
	tailLines    int
	tailFormat   string
	replayRaw    bool
	replayFormat string
	verifyFormat string
)

func init() {
	rootCmd.AddCommand(verifyCmd, tailCmd, replayCmd)
	verifyCmd.Flags().StringVarP(&verifyFormat, "format", "f", "text", "Output format (text|json)")
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "Number of records to show")
	tailCmd.Flags().StringVarP(&tailFormat, "format", "f", "text", "Output format (text|json)")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "Write the raw transcript bytes to stdout")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify <session.jsonl>",
	Short: "Verify the hash chain of a transcript",
	Long:  "Recomputes every record hash and checks each prev_hash link.\nExits 1 and names the first broken line when the chain does not verify.",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	res := transcript.Verify(args[0])
	out := cmd.OutOrStdout()
	if verifyFormat == "json" {
		s, err := transcript.FormatJSON(res)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	} else if res.Valid {
		fmt.Fprintf(out, "chain OK: %d records, %s head %s\n", res.Lines, res.Algorithm, res.Head)
	} else {
		fmt.Fprintf(out, "chain BROKEN at line %d: %s\n", res.ErrorLine, res.Error)
	}
	if !res.Valid {
		return &exitCodeError{code: 1}
	}
	return nil
}

var tailCmd = &cobra.Command{
	Use:   "tail <session.jsonl>",
	Short: "Show the last records of a transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	entries, err := transcript.Tail(args[0], tailLines)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if tailFormat == "json" {
		s, err := transcript.FormatJSON(entries)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(out, transcript.FormatEntry(e))
	}
	return nil
}

var replayCmd = &cobra.Command{
	Use:   "replay <session.jsonl>",
	Short: "Summarize a recorded session or dump its raw bytes",
	Long:  "Prints a summary of the session: record counts per kind, byte totals,\nfirst and last timestamps and exit code. With --raw, writes the raw\ntranscript to stdout byte for byte so the terminal replays the output.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayRaw {
		paths, err := session.PathsFromFile(args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(paths.Raw)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(cmd.OutOrStdout(), f)
		return err
	}

	s, err := transcript.Summarize(args[0])
	if err != nil {
		return err
	}
	if replayFormat == "json" {
		out, err := transcript.FormatJSON(s)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), transcript.FormatSummary(s))
	return nil
}
