// Command replay runs a captured message batch through the reconciliation
// pipeline offline and prints the resulting render sequence.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/talkroom/backend/internal/config"
	"github.com/zhouzirui/talkroom/backend/internal/model/chat"
	"github.com/zhouzirui/talkroom/backend/internal/reconcile"
	"github.com/zhouzirui/talkroom/backend/internal/scroll"
)

type options struct {
	layout     string
	echoWindow time.Duration
	target     string
	asJSON     bool
}

type report struct {
	Layout      chat.Direction `json:"layout"`
	Records     []chat.Record  `json:"records"`
	Diagnostics []string       `json:"diagnostics"`
	Target      *targetReport  `json:"target,omitempty"`
}

type targetReport struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
	Index int    `json:"index"`
	Key   string `json:"key,omitempty"`
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.DefaultRoomConfig()
	if cfg, err := config.Load(); err == nil {
		defaults = cfg.Room
	}

	opts := options{layout: string(defaults.Layout), echoWindow: defaults.EchoWindow}

	cmd := &cobra.Command{
		Use:   "replay [batch-file]",
		Short: "Replay a message batch through decode and dedup-sort",
		Long: `replay decodes a JSON array of message records, reconciles it into the
render sequence a room would publish, and prints the result. Use "-" or no
argument to read the batch from stdin.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			payload, err := readBatch(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}
			return runReplay(cmd.OutOrStdout(), payload, opts)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	flags := cmd.Flags()
	flags.StringVarP(&opts.layout, "layout", "l", opts.layout, "render layout: inverted or forward")
	flags.DurationVar(&opts.echoWindow, "echo-window", opts.echoWindow, "link unconfirmed sends to echoes within this window (0 disables)")
	flags.StringVarP(&opts.target, "target", "t", "", "resolve this talk id (or \"latest\") to its layout index")
	flags.BoolVar(&opts.asJSON, "json", false, "print the report as JSON")
	return cmd
}

func readBatch(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return payload, nil
}

func runReplay(out io.Writer, payload []byte, opts options) error {
	layout, ok := chat.ParseDirection(opts.layout)
	if !ok {
		return fmt.Errorf("invalid layout %q", opts.layout)
	}

	records, diagnostics := reconcile.Decode(payload)
	sorted := reconcile.New(reconcile.Options{Direction: layout, EchoWindow: opts.echoWindow}).DedupSort(records)

	rep := report{Layout: layout, Records: sorted, Diagnostics: diagnostics}
	if rep.Diagnostics == nil {
		rep.Diagnostics = []string{}
	}
	if id := strings.TrimSpace(opts.target); id != "" {
		index, key, found := scroll.Resolve(sorted, id, layout)
		rep.Target = &targetReport{ID: id, Found: found, Index: index, Key: key}
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return printReport(out, rep)
}

func printReport(out io.Writer, rep report) error {
	fmt.Fprintf(out, "layout: %s, %d records, %d diagnostics\n", rep.Layout, len(rep.Records), len(rep.Diagnostics))
	for _, d := range rep.Diagnostics {
		fmt.Fprintf(out, "  ! %s\n", d)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tKEY\tSTATUS\tSENT AT\tSENDER\tBODY")
	for i, r := range rep.Records {
		status := string(r.Status)
		if status == "" {
			status = "confirmed"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i, reconcile.IdentityKey(r), status, r.SentAt, r.SenderID, r.Body)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if rep.Target != nil {
		if rep.Target.Found {
			fmt.Fprintf(out, "target %q -> index %d (%s)\n", rep.Target.ID, rep.Target.Index, rep.Target.Key)
		} else {
			fmt.Fprintf(out, "target %q not loaded; a room would request history\n", rep.Target.ID)
		}
	}
	return nil
}
