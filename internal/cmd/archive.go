package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ckptctl/internal/observability"
	"github.com/3leaps/ckptctl/pkg/checkpoint"
)

var (
	archiveListJSON     bool
	archiveListNoLedger bool
	archiveRestoreGen   int
	archiveRestoreJSON  bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and restore archived checkpoint generations",
	Long: `Archive works with destinations written by the checkpoint archiver.

Each archive pass that copies new content creates a generation directory
gen-<NNNNNN>-<UTC timestamp>/ at the destination. Restoring a generation
rebuilds the checkpoint set as of that pass: for every artifact name, the
newest copy at or before it.`,
}

var archiveListCmd = &cobra.Command{
	Use:   "list <destination>",
	Short: "List generations at an archive destination",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveList,
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore <destination> <dir>",
	Short: "Restore a generation into a checkpoint directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runArchiveRestore,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)

	archiveListCmd.Flags().BoolVar(&archiveListJSON, "json", false, "Output as JSON")
	archiveListCmd.Flags().BoolVar(&archiveListNoLedger, "no-ledger", false, "Do not annotate generations from the local ledger")
	archiveRestoreCmd.Flags().IntVar(&archiveRestoreGen, "generation", 0, "Generation to restore (0 = latest)")
	archiveRestoreCmd.Flags().BoolVar(&archiveRestoreJSON, "json", false, "Output as JSON")
}

type archiveGeneration struct {
	Number    int       `json:"generation"`
	Dir       string    `json:"dir"`
	CreatedAt time.Time `json:"created_at"`
	Artifacts []string  `json:"artifacts"`
	Bytes     int64     `json:"bytes"`
	JobID     string    `json:"job_id,omitempty"`
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	dest, sink, err := openSink(ctx, cfg, args[0], false)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive destination", err)
	}
	gens, err := checkpoint.ListGenerations(ctx, sink)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list generations", err)
	}

	// The ledger knows which job wrote each generation; the sink does not.
	jobs := map[int]string{}
	if !archiveListNoLedger {
		if led, err := openLedger(ctx, cfg); err == nil {
			if recorded, err := led.Generations(ctx, dest.String()); err == nil {
				for _, g := range recorded {
					jobs[g.Number] = g.JobID
				}
			}
			_ = led.Close()
		} else {
			observability.CLILogger.Debug("ledger unavailable", zap.Error(err))
		}
	}

	out := make([]archiveGeneration, 0, len(gens))
	for _, g := range gens {
		out = append(out, archiveGeneration{
			Number:    g.Number,
			Dir:       g.Dir,
			CreatedAt: g.CreatedAt,
			Artifacts: g.Names,
			Bytes:     g.Bytes,
			JobID:     jobs[g.Number],
		})
	}

	if archiveListJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(out) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No generations found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "GEN\tCREATED\tARTIFACTS\tBYTES\tJOB ID\tDIR")
	for _, g := range out {
		job := g.JobID
		if job == "" {
			job = "-"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			g.Number,
			g.CreatedAt.UTC().Format(time.RFC3339),
			len(g.Artifacts),
			g.Bytes,
			shortJobID(job),
			g.Dir,
		)
	}
	return nil
}

func runArchiveRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	_, sink, err := openSink(ctx, cfg, args[0], false)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive destination", err)
	}
	dir, err := filepath.Abs(args[1])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid directory", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create directory", err)
	}

	res, err := checkpoint.Restore(ctx, sink, archiveRestoreGen, dir)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to restore generation", err)
	}

	if archiveRestoreJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, _ = fmt.Fprintf(os.Stdout, "generation=%d\n", res.Generation)
	_, _ = fmt.Fprintf(os.Stdout, "dir=%s\n", res.Dir)
	_, _ = fmt.Fprintf(os.Stdout, "files=%d\n", res.Files)
	_, _ = fmt.Fprintf(os.Stdout, "bytes=%d\n", res.Bytes)
	return nil
}
