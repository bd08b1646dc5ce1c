package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/kenshin-ledger/internal/fetcher"
	"github.com/sells-group/kenshin-ledger/internal/ingest"
	"github.com/sells-group/kenshin-ledger/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <zip>...",
	Short: "Register checkup archives and process their documents",
	Long: "Inspects each ZIP archive, registers it and its DATA/*.xml members in the content ledger, " +
		"extracts, normalizes, and judges each new document, and records one event per document. " +
		"With --phase apply the archives' documents are only re-judged from stored values.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		phase, _ := cmd.Flags().GetString("phase")
		source, _ := cmd.Flags().GetString("source")
		refPath, _ := cmd.Flags().GetString("reference")
		workers, _ := cmd.Flags().GetInt("workers")
		reprocess, _ := cmd.Flags().GetBool("reprocess")

		if phase != string(model.RunPhaseImport) && phase != string(model.RunPhaseApply) {
			return eris.Errorf("ingest: --phase must be import or apply, got %q", phase)
		}

		e, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.pipeline(refPath, workers, reprocess)
		if err != nil {
			return err
		}

		archives := make([]model.ArchiveDescriptor, 0, len(args))
		for _, path := range args {
			d, err := fetcher.InspectZIP(path)
			if err != nil {
				return eris.Wrapf(err, "ingest: inspect %s", path)
			}
			archives = append(archives, *d)
		}

		in := ingest.RunInput{Source: source, Input: inputLabel(args)}
		var run *model.Run
		if phase == string(model.RunPhaseApply) {
			run, err = p.Rejudge(ctx, in, memberHashes(archives))
		} else {
			run, err = p.Run(ctx, in, archives)
		}
		if run != nil {
			formatRunSummary(os.Stdout, run)
		}
		if err != nil {
			zap.L().Error("ingest failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("phase", string(model.RunPhaseImport), "run phase: import or apply")
	ingestCmd.Flags().String("source", "cli", "source label recorded on the run")
	ingestCmd.Flags().String("reference", "", "reference snapshot file (default from config)")
	ingestCmd.Flags().Int("workers", 0, "parallel workers (default from config)")
	ingestCmd.Flags().Bool("reprocess", false, "re-extract documents that were already processed")
	rootCmd.AddCommand(ingestCmd)
}

// inputLabel names the run's input: the archive base names, comma separated.
func inputLabel(paths []string) string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return strings.Join(names, ",")
}

// memberHashes returns the distinct XML hashes across archives, in order.
func memberHashes(archives []model.ArchiveDescriptor) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range archives {
		for _, m := range a.Members {
			if m.Hash == "" || seen[m.Hash] {
				continue
			}
			seen[m.Hash] = true
			out = append(out, m.Hash)
		}
	}
	return out
}

// formatRunSummary writes a run's status and counters to w.
func formatRunSummary(out io.Writer, r *model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	_, _ = fmt.Fprintf(w, "Phase:\t%s\n", r.Phase)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	for _, c := range model.Counters {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", strings.ToUpper(string(c[:1]))+string(c[1:]), r.Counters.Get(c))
	}
	_ = w.Flush()
}
