package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kenshin-ledger/internal/ingest"
)

var judgeCmd = &cobra.Command{
	Use:   "judge [xml-hash]...",
	Short: "Re-judge stored documents against the current reference snapshot",
	Long:  "Starts an apply run that re-normalizes and re-judges the stored values of the given documents, or of every processed document with --all. Nothing is re-extracted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			return eris.New("judge: pass xml hashes or --all, not both")
		}
		refPath, _ := cmd.Flags().GetString("reference")
		workers, _ := cmd.Flags().GetInt("workers")
		source, _ := cmd.Flags().GetString("source")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx, "judge")
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.pipeline(refPath, workers, false)
		if err != nil {
			return err
		}

		input := "all"
		if !all {
			input = inputLabel(args)
		}
		run, err := p.Rejudge(ctx, ingest.RunInput{Source: source, Input: input}, args)
		if run != nil {
			formatRunSummary(os.Stdout, run)
		}
		return err
	},
}

func init() {
	judgeCmd.Flags().Bool("all", false, "re-judge every processed document")
	judgeCmd.Flags().String("reference", "", "reference snapshot file (default from config)")
	judgeCmd.Flags().Int("workers", 0, "parallel workers (default from config)")
	judgeCmd.Flags().String("source", "cli", "source label recorded on the run")
	rootCmd.AddCommand(judgeCmd)
}
