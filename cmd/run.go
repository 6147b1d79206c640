package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/config"
	"github.com/sells-group/orgsync/internal/model"
)

var (
	runStage     string
	runThreshold float64
	runDataMode  string
	runInput     string
	runResume    string
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run entity resolution over the current snapshot",
	Long:  "Loads the snapshot, diffs it against the baseline and resolves organisation names into stable groups. Use --stage to resume a run from a checkpointed stage.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts, err := runOptions(runStage, runThreshold, runDataMode, runResume)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, config.ModeRun, runInput)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.Run(ctx, opts)
		if err != nil {
			zap.L().Error("run failed", zap.Error(err))
			return err
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		formatReport(os.Stdout, report)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runStage, "stage", "", "first stage to execute (diff, canonicalize, identical, block, refine, merge, classify, finalize, persist)")
	runCmd.Flags().Float64Var(&runThreshold, "threshold", -1, "blocking cosine-distance threshold (default from config)")
	runCmd.Flags().StringVar(&runDataMode, "data-mode", "", "all or new (default from config)")
	runCmd.Flags().StringVar(&runInput, "input", "", "snapshot path or URL (default from config)")
	runCmd.Flags().StringVar(&runResume, "resume", "", "run ID whose checkpoints a later --stage reads (default latest run)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(runCmd)
}

// formatReport writes a run report summary to w.
func formatReport(out io.Writer, r *model.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	_, _ = fmt.Fprintf(w, "Records:\t%d (%d new)\n", r.Records, r.NewRecords)
	_, _ = fmt.Fprintf(w, "Canonical keys:\t%d\n", r.CanonicalKeys)
	_, _ = fmt.Fprintf(w, "Duplicate tuples:\t%d\n", r.DuplicateTuples)
	_, _ = fmt.Fprintf(w, "Identical groups:\t%d\n", r.IdenticalGroups)
	_, _ = fmt.Fprintf(w, "Candidate sets:\t%d (%d filtered)\n", r.CandidateSets, r.FilteredSets)
	if r.NoNewData {
		_, _ = fmt.Fprintln(w, "No new data:\tstopped after blocking")
		_ = w.Flush()
		return
	}
	_, _ = fmt.Fprintf(w, "Oracle calls:\t%d\n", r.OracleCalls)
	_, _ = fmt.Fprintf(w, "  Malformed:\t%d\n", r.OracleMalformed)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", r.OracleFailures)
	_, _ = fmt.Fprintf(w, "  Second pass:\t%d\n", r.SecondPass)
	_, _ = fmt.Fprintf(w, "  Low confidence:\t%d\n", r.LowConfidence)
	_, _ = fmt.Fprintf(w, "Resolved groups:\t%d\n", r.ResolvedGroups)
	_, _ = fmt.Fprintf(w, "Merged groups:\t%d\n", r.MergedGroups)
	_, _ = fmt.Fprintf(w, "Classified:\t%d (%d errors)\n", r.Classified, r.ClassifyErrors)
	_, _ = fmt.Fprintf(w, "Store:\t%d created, %d updated, %d unchanged, %d merged, %d skipped\n",
		r.GroupsCreated, r.GroupsUpdated, r.GroupsUnchanged, r.GroupsMerged, r.GroupsSkipped)
	if len(r.Failures) > 0 {
		_, _ = fmt.Fprintf(w, "Failures:\t%d (retry with `orgsync failures retry`)\n", len(r.Failures))
	}
	_ = w.Flush()
}
