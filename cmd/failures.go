package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/orgsync/internal/config"
	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/store"
)

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Inspect and retry candidate sets the oracle could not refine",
}

// -- failures list --

var failuresListCmd = &cobra.Command{
	Use:   "list",
	Short: "List oracle failures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeRead); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runID, _ := cmd.Flags().GetString("run")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		failures, err := st.ListFailures(ctx, store.FailureFilter{
			RunID:           runID,
			IncludeResolved: all,
			Limit:           limit,
		})
		if err != nil {
			return eris.Wrap(err, "failures list")
		}
		if len(failures) == 0 {
			fmt.Fprintln(os.Stderr, "No failures found.")
			return nil
		}

		formatFailuresList(os.Stdout, failures)
		return nil
	},
}

// -- failures retry --

var failuresRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run refinement for unresolved failures and merge the results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, config.ModeRetry, "")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Pipeline.RetryFailures(ctx)
		if err != nil {
			return err
		}
		if report == nil {
			fmt.Fprintln(os.Stderr, "Nothing to retry.")
			return nil
		}

		formatReport(os.Stdout, report)
		return nil
	},
}

func init() {
	failuresListCmd.Flags().String("run", "", "filter by run ID")
	failuresListCmd.Flags().Bool("all", false, "include resolved failures")
	failuresListCmd.Flags().Int("limit", 100, "max number of failures to display")

	failuresCmd.AddCommand(failuresListCmd)
	failuresCmd.AddCommand(failuresRetryCmd)
	rootCmd.AddCommand(failuresCmd)
}

// formatFailuresList writes a tabular list of failures to w.
func formatFailuresList(out io.Writer, failures []model.Failure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tRUN\tFOCAL\tCANDIDATES\tKIND\tATTEMPTS\tRESOLVED")
	_, _ = fmt.Fprintln(w, "--\t---\t-----\t----------\t----\t--------\t--------")

	for _, f := range failures {
		candidates := strings.Join(f.Set.Candidates, ", ")
		if len(candidates) > 40 {
			candidates = candidates[:37] + "..."
		}
		resolved := ""
		if f.ResolvedAt != nil {
			resolved = f.ResolvedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			f.ID,
			truncateID(f.RunID),
			f.Set.Focal,
			candidates,
			f.Kind,
			f.Attempts,
			resolved,
		)
	}
	_ = w.Flush()
}
