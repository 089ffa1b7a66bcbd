package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-cli/internal/checkpoint"
	"github.com/sells-group/corpus-cli/internal/cleaner"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a run without modifying it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, _ := cmd.Flags().GetString("output")

		st, err := cleaner.ReadStatus(cmd.Context(), out, checkpoint.WithDatabaseURL(cfg.Ledger.DatabaseURL))
		if err != nil {
			return err
		}
		formatStatus(cmd.OutOrStdout(), out, st)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("output", "", "output directory of the run")
	_ = statusCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(statusCmd)
}

// formatStatus writes a human-readable run summary to out.
func formatStatus(out io.Writer, dir string, st *cleaner.Status) {
	state := "running or interrupted"
	switch {
	case st.Done:
		state = "done"
	case len(st.Failures) > 0:
		state = "incomplete (failed files are retried on resume)"
	}
	mode := "extraction + reduce"
	if st.OnlyReduce {
		mode = "reduce only"
	}

	_, _ = fmt.Fprintf(out, "Output:   %s\n", dir)
	_, _ = fmt.Fprintf(out, "Run:      %s (created %s)\n", st.Config.RunID, st.Config.CreatedAt.Format("2006-01-02 15:04"))
	_, _ = fmt.Fprintf(out, "Mode:     %s\n", mode)
	_, _ = fmt.Fprintf(out, "State:    %s\n", state)
	_, _ = fmt.Fprintf(out, "Input:    %s (%s)\n", st.Config.InputPath, st.Config.InputFormat)
	_, _ = fmt.Fprintf(out, "Done:     %d files\n", st.DoneFiles)

	if len(st.Failures) == 0 {
		return
	}
	_, _ = fmt.Fprintf(out, "Failed:   %d files\n\n", len(st.Failures))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PATH\tFAILED\tERROR")
	for _, f := range st.Failures {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", f.Path, f.FailedAt.Format("2006-01-02 15:04:05"), truncate(f.Error, 80))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
