package main

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/stage"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the registered cleaning stages",
	RunE: func(cmd *cobra.Command, _ []string) error {
		formatStages(cmd.OutOrStdout(), stage.Builtin(), cfg.Pipeline.Stages)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stagesCmd)
}

// formatStages lists every registered stage, marking the configured chain
// with its position.
func formatStages(out io.Writer, reg *stage.Registry, chain []string) {
	if len(chain) == 0 {
		chain = config.DefaultStages
	}
	for _, name := range reg.Names() {
		if i := slices.Index(chain, name); i >= 0 {
			_, _ = fmt.Fprintf(out, "%d. %s\n", i+1, name)
			continue
		}
		_, _ = fmt.Fprintf(out, "-  %s\n", name)
	}
}
