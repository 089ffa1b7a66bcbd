package main

import (
	"github.com/spf13/cobra"
)

var reduceCmd = &cobra.Command{
	Use:   "reduce",
	Short: "Re-run reduce and output over an earlier run's extraction",
	Long: `Reads the intermediate artifacts and ledger of --from without modifying
them, and writes a fresh reduced output into --output. Useful after a reduce
or output failure, or to produce another output format.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		from, _ := cmd.Flags().GetString("from")
		out, _ := cmd.Flags().GetString("output")

		fresh, err := buildRunConfig(cmd.Flags(), cfg, from, out)
		if err != nil {
			return err
		}
		fresh.OnlyReduce = true
		return execute(cmd, out, fresh)
	},
}

func init() {
	f := reduceCmd.Flags()
	f.String("from", "", "output directory of the extraction run to reduce")
	f.String("output", "", "output directory for this reduce run")
	_ = reduceCmd.MarkFlagRequired("from")
	_ = reduceCmd.MarkFlagRequired("output")
	addOutputFlags(f)
	rootCmd.AddCommand(reduceCmd)
}
