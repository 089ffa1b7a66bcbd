package main

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run with its stored configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, _ := cmd.Flags().GetString("output")
		return execute(cmd, out, nil)
	},
}

func init() {
	resumeCmd.Flags().String("output", "", "output directory of the run to resume")
	_ = resumeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(resumeCmd)
}
