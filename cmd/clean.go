package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/corpus-cli/internal/checkpoint"
	"github.com/sells-group/corpus-cli/internal/cleaner"
	"github.com/sells-group/corpus-cli/internal/config"
	"github.com/sells-group/corpus-cli/internal/reduce"
	"github.com/sells-group/corpus-cli/internal/stage"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean an input tree into a corpus",
	Long: `Runs extraction, reduce and output over --input into --output.

If --output already holds an unfinished run, it is resumed when the supplied
flags match the stored configuration; any difference is an error.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		in, _ := cmd.Flags().GetString("input")
		out, _ := cmd.Flags().GetString("output")

		fresh, err := buildRunConfig(cmd.Flags(), cfg, in, out)
		if err != nil {
			return err
		}
		return execute(cmd, out, fresh)
	},
}

func init() {
	f := cleanCmd.Flags()
	f.String("input", "", "input directory")
	f.String("output", "", "output directory")
	_ = cleanCmd.MarkFlagRequired("input")
	_ = cleanCmd.MarkFlagRequired("output")

	f.String("input-format", "", "input format: warc, text or artifact")
	f.StringSlice("extensions", nil, "input file extensions (default depends on the input format)")
	addOutputFlags(f)
	f.StringSlice("stages", nil, "ordered stage names (see `corpus-cli stages`)")
	f.String("backend", "", "worker backend: sequential or pool")
	f.Int("workers", 0, "number of workers")
	f.Int("log-every", 0, "log progress every N completed files (-1 disables)")
	f.Bool("debug", false, "keep original content and the operations applied to each document")
	f.String("failed-file-policy", "", "what to do with files that fail mid-extraction: retry or skip")
	f.StringSlice("lang", nil, "languages to keep (ISO 639-1)")
	f.Int("min-chars", 0, "drop documents shorter than this")
	f.Int("max-chars", 0, "drop documents longer than this")
	f.Int("min-sentence-words", 0, "drop sentences with fewer words")
	f.Int("max-sentence-chars", 0, "drop sentences with more characters")
	f.String("url-filter", "", "file of allowed URL prefixes, one per line")

	rootCmd.AddCommand(cleanCmd)
}

func addOutputFlags(f *pflag.FlagSet) {
	f.String("output-format", "", "output format: jsonl, onion or fairseq-lm")
	f.String("sink", "", "output sink: fs or s3")
	f.String("reducer", "", "reducer: dedup or passthrough (passthrough by default with --debug)")
}

// buildRunConfig merges explicitly set flags over the configured defaults.
func buildRunConfig(f *pflag.FlagSet, c *config.Config, in, out string) (*config.RunConfig, error) {
	rc := c.NewRunConfig(in, out)
	rc.Version = version

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	list := func(name string, dst *[]string) {
		if f.Changed(name) {
			*dst, _ = f.GetStringSlice(name)
		}
	}

	str("input-format", &rc.InputFormat)
	list("extensions", &rc.Extensions)
	str("output-format", &rc.OutputFormat)
	str("sink", &rc.OutputSink)
	list("stages", &rc.Stages)
	str("reducer", &rc.Reducer)
	str("backend", &rc.Backend)
	num("workers", &rc.Workers)
	num("log-every", &rc.LogEveryIter)
	str("failed-file-policy", &rc.FailedFilePolicy)
	list("lang", &rc.LangFilter)
	num("min-chars", &rc.MinChars)
	num("max-chars", &rc.MaxChars)
	num("min-sentence-words", &rc.MinSentenceWords)
	num("max-sentence-chars", &rc.MaxSentenceChars)
	str("url-filter", &rc.URLFilterPath)

	if f.Lookup("debug") != nil {
		rc.Debug, _ = f.GetBool("debug")
	}
	if rc.Debug && !f.Changed("reducer") {
		rc.Reducer = reduce.Passthrough
	}

	if err := stage.Builtin().Validate(rc.Stages); err != nil {
		return nil, err
	}
	return rc, nil
}

// execute opens (or resumes) the run at out and drives it to completion.
func execute(cmd *cobra.Command, out string, fresh *config.RunConfig) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	cp, err := checkpoint.Open(ctx, out, fresh, checkpoint.WithDatabaseURL(cfg.Ledger.DatabaseURL))
	if err != nil {
		return err
	}
	defer cp.Close() //nolint:errcheck

	res, err := cleaner.New(cleaner.Options{
		Registry: stage.Builtin(),
		Log:      &cfg.Log,
		S3:       cfg.S3,
	}).Run(ctx, cp)
	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "Interrupted. Completed files are kept; run `corpus-cli resume --output %s` to continue.\n", out)
		}
		return err
	}
	return nil
}

func printResult(w io.Writer, res *cleaner.Result) {
	if res.AlreadyDone {
		_, _ = fmt.Fprintf(w, "Run %s in %s is already done.\n", res.RunID, res.Output)
		return
	}
	_, _ = fmt.Fprintf(w, "Run:        %s (resumed: %t)\n", res.RunID, res.Resumed)
	_, _ = fmt.Fprintf(w, "Output:     %s\n", res.Output)
	_, _ = fmt.Fprintf(w, "Files:      %d done, %d failed, %s read\n",
		res.Extraction.Files, res.Extraction.FailedFiles, humanize.Bytes(uint64(res.Extraction.Bytes)))
	_, _ = fmt.Fprintf(w, "Documents:  %s kept, %s dropped\n",
		humanize.Comma(int64(res.Extraction.DocsKept)), humanize.Comma(int64(res.Extraction.DocsDropped)))
	if len(res.Extraction.DroppedByStage) > 0 || res.Extraction.StageErrors > 0 {
		_, _ = fmt.Fprintf(w, "Drops:      %s\n", formatDrops(res.Extraction.DroppedByStage, res.Extraction.StageErrors))
	}
	_, _ = fmt.Fprintf(w, "Reduce:     %s in, %s out, %s duplicates\n",
		humanize.Comma(int64(res.Reduce.In)), humanize.Comma(int64(res.Reduce.Out)), humanize.Comma(int64(res.Reduce.Duplicates)))
	if res.Duration > 0 {
		_, _ = fmt.Fprintf(w, "Duration:   %s\n", res.Duration.Round(time.Millisecond))
	}
}

// formatDrops renders per-stage drop counts in stage name order.
func formatDrops(byStage map[string]int, stageErrors int) string {
	names := make([]string, 0, len(byStage))
	for name := range byStage {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names)+1)
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %s", name, humanize.Comma(int64(byStage[name]))))
	}
	if stageErrors > 0 {
		parts = append(parts, fmt.Sprintf("errors %s", humanize.Comma(int64(stageErrors))))
	}
	return strings.Join(parts, ", ")
}
