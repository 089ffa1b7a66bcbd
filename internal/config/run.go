package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// Input formats.
const (
	InputWARC     = "warc"
	InputText     = "text"
	InputArtifact = "artifact"
)

// Failed-file policies. Under PolicyRetry a file that fails mid-extraction
// stays out of the ledger and is retried on resume; under PolicySkip it is
// marked done with whatever it produced before failing.
const (
	PolicyRetry = "retry"
	PolicySkip  = "skip"
)

// RunConfig is the snapshot of every parameter that produced an output
// directory. It is persisted on the first run and reloaded verbatim on resume.
type RunConfig struct {
	RunID     string    `yaml:"run_id" validate:"required"`
	Version   string    `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`

	InputPath   string   `yaml:"input_path" validate:"required"`
	OutputPath  string   `yaml:"output_path" validate:"required"`
	InputFormat string   `yaml:"input_format" validate:"oneof=warc text artifact"`
	Extensions  []string `yaml:"extensions,omitempty"`

	OutputFormat string   `yaml:"output_format" validate:"oneof=jsonl onion fairseq-lm"`
	OutputSink   string   `yaml:"output_sink" validate:"oneof=fs s3"`
	S3           S3Target `yaml:"s3,omitempty"`

	Stages  []string `yaml:"stages"`
	Reducer string   `yaml:"reducer" validate:"oneof=dedup passthrough"`

	Backend      string `yaml:"backend" validate:"oneof=sequential pool"`
	Workers      int    `yaml:"workers" validate:"min=1,max=512"`
	LogEveryIter int    `yaml:"log_every_iter"`

	OnlyReduce       bool   `yaml:"only_reduce"`
	Debug            bool   `yaml:"debug"`
	FailedFilePolicy string `yaml:"failed_file_policy" validate:"oneof=retry skip"`

	LangFilter       []string `yaml:"lang_filter,omitempty"`
	MinChars         int      `yaml:"min_chars" validate:"min=0"`
	MaxChars         int      `yaml:"max_chars" validate:"min=0"`
	MinSentenceWords int      `yaml:"min_sentence_words" validate:"min=0"`
	MaxSentenceChars int      `yaml:"max_sentence_chars" validate:"min=0"`
	ProfanityWords   []string `yaml:"profanity_words,omitempty"`
	ErrorMarkers     []string `yaml:"error_markers,omitempty"`
	URLFilterPath    string   `yaml:"url_filter_path,omitempty"`

	Ledger LedgerTarget `yaml:"ledger"`

	Done bool `yaml:"done"`
}

// S3Target is the non-secret part of the S3 sink configuration. Credentials
// stay in the environment and never reach the snapshot.
type S3Target struct {
	Endpoint string `yaml:"endpoint,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	UseSSL   bool   `yaml:"use_ssl,omitempty"`
}

// LedgerTarget is the non-secret part of the ledger configuration. The
// database URL carries credentials, so it is supplied on every open and never
// reaches the snapshot.
type LedgerTarget struct {
	Driver string `yaml:"driver"`
}

// NewRunConfig builds a fresh run configuration from the loaded defaults.
func (c *Config) NewRunConfig(inputPath, outputPath string) *RunConfig {
	stages := c.Pipeline.Stages
	if len(stages) == 0 {
		stages = DefaultStages
	}
	return &RunConfig{
		InputPath:        inputPath,
		OutputPath:       outputPath,
		InputFormat:      c.Pipeline.InputFormat,
		OutputFormat:     c.Pipeline.OutputFormat,
		OutputSink:       c.Pipeline.OutputSink,
		S3:               S3Target{Endpoint: c.S3.Endpoint, Bucket: c.S3.Bucket, Prefix: c.S3.Prefix, UseSSL: c.S3.UseSSL},
		Stages:           append([]string(nil), stages...),
		Reducer:          c.Pipeline.Reducer,
		Backend:          c.Pipeline.Backend,
		Workers:          c.Pipeline.Workers,
		LogEveryIter:     c.Pipeline.LogEveryIter,
		FailedFilePolicy: c.Pipeline.FailedFilePolicy,
		LangFilter:       c.Filters.LangFilter,
		MinChars:         c.Filters.MinChars,
		MaxChars:         c.Filters.MaxChars,
		MinSentenceWords: c.Filters.MinSentenceWords,
		MaxSentenceChars: c.Filters.MaxSentenceChars,
		ProfanityWords:   c.Filters.ProfanityWords,
		ErrorMarkers:     c.Filters.ErrorMarkers,
		URLFilterPath:    c.Filters.URLFilterPath,
		Ledger:           LedgerTarget{Driver: c.Ledger.Driver},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the run configuration and returns every problem found.
func (r *RunConfig) Validate() error {
	var problems []string

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrap(err, "config: validate run")
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
		}
	}

	if r.LogEveryIter != -1 && r.LogEveryIter < 1 {
		problems = append(problems, "log_every_iter must be -1 or >= 1")
	}
	if r.MaxChars > 0 && r.MinChars > r.MaxChars {
		problems = append(problems, "min_chars must not exceed max_chars")
	}
	if r.OutputSink == "s3" && r.S3.Bucket == "" {
		problems = append(problems, "s3.bucket is required for the s3 sink")
	}
	switch r.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("ledger.driver %q is not supported", r.Ledger.Driver))
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid run configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DefaultExtensions returns the file extensions enumerated for the input format.
func (r *RunConfig) DefaultExtensions() []string {
	if len(r.Extensions) > 0 {
		return r.Extensions
	}
	switch r.InputFormat {
	case InputWARC:
		return []string{".warc", ".warc.gz"}
	case InputArtifact:
		return []string{".jsonl"}
	default:
		return []string{".txt", ".txt.gz"}
	}
}

// BinaryInput reports whether input files are opened in binary mode.
func (r *RunConfig) BinaryInput() bool {
	return r.InputFormat == InputWARC
}
