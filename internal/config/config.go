package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Filters  FilterConfig   `yaml:"filters" mapstructure:"filters"`
	Ledger   LedgerConfig   `yaml:"ledger" mapstructure:"ledger"`
	S3       S3Config       `yaml:"s3" mapstructure:"s3"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PipelineConfig holds the defaults used to build a fresh run configuration.
type PipelineConfig struct {
	InputFormat      string   `yaml:"input_format" mapstructure:"input_format"`
	OutputFormat     string   `yaml:"output_format" mapstructure:"output_format"`
	OutputSink       string   `yaml:"output_sink" mapstructure:"output_sink"`
	Stages           []string `yaml:"stages" mapstructure:"stages"`
	Reducer          string   `yaml:"reducer" mapstructure:"reducer"`
	Backend          string   `yaml:"backend" mapstructure:"backend"`
	Workers          int      `yaml:"workers" mapstructure:"workers"`
	LogEveryIter     int      `yaml:"log_every_iter" mapstructure:"log_every_iter"`
	FailedFilePolicy string   `yaml:"failed_file_policy" mapstructure:"failed_file_policy"`
}

// FilterConfig holds the options read by the built-in stages.
type FilterConfig struct {
	LangFilter       []string `yaml:"lang_filter" mapstructure:"lang_filter"`
	MinChars         int      `yaml:"min_chars" mapstructure:"min_chars"`
	MaxChars         int      `yaml:"max_chars" mapstructure:"max_chars"`
	MinSentenceWords int      `yaml:"min_sentence_words" mapstructure:"min_sentence_words"`
	MaxSentenceChars int      `yaml:"max_sentence_chars" mapstructure:"max_sentence_chars"`
	ProfanityWords   []string `yaml:"profanity_words" mapstructure:"profanity_words"`
	ErrorMarkers     []string `yaml:"error_markers" mapstructure:"error_markers"`
	URLFilterPath    string   `yaml:"url_filter_path" mapstructure:"url_filter_path"`
}

// LedgerConfig selects the completion ledger backend.
type LedgerConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// S3Config configures the S3-compatible output sink.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// DefaultStages is the stage order used when none is configured.
var DefaultStages = []string{
	"encoding_fixer",
	"pre_filterer",
	"language_filter",
	"sentence_splitter",
	"sentence_filter",
	"normalizer",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pipeline.input_format", "warc")
	v.SetDefault("pipeline.output_format", "onion")
	v.SetDefault("pipeline.output_sink", "fs")
	v.SetDefault("pipeline.stages", DefaultStages)
	v.SetDefault("pipeline.reducer", "dedup")
	v.SetDefault("pipeline.backend", "pool")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.log_every_iter", -1)
	v.SetDefault("pipeline.failed_file_policy", "retry")
	v.SetDefault("filters.min_chars", 50)
	v.SetDefault("filters.max_chars", 1_000_000)
	v.SetDefault("filters.min_sentence_words", 3)
	v.SetDefault("filters.max_sentence_chars", 1000)
	v.SetDefault("filters.error_markers", []string{
		"404. That’s an error.",
		"was not found on this server",
		"400. That’s an error.",
		"The document has moved here.",
		"You don't have permission to access",
		"The requested file could not be found.",
		"You do not have permission to access",
	})
	v.SetDefault("filters.url_filter_path", "")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.database_url", "")
	// Empty defaults register the keys so CORPUS_S3_* variables are picked up.
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_ssl", true)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger. Extra output paths (run log
// files) receive the same records as stderr.
func InitLogger(cfg LogConfig, outputPaths ...string) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)
	zapCfg.OutputPaths = append([]string{"stderr"}, outputPaths...)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
