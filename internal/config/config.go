// Package config defines the scanforge configuration tree and its loader.
package config

import (
	"errors"
	"time"
)

// Config is the top-level configuration struct for scanforge.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Core           CoreConfig           `mapstructure:"core"`
	Submission     SubmissionConfig     `mapstructure:"submission"`
	Catalog        CatalogConfig        `mapstructure:"catalog"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

// CoreConfig holds the shared infrastructure settings.
type CoreConfig struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
}

// RedisConfig points at the shared in-memory store. An empty address runs
// the process on the embedded store instead, which only makes sense for a
// single-node deployment or tests.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// DispatcherConfig holds the dispatching core knobs.
type DispatcherConfig struct {
	// Timeout is the submission watchdog window.
	Timeout time.Duration `mapstructure:"timeout"`

	// Stages is the ordered list of pipeline stage names.
	Stages []string `mapstructure:"stages"`

	// SubmissionWorkers and FileWorkers size the two dispatch loops.
	SubmissionWorkers int `mapstructure:"submission_workers"`
	FileWorkers       int `mapstructure:"file_workers"`
}

// SubmissionConfig holds submission processing limits.
type SubmissionConfig struct {
	MaxExtractionDepth int `mapstructure:"max_extraction_depth"`
}

// CatalogConfig locates the service catalog.
type CatalogConfig struct {
	// Path is a YAML or JSON catalog file. Required until a live catalog
	// source is wired in.
	Path string `mapstructure:"path"`

	// Refresh bounds how stale the catalog snapshot may get.
	Refresh time.Duration `mapstructure:"refresh"`
}

// ClassificationConfig holds the ordered classification levels, least
// restrictive first. Empty uses the built-in default ordering.
type ClassificationConfig struct {
	Levels []string `mapstructure:"levels"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default configuration values.
const (
	DefaultDispatcherTimeout  = 5 * time.Minute
	DefaultSubmissionWorkers  = 1
	DefaultFileWorkers        = 4
	DefaultMaxExtractionDepth = 6
	DefaultCatalogRefresh     = 5 * time.Minute
	DefaultMetricsAddr        = ":9100"
)

// DefaultStages is the built-in pipeline stage ordering.
var DefaultStages = []string{"setup", "filter", "extract", "core", "post", "teardown"}

// Sentinel errors for configuration validation.
var (
	// ErrInvalidTimeout indicates the dispatcher timeout is not positive.
	ErrInvalidTimeout = errors.New("core.dispatcher.timeout must be positive")
	// ErrNoStages indicates the stage list is empty.
	ErrNoStages = errors.New("core.dispatcher.stages must not be empty")
	// ErrDuplicateStage indicates a stage name appears twice.
	ErrDuplicateStage = errors.New("core.dispatcher.stages must be unique")
	// ErrInvalidSubmissionWorkers indicates the submission worker count is not positive.
	ErrInvalidSubmissionWorkers = errors.New("core.dispatcher.submission_workers must be positive")
	// ErrInvalidFileWorkers indicates the file worker count is not positive.
	ErrInvalidFileWorkers = errors.New("core.dispatcher.file_workers must be positive")
	// ErrInvalidMaxDepth indicates the extraction depth limit is not positive.
	ErrInvalidMaxDepth = errors.New("submission.max_extraction_depth must be positive")
	// ErrInvalidRefresh indicates the catalog refresh window is negative.
	ErrInvalidRefresh = errors.New("catalog.refresh must be non-negative")
)

// Validate checks Config invariants and returns the first error found.
func (c *Config) Validate() error {
	if c.Core.Dispatcher.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if len(c.Core.Dispatcher.Stages) == 0 {
		return ErrNoStages
	}

	seen := make(map[string]struct{}, len(c.Core.Dispatcher.Stages))
	for _, stage := range c.Core.Dispatcher.Stages {
		if _, dup := seen[stage]; dup {
			return ErrDuplicateStage
		}

		seen[stage] = struct{}{}
	}

	if c.Core.Dispatcher.SubmissionWorkers <= 0 {
		return ErrInvalidSubmissionWorkers
	}

	if c.Core.Dispatcher.FileWorkers <= 0 {
		return ErrInvalidFileWorkers
	}

	if c.Submission.MaxExtractionDepth <= 0 {
		return ErrInvalidMaxDepth
	}

	if c.Catalog.Refresh < 0 {
		return ErrInvalidRefresh
	}

	return nil
}
