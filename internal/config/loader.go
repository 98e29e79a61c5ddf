package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".scanforge"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for scanforge settings.
const envPrefix = "SCANFORGE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("core.redis.addr", "")
	viperCfg.SetDefault("core.redis.db", 0)

	viperCfg.SetDefault("core.dispatcher.timeout", DefaultDispatcherTimeout)
	viperCfg.SetDefault("core.dispatcher.stages", DefaultStages)
	viperCfg.SetDefault("core.dispatcher.submission_workers", DefaultSubmissionWorkers)
	viperCfg.SetDefault("core.dispatcher.file_workers", DefaultFileWorkers)

	viperCfg.SetDefault("submission.max_extraction_depth", DefaultMaxExtractionDepth)

	viperCfg.SetDefault("catalog.path", "")
	viperCfg.SetDefault("catalog.refresh", DefaultCatalogRefresh)

	viperCfg.SetDefault("classification.levels", []string{})

	viperCfg.SetDefault("metrics.addr", DefaultMetricsAddr)
}
