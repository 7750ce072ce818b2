// Package fileloader loads the configuration from an optional YAML file,
// ENRICH_ environment variables and command line flags, in increasing order
// of precedence, on top of the pipeline defaults.
package fileloader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ahrav/event-enricher/internal/config"
)

// EnvPrefix prefixes every environment variable, e.g. ENRICH_BATCH_SIZE.
const EnvPrefix = "ENRICH"

var _ config.Loader = (*FileLoader)(nil)

// FileLoader merges the configuration sources for one pipeline.
type FileLoader struct {
	pipeline config.Pipeline
	path     string
	flags    *pflag.FlagSet
}

// NewFileLoader creates a loader for pipeline. path may be empty; flags may
// be nil.
func NewFileLoader(pipeline config.Pipeline, path string, flags *pflag.FlagSet) *FileLoader {
	return &FileLoader{pipeline: pipeline, path: path, flags: flags}
}

// Load merges defaults, file, environment and flags, then validates.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	v := viper.New()
	for k, val := range config.Defaults(l.pipeline) {
		v.SetDefault(k, val)
	}

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if l.flags != nil {
		var bindErr error
		l.flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == FlagConfig || f.Name == FlagReset {
				return
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// The pipeline is fixed by the binary.
	cfg.Pipeline = l.pipeline

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
