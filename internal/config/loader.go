package config

import (
	"context"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so the mains do not care whether values came from a file,
// the environment or flags.
type Loader interface {
	// Load retrieves, merges and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}
