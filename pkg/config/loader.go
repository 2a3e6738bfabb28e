package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kkyr/fig"
)

const (
	EnvPrefix = "OPENRAG"
	FileName  = "config.yaml"
)

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom path to the configuration file.
// Reads and puts environment variables with the prefix OPENRAG_.
// Params from the config should be in uppercase separated with _.
// A missing file is not an error: env variables and the struct's
// current values are used instead.
func LoadConfig(config any, path string) error {
	name, dirs := FileName, []string{".", "configs"}
	if path != "" {
		name, dirs = filepath.Base(path), []string{filepath.Dir(path)}
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".openrag"))
	}
	err := fig.Load(config, fig.File(name), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
	if errors.Is(err, fig.ErrFileNotFound) && path == "" {
		return LoadConfigEnv(config)
	}
	return err
}

// LoadConfigEnv loads only environment variables into config.
func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}
