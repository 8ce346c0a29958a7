package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// WithFile overlays settings from a TOML file. Keys absent from the file keep
// their current values. A missing file is an error unless optional is set.
func WithFile(path string, optional bool) Option {
	return func(c *ServerConfig) error {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) && optional {
				return nil
			}
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("config path %s is a directory", path)
		}

		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
		}
		return nil
	}
}
