// Package config loads chatstream settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
}

// ServerConfig configures `chatstream serve`.
type ServerConfig struct {
	Listen   string `toml:"listen"`
	Upstream string `toml:"upstream"`
	Model    string `toml:"model"`

	// DBPath is the transcript database; empty keeps transcripts in memory.
	DBPath string `toml:"db_path"`
}

// ClientConfig configures `chatstream chat`.
type ClientConfig struct {
	BaseURL string `toml:"base_url"`

	// Format is "terminal", "plain" or "html". Empty picks terminal on a TTY.
	Format string `toml:"format"`

	// HTMLPath is the file rewritten by the html format.
	HTMLPath string `toml:"html_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:   ":8080",
			Upstream: "http://localhost:11434",
			Model:    "llama3.2",
		},
		Client: ClientConfig{
			BaseURL:  "http://localhost:8080",
			HTMLPath: "chat.html",
		},
	}
}

// DefaultPath returns ~/.chatstream/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not resolve home directory: %w", err)
	}
	return filepath.Join(home, ".chatstream", "config.toml"), nil
}

// Load reads the file at path over the defaults. If path is empty the
// default path is used and a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		path = p
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("could not load config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	return cfg, nil
}
