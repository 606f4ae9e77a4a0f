package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json/.jsonc (comments and trailing commas allowed),
// .toml. Fields absent from the file keep their zero value; callers layer
// Defaults underneath with Merge. Unreadable or malformed files are
// reported as ConfigError.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fileError(path, "empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fileError(path, err.Error())
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(b), &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fileError(path, fmt.Sprintf("unsupported config extension %q", ext))
	}
	if err != nil {
		return cfg, fileError(path, err.Error())
	}
	return cfg, nil
}

func fileError(path, msg string) error {
	return &ConfigError{Field: "config_file", Msg: strings.TrimSpace(path + ": " + msg)}
}
