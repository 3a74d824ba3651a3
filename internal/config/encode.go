package config

import (
	"encoding/json"
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	FormatTOML = "toml"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Encode renders the config in one of the supported formats.
func (c CoreConfig) Encode(format string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatTOML:
		return toml.Marshal(c)
	case FormatJSON:
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML, "yml":
		return yaml.Marshal(c)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}
