package config

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Output formats for Write.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

const masked = "********"

// Redacted returns a copy with credentials masked.
func (c Config) Redacted() Config {
	if c.Store.Firebase.AuthToken != "" {
		c.Store.Firebase.AuthToken = masked
	}
	if c.Store.Redis.Password != "" {
		c.Store.Redis.Password = masked
	}
	return c
}

// Write prints the configuration in a format that Load reads back.
// Durations are written as strings such as "250ms".
func (c Config) Write(w io.Writer, format string) error {
	tree := plain(reflect.ValueOf(c), strings.ToLower(format))
	switch strings.ToLower(format) {
	case FormatYAML, "yml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(tree); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want yaml or toml)", format)
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// plain turns a settings struct into nested maps keyed by their file names.
func plain(v reflect.Value, format string) any {
	if v.Type() == durationType {
		return time.Duration(v.Int()).String()
	}
	if v.Kind() != reflect.Struct {
		return v.Interface()
	}
	tag := "yaml"
	if format == FormatTOML {
		tag = "toml"
	}
	out := make(map[string]any, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		name := f.Tag.Get(tag)
		if name == "" || name == "-" {
			continue
		}
		out[name] = plain(v.Field(i), format)
	}
	return out
}
