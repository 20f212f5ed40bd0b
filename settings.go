package testproxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Environment variables read by Settings.ApplyEnv.
const (
	EnvUseProxy      = "USE_PROXY"
	EnvHost          = "PROXY_HOST"
	EnvPort          = "PROXY_PORT"
	EnvMode          = "PROXY_MODE"
	EnvRecordingFile = "PROXY_RECORDING_FILE"
)

// Settings is the application-level proxy configuration. It is read once at
// startup; when Enabled is false no session is started and the application
// keeps its default transport.
type Settings struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port,omitempty"`
	Mode          string `yaml:"mode"`
	RecordingFile string `yaml:"recording_file"`
}

// DefaultSettings returns the settings of a proxy listening on its default
// address, recording to recordings/<name>.yml.
func DefaultSettings(name string) Settings {
	return Settings{
		Host:          "localhost",
		Port:          5001,
		Mode:          Record.String(),
		RecordingFile: filepath.Join("recordings", name+".yml"),
	}
}

// LoadSettingsFile reads YAML settings from path on top of base. Keys that
// are absent from the file keep their value from base.
func LoadSettingsFile(path string, base Settings) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := base
	if err := yaml.UnmarshalStrict(b, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %v", path, err)
	}
	return s, nil
}

// ApplyEnv overrides s with the environment variables that are set.
// lookup is usually os.LookupEnv.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvUseProxy); ok {
		s.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v, ok := lookup(EnvHost); ok && v != "" {
		s.Host = v
	}
	if v, ok := lookup(EnvPort); ok {
		if v == "" {
			s.Port = 0
		} else {
			port, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %v", EnvPort, err)
			}
			s.Port = port
		}
	}
	if v, ok := lookup(EnvMode); ok && v != "" {
		s.Mode = v
	}
	if v, ok := lookup(EnvRecordingFile); ok && v != "" {
		s.RecordingFile = v
	}
	return nil
}

// Config converts s into a validated session Config.
func (s Settings) Config() (Config, error) {
	mode, err := ParseMode(s.Mode)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Host: s.Host, Port: s.Port, Mode: mode}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv sets environment variables from a .env style file. Every line
// holding exactly two space separated fields, a name and a value, is
// applied; other lines are skipped. Tabs are not separators. A missing file
// is not an error.
func LoadDotEnv(path string) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n") {
		var fields []string
		for _, f := range strings.Split(line, " ") {
			if f != "" {
				fields = append(fields, f)
			}
		}
		if len(fields) != 2 {
			continue
		}
		if err := os.Setenv(fields[0], fields[1]); err != nil {
			return err
		}
	}
	return nil
}
