package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/aperritano/Nutella/errors"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader reading NUTELLA_* environment variables.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "NUTELLA",
		lookupEnv: os.LookupEnv,
	}
}

// Load reads a single file with validation enabled. An empty path loads the
// defaults and environment only.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	l.EnableValidation(true)
	return l.Load()
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvLookup replaces os.LookupEnv, mainly for tests.
func (l *Loader) SetEnvLookup(lookup func(string) (string, bool)) {
	if lookup != nil {
		l.lookupEnv = lookup
	}
}

// Load applies every layer over the defaults, then the environment, then
// fills in a component id and validates when enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		if err := decodeFile(path, cfg); err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "apply environment")
	}
	cfg.EnsureComponentID()

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// decodeFile decodes path onto cfg. Keys absent from the file keep their
// current values.
func decodeFile(path string, cfg *Config) error {
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := validateJSONDepth(data); err != nil {
			return fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && err != io.EOF {
			return fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("%w: %w", errors.ErrParsingFailed, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%w: unknown keys %v", errors.ErrParsingFailed, undecoded)
		}
	default:
		return fmt.Errorf("%w: unsupported config format %q", errors.ErrInvalidConfig, ext)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"BROKER":       &cfg.Nutella.Broker,
		"APP_ID":       &cfg.Nutella.AppID,
		"RUN_ID":       &cfg.Nutella.RunID,
		"COMPONENT_ID": &cfg.Nutella.ComponentID,
		"ROOT":         &cfg.Nutella.Root,
		"TRANSPORT":    &cfg.Transport.Kind,
		"USERNAME":     &cfg.Transport.Username,
		"PASSWORD":     &cfg.Transport.Password,
		"TOKEN":        &cfg.Transport.Token,
		"LOG_LEVEL":    &cfg.Log.Level,
		"LOG_FORMAT":   &cfg.Log.Format,
	}
	for suffix, dst := range strs {
		val, ok, err := l.env(suffix)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	if val, ok, err := l.env("BOOTSTRAP"); err != nil {
		return err
	} else if ok {
		cfg.Transport.Bootstrap = splitList(val)
	}

	if val, ok, err := l.env("READY_TIMEOUT"); err != nil {
		return err
	} else if ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: %s_READY_TIMEOUT: %w", errors.ErrInvalidConfig, l.envPrefix, err)
		}
		cfg.Engine.ReadyTimeout = Duration(d)
	}

	if err := l.envPort("METRICS_PORT", &cfg.Metrics.Port, &cfg.Metrics.Enabled); err != nil {
		return err
	}
	return l.envPort("TAP_PORT", &cfg.Tap.Port, &cfg.Tap.Enabled)
}

// envPort reads a port variable; setting one also enables its endpoint.
func (l *Loader) envPort(suffix string, port *int, enabled *bool) error {
	val, ok, err := l.env(suffix)
	if err != nil || !ok {
		return err
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%w: %s_%s: %w", errors.ErrInvalidConfig, l.envPrefix, suffix, err)
	}
	*port = n
	*enabled = true
	return nil
}

func (l *Loader) env(suffix string) (string, bool, error) {
	key := l.envPrefix + "_" + suffix
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false, fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err)
	}
	return strings.TrimSpace(val), true, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
