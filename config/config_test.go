package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperritano/Nutella/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func load(t *testing.T, lookup func(string) (string, bool), paths ...string) (*Config, error) {
	t.Helper()
	l := NewLoader()
	l.SetEnvLookup(lookup)
	for _, p := range paths {
		l.AddLayer(p)
	}
	l.EnableValidation(true)
	return l.Load()
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "nutella", cfg.Nutella.Root)
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind)
	assert.Equal(t, 10*time.Second, cfg.Engine.ReadyTimeout.Std())
	assert.Equal(t, IDGeneratorRandom, cfg.Engine.IDGenerator)
	assert.Equal(t, 1000, cfg.Engine.QueueSize)
	assert.Zero(t, cfg.Engine.RequestExpiry)

	err := cfg.Validate()
	assert.ErrorIs(t, err, errors.ErrNamespaceIncomplete, "defaults carry no app or run id")
	assert.True(t, errors.IsFatal(err))
}

func TestLoad_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "json",
			file: "nutella.json",
			content: `{
  "nutella": {"broker": "mqtt.local", "app_id": "crepe", "run_id": "default", "component_id": "lamp"},
  "transport": {"kind": "nats", "timeout": "2s"},
  "engine": {"ready_timeout": "3s", "queue_size": 50, "id_generator": "counter", "request_expiry": 60000000000},
  "log": {"level": "debug", "format": "json"}
}`,
		},
		{
			name: "yaml",
			file: "nutella.yaml",
			content: `nutella:
  broker: mqtt.local
  app_id: crepe
  run_id: default
  component_id: lamp
transport:
  kind: nats
  timeout: 2s
engine:
  ready_timeout: 3s
  queue_size: 50
  id_generator: counter
  request_expiry: 1m
log:
  level: debug
  format: json
`,
		},
		{
			name: "toml",
			file: "nutella.toml",
			content: `[nutella]
broker = "mqtt.local"
app_id = "crepe"
run_id = "default"
component_id = "lamp"

[transport]
kind = "nats"
timeout = "2s"

[engine]
ready_timeout = "3s"
queue_size = 50
id_generator = "counter"
request_expiry = "1m"

[log]
level = "debug"
format = "json"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := load(t, noEnv, writeFile(t, tt.file, tt.content))
			require.NoError(t, err)

			assert.Equal(t, "mqtt.local", cfg.Nutella.Broker)
			assert.Equal(t, "crepe", cfg.Nutella.AppID)
			assert.Equal(t, "default", cfg.Nutella.RunID)
			assert.Equal(t, "lamp", cfg.Nutella.ComponentID)
			assert.Equal(t, "nutella", cfg.Nutella.Root, "unset keys keep defaults")
			assert.Equal(t, TransportNATS, cfg.Transport.Kind)
			assert.Equal(t, 2*time.Second, cfg.Transport.Timeout.Std())
			assert.Equal(t, time.Second, cfg.Transport.ReconnectDelay.Std())
			assert.Equal(t, 3*time.Second, cfg.Engine.ReadyTimeout.Std())
			assert.Equal(t, 50, cfg.Engine.QueueSize)
			assert.Equal(t, IDGeneratorCounter, cfg.Engine.IDGenerator)
			assert.Equal(t, time.Minute, cfg.Engine.RequestExpiry.Std())
			assert.Equal(t, "debug", cfg.Log.Level)
			assert.Equal(t, "json", cfg.Log.Format)
		})
	}
}

func TestLoad_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", "nutella:\n  app_id: crepe\n  run_id: default\n")
	override := writeFile(t, "local.toml", "[nutella]\nrun_id = \"dev\"\n\n[metrics]\nenabled = true\nport = 9191\n")

	cfg, err := load(t, noEnv, base, override)
	require.NoError(t, err)
	assert.Equal(t, "crepe", cfg.Nutella.AppID)
	assert.Equal(t, "dev", cfg.Nutella.RunID)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "nutella.json", `{"nutella": {"app_id": "crepe", "run_id": "default"}}`)

	cfg, err := load(t, envMap(map[string]string{
		"NUTELLA_BROKER":        "broker.example",
		"NUTELLA_RUN_ID":        "run7",
		"NUTELLA_TRANSPORT":     "p2p",
		"NUTELLA_BOOTSTRAP":     "/ip4/10.0.0.1/tcp/4001/p2p/QmA, ,/ip4/10.0.0.2/tcp/4001/p2p/QmB",
		"NUTELLA_READY_TIMEOUT": "750ms",
		"NUTELLA_TAP_PORT":      "8099",
		"NUTELLA_LOG_LEVEL":     "warn",
		"NUTELLA_PASSWORD":      "hunter2",
	}), path)
	require.NoError(t, err)

	assert.Equal(t, "broker.example", cfg.Nutella.Broker)
	assert.Equal(t, "crepe", cfg.Nutella.AppID)
	assert.Equal(t, "run7", cfg.Nutella.RunID)
	assert.Equal(t, TransportP2P, cfg.Transport.Kind)
	assert.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001/p2p/QmA", "/ip4/10.0.0.2/tcp/4001/p2p/QmB"}, cfg.Transport.Bootstrap)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.ReadyTimeout.Std())
	assert.True(t, cfg.Tap.Enabled)
	assert.Equal(t, 8099, cfg.Tap.Port)
	assert.Equal(t, "warn", cfg.Log.Level)

	assert.NotContains(t, cfg.String(), "hunter2")
	assert.Equal(t, "hunter2", cfg.Transport.Password, "String does not mutate the config")
}

func TestLoad_EnvErrors(t *testing.T) {
	_, err := load(t, envMap(map[string]string{"NUTELLA_METRICS_PORT": "ninety"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = load(t, envMap(map[string]string{"NUTELLA_READY_TIMEOUT": "soon"}))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = load(t, envMap(map[string]string{"NUTELLA_APP_ID": "a\x00b"}))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoad_GeneratesComponentID(t *testing.T) {
	env := envMap(map[string]string{"NUTELLA_APP_ID": "crepe", "NUTELLA_RUN_ID": "default"})

	first, err := load(t, env)
	require.NoError(t, err)
	second, err := load(t, env)
	require.NoError(t, err)

	assert.Len(t, first.Nutella.ComponentID, 36)
	assert.NotEqual(t, first.Nutella.ComponentID, second.Nutella.ComponentID)
}

func TestLoad_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		want error
	}{
		{
			name: "unsupported extension",
			path: func(t *testing.T) string { return writeFile(t, "nutella.ini", "x=1") },
		},
		{
			name: "malformed json",
			path: func(t *testing.T) string { return writeFile(t, "nutella.json", `{"nutella": `) },
			want: errors.ErrParsingFailed,
		},
		{
			name: "unknown json field",
			path: func(t *testing.T) string { return writeFile(t, "nutella.json", `{"nats": {}}`) },
			want: errors.ErrParsingFailed,
		},
		{
			name: "unknown yaml field",
			path: func(t *testing.T) string { return writeFile(t, "nutella.yml", "nutella:\n  brokr: x\n") },
			want: errors.ErrParsingFailed,
		},
		{
			name: "unknown toml key",
			path: func(t *testing.T) string { return writeFile(t, "nutella.toml", "[engine]\nworkers = 4\n") },
			want: errors.ErrParsingFailed,
		},
		{
			name: "too deep",
			path: func(t *testing.T) string {
				return writeFile(t, "nutella.json", strings.Repeat("[", 40)+strings.Repeat("]", 40))
			},
			want: errors.ErrParsingFailed,
		},
		{
			name: "missing file",
			path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent.json") },
		},
		{
			name: "traversal",
			path: func(*testing.T) string { return "../../etc/nutella.json" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, noEnv, tt.path(t))
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestLoad_EmptyYAML(t *testing.T) {
	cfg, err := load(t, envMap(map[string]string{"NUTELLA_APP_ID": "a", "NUTELLA_RUN_ID": "r"}),
		writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Nutella.Broker)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Nutella.AppID = "crepe"
		cfg.Nutella.RunID = "default"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing run id", func(c *Config) { c.Nutella.RunID = "" }, errors.ErrNamespaceIncomplete},
		{"slash in app id", func(c *Config) { c.Nutella.AppID = "a/b" }, errors.ErrInvalidConfig},
		{"wildcard in run id", func(c *Config) { c.Nutella.RunID = "#" }, errors.ErrInvalidConfig},
		{"empty root", func(c *Config) { c.Nutella.Root = "" }, errors.ErrInvalidConfig},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "amqp" }, errors.ErrInvalidConfig},
		{"missing broker", func(c *Config) { c.Nutella.Broker = "" }, errors.ErrInvalidConfig},
		{"zero ready timeout", func(c *Config) { c.Engine.ReadyTimeout = 0 }, errors.ErrInvalidConfig},
		{"zero queue", func(c *Config) { c.Engine.QueueSize = 0 }, errors.ErrInvalidConfig},
		{"negative expiry", func(c *Config) { c.Engine.RequestExpiry = -1 }, errors.ErrInvalidConfig},
		{"unknown id generator", func(c *Config) { c.Engine.IDGenerator = "uuid" }, errors.ErrInvalidConfig},
		{"tls key without cert", func(c *Config) { c.Transport.TLSKey = "client.key" }, errors.ErrInvalidConfig},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 70000 }, errors.ErrInvalidConfig},
		{"port clash", func(c *Config) {
			c.Metrics.Enabled, c.Tap.Enabled = true, true
			c.Tap.Port = c.Metrics.Port
		}, errors.ErrInvalidConfig},
		{"log level", func(c *Config) { c.Log.Level = "trace" }, errors.ErrInvalidConfig},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsFatal(err))
		})
	}

	p2p := valid()
	p2p.Transport.Kind = TransportP2P
	p2p.Nutella.Broker = ""
	assert.NoError(t, p2p.Validate(), "p2p needs no broker")
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`1500`)))
	assert.Equal(t, 1500*time.Nanosecond, d.Std())

	require.NoError(t, d.UnmarshalText([]byte("250")))
	assert.Equal(t, 250*time.Nanosecond, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"later"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))

	text, err := Duration(2 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2s", string(text))
}
