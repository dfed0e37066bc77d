package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperritano/Nutella/config"
	"github.com/aperritano/Nutella/envelope"
	"github.com/aperritano/Nutella/metric"
	"github.com/aperritano/Nutella/mqttclient"
	"github.com/aperritano/Nutella/natsclient"
	"github.com/aperritano/Nutella/p2pclient"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-subscribe", "a, b/#,,", "-echo", "ping", "-debug"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b/#"}, cfg.Subscribe)
	assert.Equal(t, []string{"ping"}, cfg.Echo)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, modeRun, cfg.Mode())
	require.NoError(t, validateFlags(cfg))

	cfg, err = parseFlags([]string{"-publish", "news", "-payload", `{"x":1}`})
	require.NoError(t, err)
	assert.Equal(t, modePublish, cfg.Mode())

	cfg, err = parseFlags([]string{"-request", "ping"})
	require.NoError(t, err)
	assert.Equal(t, modeRequest, cfg.Mode())
	assert.Equal(t, "{}", cfg.Payload)
}

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad level", []string{"-log-level", "trace"}},
		{"bad format", []string{"-log-format", "xml"}},
		{"publish and request", []string{"-publish", "a", "-request", "b"}},
		{"subscribe with publish", []string{"-publish", "a", "-subscribe", "b"}},
		{"zero timeout", []string{"-request", "a", "-request-timeout", "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := parseFlags(tt.args)
			require.NoError(t, err)
			assert.Error(t, validateFlags(cfg))
		})
	}
}

func TestNATSURL(t *testing.T) {
	assert.Equal(t, "nats://localhost:4222", natsURL("localhost"))
	assert.Equal(t, "nats://broker:4333", natsURL("broker:4333"))
	assert.Equal(t, "tls://broker:4222", natsURL("tls://broker:4222"))
}

func TestNewTransport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	tr, err := newTransport(cfg, metric.NewMetricsRegistry(), logger)
	require.NoError(t, err)
	assert.IsType(t, &mqttclient.Client{}, tr)

	cfg.Transport.Kind = config.TransportNATS
	cfg.Transport.Token = "secret"
	cfg.Transport.TLSCA = "ca.pem"
	tr, err = newTransport(cfg, nil, logger)
	require.NoError(t, err)
	require.IsType(t, &natsclient.Client{}, tr)
	assert.Equal(t, "nats://localhost:4222", tr.(*natsclient.Client).URL())

	cfg.Transport.Kind = config.TransportP2P
	cfg.Transport.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	tr, err = newTransport(cfg, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &p2pclient.Client{}, tr)

	cfg.Transport.Kind = "carrier-pigeon"
	_, err = newTransport(cfg, nil, logger)
	assert.Error(t, err)
}

func TestComponentHandler_EchoesRequests(t *testing.T) {
	var logs bytes.Buffer
	h := &componentHandler{logger: slog.New(slog.NewJSONHandler(&logs, nil))}
	from := envelope.NewSender("crepe", "default", "peer")

	answer := h.OnRequest("ping", json.RawMessage(`"hello"`), from)
	assert.Equal(t, json.RawMessage(`"hello"`), answer)

	h.OnMessage("echo_out", json.RawMessage(`{"x":1}`), from)
	assert.Contains(t, logs.String(), `"channel":"echo_out"`)
	assert.Contains(t, logs.String(), `"from_component":"peer"`)
}

func TestRun_VersionAndValidate(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), Version)

	path := filepath.Join(t.TempDir(), "component.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nutella:\n  app_id: crepe\n  run_id: default\n"), 0o600))

	stdout.Reset()
	require.NoError(t, run(context.Background(), []string{"-config", path, "-validate"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Configuration is valid")
}

func TestRun_PublishFailsWithoutBroker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "component.json")
	raw := `{"nutella":{"broker":"tcp://127.0.0.1:1","app_id":"crepe","run_id":"default"},
		"transport":{"timeout":"200ms"},"engine":{"ready_timeout":"100ms"}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	err := run(ctx, []string{"-config", path, "-publish", "news", "-payload", `{"x":1}`}, &stdout, &stderr)
	assert.Error(t, err)

	err = run(ctx, []string{"-config", path, "-publish", "news", "-payload", `{not json`}, &stdout, &stderr)
	assert.ErrorContains(t, err, "not valid JSON")
}
