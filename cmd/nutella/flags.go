package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration

	Subscribe []string
	Echo      []string

	PublishChannel string
	RequestChannel string
	Payload        string
	RequestTimeout time.Duration

	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

// Mode returns what the invocation does.
func (c *CLIConfig) Mode() string {
	switch {
	case c.PublishChannel != "":
		return modePublish
	case c.RequestChannel != "":
		return modeRequest
	default:
		return modeRun
	}
}

const (
	modeRun     = "run"
	modePublish = "publish"
	modeRequest = "request"
)

func parseFlags(args []string) (*CLIConfig, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cfg := &CLIConfig{}
	var subscribe, echo string

	// Define flags with environment variable fallback
	fs.StringVar(&cfg.ConfigPath, "config", getEnv("NUTELLA_CONFIG", ""),
		"Path to a .json, .yaml or .toml configuration file (env: NUTELLA_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("NUTELLA_CONFIG", ""),
		"Path to configuration file (env: NUTELLA_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("NUTELLA_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides the config file (env: NUTELLA_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("NUTELLA_LOG_FORMAT", ""),
		"Log format: json, text; overrides the config file (env: NUTELLA_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug", getEnvBool("NUTELLA_DEBUG", false),
		"Enable debug logging (env: NUTELLA_DEBUG)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("NUTELLA_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: NUTELLA_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&subscribe, "subscribe", getEnv("NUTELLA_SUBSCRIBE", ""),
		"Comma-separated channels whose messages are logged (env: NUTELLA_SUBSCRIBE)")
	fs.StringVar(&echo, "echo", getEnv("NUTELLA_ECHO", ""),
		"Comma-separated channels answered by echoing the request payload (env: NUTELLA_ECHO)")

	fs.StringVar(&cfg.PublishChannel, "publish", "", "Publish -payload on this channel and exit")
	fs.StringVar(&cfg.RequestChannel, "request", "", "Send -payload as a request on this channel, print the response and exit")
	fs.StringVar(&cfg.Payload, "payload", "{}", "JSON payload for -publish and -request")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "How long -request waits for a response")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ShowHelp {
		fs.Usage()
	}
	cfg.Subscribe = splitList(subscribe)
	cfg.Echo = splitList(echo)

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.PublishChannel != "" && cfg.RequestChannel != "" {
		return fmt.Errorf("-publish and -request are mutually exclusive")
	}
	if cfg.Mode() != modeRun && (len(cfg.Subscribe) > 0 || len(cfg.Echo) > 0) {
		return fmt.Errorf("-subscribe and -echo only apply when running as a component")
	}
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request timeout: %s", cfg.RequestTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Nutella component runner

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Log every message on a channel subtree
  %[1]s --config=component.yaml --subscribe='sensors/#'

  # Answer requests on "ping" with their own payload
  %[1]s --config=component.yaml --echo=ping

  # One-shot publish and request
  %[1]s --config=component.yaml --publish=echo_in --payload='{"x":1}'
  %[1]s --config=component.yaml --request=ping --payload='"hello"'

  # Run with environment variables only
  export NUTELLA_BROKER=broker.local NUTELLA_APP_ID=crepe NUTELLA_RUN_ID=default
  %[1]s --subscribe=echo_out

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
