package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits applied to configuration input.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 16
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

var supportedExts = map[string]struct{}{
	".json": {}, ".yaml": {}, ".yml": {}, ".toml": {},
}

func validateConfigPath(path string) error {
	switch {
	case path == "":
		return errors.New("config path is empty")
	case len(path) > maxPathLen:
		return fmt.Errorf("config path exceeds %d bytes", maxPathLen)
	}
	if strings.Contains(filepath.ToSlash(path), "../") || strings.HasSuffix(path, "..") {
		return fmt.Errorf("config path %q escapes its directory", path)
	}
	if _, ok := supportedExts[strings.ToLower(filepath.Ext(path))]; !ok {
		return fmt.Errorf("config %q: extension must be .json, .yaml, .yml or .toml", path)
	}
	return nil
}

// safeReadFile reads a regular file no larger than maxConfigSize.
func safeReadFile(path string) ([]byte, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config %q is not a regular file", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config %q is %d bytes, limit %d", path, info.Size(), maxConfigSize)
	}
	return os.ReadFile(path)
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%s exceeds %d bytes", key, maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%s contains a NUL byte", key)
	}
	return nil
}

// validateJSONDepth rejects documents nested deeper than maxJSONDepth
// before they reach the decoder.
func validateJSONDepth(data []byte) error {
	var depth int
	var inString, escaped bool
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			if depth++; depth > maxJSONDepth {
				return fmt.Errorf("JSON nested deeper than %d", maxJSONDepth)
			}
		case '}', ']':
			if depth--; depth < 0 {
				return errors.New("JSON has unbalanced brackets")
			}
		}
	}
	if depth != 0 {
		return errors.New("JSON has unclosed brackets")
	}
	return nil
}
