package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/qollective/errors"
)

const (
	maxConfigSize = 10 << 20 // 10MB
	maxJSONDepth  = 100
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

var allowedExtensions = map[string]bool{
	".json":  true,
	".json5": true,
	".yaml":  true,
	".yml":   true,
}

// validateConfigPath rejects paths that escape the working directory or are not config files.
func validateConfigPath(path string) error {
	const op = "config.validateConfigPath"
	if path == "" {
		return errors.New(errors.KindConfig, op, "empty config path")
	}
	if len(path) > maxPathLen {
		return errors.Newf(errors.KindConfig, op, "path too long: %d > %d", len(path), maxPathLen)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return &errors.Error{Kind: errors.KindConfig, Op: op, Message: "cannot resolve absolute path", Err: err}
	}

	if filepath.IsAbs(path) {
		if strings.Contains(filepath.ToSlash(absPath), "..") {
			return errors.Newf(errors.KindConfig, op, "path traversal not allowed: %s", path)
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return &errors.Error{Kind: errors.KindConfig, Op: op, Message: "cannot get working directory", Err: err}
		}
		rel, err := filepath.Rel(cwd, absPath)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return errors.Newf(errors.KindConfig, op, "path traversal not allowed: %s resolves outside working directory", path)
		}
	}

	if !allowedExtensions[strings.ToLower(filepath.Ext(path))] {
		return errors.Newf(errors.KindConfig, op, "only JSON or YAML config files allowed: %s", path)
	}
	return nil
}

func safeReadFile(path string) ([]byte, error) {
	const op = "config.safeReadFile"
	if err := validateConfigPath(path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Message: "cannot stat config file", Err: err}
	}
	if info.Size() > maxConfigSize {
		return nil, errors.Newf(errors.KindConfig, op, "config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Newf(errors.KindConfig, op, "not a regular file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: op, Message: "cannot read config file", Err: err}
	}
	return data, nil
}

// safeWriteFile writes owner read/write only.
func safeWriteFile(path string, data []byte) error {
	const op = "config.safeWriteFile"
	if err := validateConfigPath(path); err != nil {
		return err
	}
	if len(data) > maxConfigSize {
		return errors.Newf(errors.KindConfig, op, "config data too large: %d bytes > %d", len(data), maxConfigSize)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &errors.Error{Kind: errors.KindConfig, Op: op, Err: err}
	}
	return nil
}

func validateEnvVar(key, value string) error {
	if len(value) > maxEnvVarLen {
		return errors.Newf(errors.KindConfig, "config.validateEnvVar", "environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return errors.Newf(errors.KindConfig, "config.validateEnvVar", "null byte in environment variable %s", key)
	}
	return nil
}

// validateJSONDepth bounds nesting before the document reaches the decoder.
func validateJSONDepth(data []byte) error {
	const op = "config.validateJSONDepth"
	depth := 0
	inString := false
	escaped := false

	for _, b := range data {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return errors.Newf(errors.KindConfig, op, "JSON nesting too deep: %d > %d", depth, maxJSONDepth)
			}
		case '}', ']':
			depth--
			if depth < 0 {
				return errors.New(errors.KindConfig, op, "malformed JSON: unbalanced brackets")
			}
		}
	}

	if depth != 0 {
		return errors.Newf(errors.KindConfig, op, "malformed JSON: unclosed brackets (depth=%d)", depth)
	}
	return nil
}
