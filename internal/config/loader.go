package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads a configuration file into a merged raw map. Files may pull in
// others with "$include"; included files are merged first so the including
// file wins. Environment variables are expanded in string values.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := &rawLoader{active: map[string]bool{}}
	return l.load(path)
}

type rawLoader struct {
	active map[string]bool
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[absPath] {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	l.active[absPath] = true
	defer delete(l.active, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRaw(data, filepath.Ext(absPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	expandEnv(raw)
	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		incRaw, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}
	return mergeMaps(merged, raw), nil
}

// parseRaw decodes YAML, or JSON5 for .json and .json5 files.
func parseRaw(data []byte, ext string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		if err := decoder.Decode(&raw); err != nil && err != io.EOF {
			return nil, err
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// expandEnv rewrites ${VAR} references in string values. Keys are left
// alone so "$include" survives.
func expandEnv(node any) any {
	switch typed := node.(type) {
	case map[string]any:
		for k, v := range typed {
			typed[k] = expandEnv(v)
		}
		return typed
	case []any:
		for i, v := range typed {
			typed[i] = expandEnv(v)
		}
		return typed
	case string:
		return os.ExpandEnv(typed)
	default:
		return node
	}
}

func takeIncludes(raw map[string]any) ([]string, error) {
	value, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	var paths []string
	switch typed := value.(type) {
	case string:
		paths = []string{typed}
	case []any:
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}

	out := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func mergeMaps(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig re-encodes the merged map and decodes it strictly, so
// unknown keys anywhere in the tree are errors.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
