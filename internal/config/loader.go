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

// includeKey pulls other files into a config. Included files are merged
// first so the including file wins; tool server lists are merged by name
// rather than replaced, so servers can be split across files.
const includeKey = "$include"

// serverListPath is the dotted path of the tool server list.
const serverListPath = "mcp.servers"

// tree is one configuration as read from disk: the root file plus every
// file it includes.
type tree struct {
	raw   map[string]any
	files []string
}

// LoadRaw reads a configuration file into a merged raw map at the current
// version, resolving $include directives.
func LoadRaw(path string) (map[string]any, error) {
	t, err := readTree(path)
	if err != nil {
		return nil, err
	}
	return t.raw, nil
}

func readTree(path string) (*tree, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	r := &treeReader{}
	raw, err := r.read(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(raw); err != nil {
		return nil, err
	}
	return &tree{raw: raw, files: r.files}, nil
}

type treeReader struct {
	chain []string
	files []string
}

func (r *treeReader) read(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range r.chain {
		if p == absPath {
			return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(r.chain, absPath), " -> "))
		}
	}
	r.chain = append(r.chain, absPath)
	defer func() { r.chain = r.chain[:len(r.chain)-1] }()

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	r.files = append(r.files, absPath)

	raw, err := parseRawBytes([]byte(expandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		incRaw, err := r.read(inc)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw, "")
	}
	return mergeMaps(merged, raw, ""), nil
}

// expandEnv substitutes $VAR, ${VAR} and ${VAR:-fallback}. The $include
// key itself is left alone.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if key == strings.TrimPrefix(includeKey, "$") {
			return includeKey
		}
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasFallback {
			return v
		}
		return fallback
	})
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(pathHint)) {
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

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	var entries []any
	switch typed := val.(type) {
	case nil:
		return nil, nil
	case string:
		entries = []any{typed}
	case []any:
		entries = typed
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		p, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// mergeMaps overlays src onto dst. Nested maps merge key by key; the tool
// server list merges by server name; anything else is replaced.
func mergeMaps(dst, src map[string]any, prefix string) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, v, path)
				continue
			}
		case []any:
			if existing, ok := dst[key].([]any); ok && path == serverListPath {
				dst[key] = mergeServers(existing, v)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// mergeServers appends servers from src, replacing a dst entry that has
// the same name in place.
func mergeServers(dst, src []any) []any {
	out := append([]any(nil), dst...)
	index := make(map[string]int, len(out))
	for i, entry := range out {
		if name := serverName(entry); name != "" {
			index[name] = i
		}
	}
	for _, entry := range src {
		name := serverName(entry)
		if i, ok := index[name]; ok && name != "" {
			out[i] = entry
			continue
		}
		if name != "" {
			index[name] = len(out)
		}
		out = append(out, entry)
	}
	return out
}

func serverName(entry any) string {
	m, ok := entry.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := m["name"].(string)
	return name
}

func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
