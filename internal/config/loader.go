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

// Include directives: "$include" is canonical, bare "include" is
// accepted for hand-written files.
var includeKeys = []string{"$include", "include"}

// loader resolves one configuration tree. active tracks the absolute
// paths on the current include chain so a self-referencing file fails
// instead of recursing forever.
type loader struct {
	active map[string]bool
}

// LoadRaw reads the file at path and every file it includes into one
// merged map. Included files apply first in listed order; the
// including file overrides them key by key, with nested maps merged
// recursively. ${VAR} references expand before parsing.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	l := loader{active: make(map[string]bool)}
	return l.resolve(path)
}

func (l loader) resolve(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	doc, err := readDocument(abs)
	if err != nil {
		return nil, err
	}
	includes, err := takeIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := make(map[string]any)
	dir := filepath.Dir(abs)
	for _, inc := range includes {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		sub, err := l.resolve(inc)
		if err != nil {
			return nil, err
		}
		overlay(merged, sub)
	}
	overlay(merged, doc)
	return merged, nil
}

// readDocument parses one file by extension: .json and .json5 go
// through the json5 decoder, everything else is a single YAML
// document. Environment references expand on the raw bytes.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = []byte(os.ExpandEnv(string(data)))

	doc := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeSingleYAML(data, &doc, false); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// takeIncludes removes the include directive from doc and returns its
// paths. A bare string and a list of strings are both accepted.
func takeIncludes(doc map[string]any) ([]string, error) {
	var val any
	for _, key := range includeKeys {
		if v, ok := doc[key]; ok {
			val = v
			delete(doc, key)
			break
		}
	}

	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		paths := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entries must be strings, got %T", entry)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("include must be a string or list of strings, got %T", val)
	}
}

// overlay copies src into dst, merging nested maps instead of
// replacing them. Scalars and lists from src win.
func overlay(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			overlay(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// decodeSingleYAML decodes exactly one YAML document into out. strict
// rejects keys out has no field for.
func decodeSingleYAML(data []byte, out any, strict bool) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if strict {
		dec.KnownFields(true)
	}
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return fmt.Errorf("expected a single document")
	}
	return nil
}

// decodeRawConfig maps the merged raw tree onto Config, rejecting
// unknown keys.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	if err := decodeSingleYAML(payload, &cfg, true); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
