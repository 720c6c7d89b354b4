package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// fieldSpec is the object form of a field entry.
type fieldSpec struct {
	Offset int    `json:"offset" yaml:"offset"`
	Type   string `json:"type" yaml:"type"`
	Key    string `json:"key" yaml:"key"`
}

// LoadFile reads a schema file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON builds a table from a JSON document of the form
// {"key": {"field": [offset, "type", "outputKey"], "sample": N}}.
func ParseJSON(data []byte) (*Table, error) {
	var raw map[string]map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}
	return build(raw)
}

// ParseYAML builds a table from the YAML form of the same document.
func ParseYAML(data []byte) (*Table, error) {
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse schema YAML: %w", err)
	}
	return build(raw)
}

func build(raw map[string]map[string]any) (*Table, error) {
	records := make([]*Record, 0, len(raw))
	for name, entries := range raw {
		rec := &Record{Name: name}
		for fname, v := range entries {
			if fname == "sample" {
				n, ok := toInt(v)
				if !ok || n < 0 {
					return nil, fmt.Errorf("record %q: invalid sample %v", name, v)
				}
				rec.Sample = n
				continue
			}
			f, ok, err := parseField(fname, v)
			if err != nil {
				return nil, fmt.Errorf("record %q: %w", name, err)
			}
			if ok {
				rec.Fields = append(rec.Fields, f)
			}
		}
		records = append(records, rec)
	}
	return NewTable(records...)
}

// parseField accepts [offset, type, key?] or {offset, type, key}. Any other
// value (comments, notes) is not a field.
func parseField(name string, v any) (Field, bool, error) {
	switch t := v.(type) {
	case []any:
		if len(t) < 2 || len(t) > 3 {
			return Field{}, false, fmt.Errorf("field %q: want [offset, type, key?], got %d elements", name, len(t))
		}
		off, ok := toInt(t[0])
		if !ok {
			return Field{}, false, fmt.Errorf("field %q: invalid offset %v", name, t[0])
		}
		typ, ok := t[1].(string)
		if !ok {
			return Field{}, false, fmt.Errorf("field %q: invalid type %v", name, t[1])
		}
		f := Field{Name: name, Offset: off, Type: typ}
		if len(t) == 3 && t[2] != nil {
			key, ok := t[2].(string)
			if !ok {
				return Field{}, false, fmt.Errorf("field %q: invalid output key %v", name, t[2])
			}
			f.Key = key
		}
		return f, true, nil
	case map[string]any:
		var spec fieldSpec
		buf, err := json.Marshal(t)
		if err != nil {
			return Field{}, false, fmt.Errorf("field %q: %w", name, err)
		}
		if err := json.Unmarshal(buf, &spec); err != nil {
			return Field{}, false, fmt.Errorf("field %q: %w", name, err)
		}
		if spec.Type == "" {
			return Field{}, false, fmt.Errorf("field %q: missing type", name)
		}
		return Field{Name: name, Offset: spec.Offset, Type: spec.Type, Key: spec.Key}, true, nil
	}
	return Field{}, false, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
