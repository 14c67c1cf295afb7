package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// textPaths are string fields people write unquoted in YAML: chat ids come
// out as integers, message ids sometimes too. Paths drop list indices.
var textPaths = map[string]bool{
	"groups.id":                     true,
	"groups.messages.id":            true,
	"groups.messages.channels":      true,
	"auto_groups.name":              true,
	"auto_groups.messages.id":       true,
	"auto_groups.messages.channels": true,
	"logging.chat.target":           true,
}

// instantPaths hold RFC 3339 timestamps; YAML parses unquoted ones into time.Time.
var instantPaths = map[string]bool{
	"groups.messages.remove_after.at":      true,
	"auto_groups.messages.remove_after.at": true,
}

// yamlToJSON rewrites a YAML config as JSON so both formats go through the
// same strict decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	v, err := normalize("", "", v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// normalize walks v. at is the location used in errors (with indices), shape
// the index-free path matched against textPaths and instantPaths.
func normalize(at, shape string, v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalize(join(at, k), join(shape, k), e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: non-string key %v", orRoot(at), k)
			}
			n, err := normalize(join(at, key), join(shape, key), e)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalize(at+"["+strconv.Itoa(i)+"]", shape, e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case time.Time:
		if instantPaths[shape] {
			return x.UTC().Format(time.RFC3339), nil
		}
		return nil, fmt.Errorf("%s: unexpected timestamp; quote it", orRoot(at))
	case int, int64, uint64:
		if textPaths[shape] {
			return fmt.Sprint(x), nil
		}
		return x, nil
	default:
		return v, nil
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func orRoot(path string) string {
	if path == "" {
		return "(root)"
	}
	return path
}
