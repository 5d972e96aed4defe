package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetByPath retrieves a config value by dot-notation path (e.g. "api.baseURL").
// Path segments are the json field names; a trailing number indexes a list
// ("attachments.allowedTypes.0").
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath sets a config value by dot-notation path. String values are
// converted to the type of the target field: "42" stays a string for
// auth.userId and becomes an int for retry.maxRetries. List fields take a
// comma-separated string or a YAML flow sequence ("[image/png, image/gif]").
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	field, err := lookup(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("%s is not settable", path)
	}

	raw, ok := value.(string)
	if !ok {
		rv := reflect.ValueOf(value)
		if !rv.IsValid() || !rv.Type().AssignableTo(field.Type()) {
			return fmt.Errorf("%s: cannot assign %T to %s", path, value, field.Type())
		}
		field.Set(rv)
		return nil
	}
	if err := assign(field, raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func assign(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", raw)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", raw)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return decodeYAML(field, raw)
		}
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "[") {
			return decodeYAML(field, trimmed)
		}
		var items []string
		for _, item := range strings.Split(trimmed, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items).Convert(field.Type()))
	default:
		return decodeYAML(field, raw)
	}
	return nil
}

// decodeYAML decodes raw into a fresh value of the field's type, so a
// failed decode leaves the field untouched.
func decodeYAML(field reflect.Value, raw string) error {
	out := reflect.New(field.Type())
	if err := yaml.Unmarshal([]byte(raw), out.Interface()); err != nil {
		return fmt.Errorf("cannot parse %q as %s: %w", raw, field.Type(), err)
	}
	field.Set(out.Elem())
	return nil
}

func lookup(v reflect.Value, path string) (reflect.Value, error) {
	current := v
	for _, key := range strings.Split(path, ".") {
		switch current.Kind() {
		case reflect.Struct:
			f, ok := fieldByTag(current, key)
			if !ok {
				return reflect.Value{}, fmt.Errorf("key not found: %s", path)
			}
			current = f
		case reflect.Slice:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= current.Len() {
				return reflect.Value{}, fmt.Errorf("invalid array index: %s", key)
			}
			current = current.Index(idx)
		default:
			return reflect.Value{}, fmt.Errorf("cannot traverse into %s at %s", current.Type(), key)
		}
	}
	return current, nil
}

func fieldByTag(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if jsonName(t.Field(i)) == key {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

// Sanitize returns a copy of the config with the credential masked.
func Sanitize(cfg *Config) *Config {
	masked := *cfg
	masked.Attachments.AllowedTypes = append([]string(nil), cfg.Attachments.AllowedTypes...)
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskString(masked.Auth.Token)
	}
	return &masked
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns all settable config paths with their current values.
func ListPaths(cfg *Config) map[string]any {
	result := make(map[string]any)
	flatten("", reflect.ValueOf(cfg).Elem(), result)
	return result
}

func flatten(prefix string, v reflect.Value, result map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		path := jsonName(t.Field(i))
		if prefix != "" {
			path = prefix + "." + path
		}
		f := v.Field(i)
		if f.Kind() == reflect.Struct {
			flatten(path, f, result)
			continue
		}
		result[path] = f.Interface()
	}
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatValue renders a config value the way `config get` prints it.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
