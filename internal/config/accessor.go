package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths use the JSON field names joined by dots, e.g.
// "providers.claude.model" or "server.port". Provider names must already
// exist in the map.

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	parts := strings.Split(path, ".")
	for i, p := range parts {
		next, err := child(v, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", strings.Join(parts[:i+1], "."), err)
		}
		v = next
	}
	return v.Interface(), nil
}

// SetByPath parses raw into the type of the field at path and stores it.
// List fields take comma separated values. cfg is left untouched on error.
func SetByPath(cfg *Config, path, raw string) error {
	if err := set(reflect.ValueOf(cfg).Elem(), strings.Split(path, "."), raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func set(v reflect.Value, parts []string, raw string) error {
	if len(parts) == 0 {
		return assign(v, raw)
	}
	if v.Kind() == reflect.Map {
		key := reflect.ValueOf(parts[0])
		elem := v.MapIndex(key)
		if !elem.IsValid() {
			return fmt.Errorf("unknown config key %q", parts[0])
		}
		// map elements are not addressable; edit a copy and store it back
		cp := reflect.New(elem.Type()).Elem()
		cp.Set(elem)
		if err := set(cp, parts[1:], raw); err != nil {
			return err
		}
		v.SetMapIndex(key, cp)
		return nil
	}
	next, err := child(v, parts[0])
	if err != nil {
		return err
	}
	return set(next, parts[1:], raw)
}

func child(v reflect.Value, name string) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == name {
				return v.Field(i), nil
			}
		}
	case reflect.Map:
		if elem := v.MapIndex(reflect.ValueOf(name)); elem.IsValid() {
			return elem, nil
		}
	default:
		return reflect.Value{}, fmt.Errorf("not a section")
	}
	return reflect.Value{}, fmt.Errorf("unknown config key %q", name)
}

func assign(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported list type %s", v.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		v.Set(reflect.ValueOf(items))
	case reflect.Struct, reflect.Map:
		return fmt.Errorf("cannot assign a value to a section")
	default:
		return fmt.Errorf("unsupported field type %s", v.Type())
	}
	return nil
}

// Sanitize returns a copy of cfg with credentials masked, for display.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Relay.RejectMimePrefixes = append([]string(nil), cfg.Relay.RejectMimePrefixes...)
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		pc.APIKey = mask(pc.APIKey)
		pc.AssistantID = mask(pc.AssistantID)
		out.Providers[name] = pc
	}
	return &out
}

// mask keeps the first and last four characters of long secrets.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
