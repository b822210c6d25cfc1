package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// field describes one settable leaf of Config.
type field struct {
	kind   reflect.Kind
	secret bool
}

// fields maps every dot-separated key of Config to its field. Fields tagged
// secret:"true" are masked when listed.
var fields = describe(reflect.TypeOf(Config{}), "")

func describe(t reflect.Type, prefix string) map[string]field {
	out := make(map[string]field)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			maps.Copy(out, describe(f.Type, name))
			continue
		}
		out[name] = field{kind: f.Type.Kind(), secret: f.Tag.Get("secret") == "true"}
	}
	return out
}

// Keys returns every settable config key, sorted.
func Keys() []string {
	return slices.Sorted(maps.Keys(fields))
}

// IsSecretKey reports whether the dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	return fields[key].secret
}

// parseValue converts command-line text into the type of the field key
// names. Strings are kept verbatim, so a numeric bot token stays a string.
func parseValue(key, raw string) (any, error) {
	f, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	switch f.kind {
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: want an integer, got %q", key, raw)
		}
		return n, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: want true or false, got %q", key, raw)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// rules holds the checks for keys whose values are constrained beyond
// their type.
var rules = map[string]func(v any) error{
	"log_level":             oneOf("debug", "info", "warn", "error"),
	"max_concurrent":        positive,
	"agent.base_url":        httpURL,
	"agent.app_name":        nonEmpty,
	"agent.run_path":        absPath,
	"agent.timeout_seconds": positive,
	"stream.section_anchor": nonEmpty,
	"history.backend":       oneOf("file", "postgres"),
	"http.listen":           hostPort,
	"slack.api_url":         optional(httpURL),
}

func checkValue(key string, v any) error {
	rule, ok := rules[key]
	if !ok {
		return nil
	}
	if err := rule(v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// Validate checks every constrained key of cfg and joins the failures.
func (c *Config) Validate() error {
	m, err := ToMap(c)
	if err != nil {
		return err
	}
	flat := Flatten(m)
	var errs []error
	for _, key := range slices.Sorted(maps.Keys(rules)) {
		if err := checkValue(key, flat[key]); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Postgres() && c.History.DSN == "" {
		errs = append(errs, errors.New("history.dsn: required when history.backend is postgres"))
	}
	return errors.Join(errs...)
}

func text(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), n == float64(int(n))
	}
	return 0, false
}

func nonEmpty(v any) error {
	if text(v) == "" {
		return errors.New("must not be empty")
	}
	return nil
}

func positive(v any) error {
	if n, ok := number(v); !ok || n < 1 {
		return fmt.Errorf("want a positive integer, got %v", v)
	}
	return nil
}

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		if !slices.Contains(allowed, strings.ToLower(text(v))) {
			return fmt.Errorf("want one of %s, got %q", strings.Join(allowed, "|"), text(v))
		}
		return nil
	}
}

func httpURL(v any) error {
	u, err := url.Parse(text(v))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("want an http(s) URL, got %q", text(v))
	}
	return nil
}

func absPath(v any) error {
	if !strings.HasPrefix(text(v), "/") {
		return fmt.Errorf("want a path starting with /, got %q", text(v))
	}
	return nil
}

func hostPort(v any) error {
	if _, port, err := net.SplitHostPort(text(v)); err != nil || port == "" {
		return fmt.Errorf("want host:port, got %q", text(v))
	}
	return nil
}

func optional(rule func(any) error) func(any) error {
	return func(v any) error {
		if text(v) == "" {
			return nil
		}
		return rule(v)
	}
}
