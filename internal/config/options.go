// Package config holds the pieces of pipeline configuration shared across
// packages: a loosely typed option bag and validation issues.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Options is a free-form option object decoded from JSON. Getters convert
// the JSON value to the requested type and fall back to a default when the
// key is missing or has an incompatible type.
type Options map[string]any

// Any returns the raw value, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// String returns key as a string. Numbers and bools are formatted.
func (o Options) String(key, def string) string {
	switch v := o.Any(key).(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns key as a bool. Strings accepted by strconv.ParseBool work too.
func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Int returns key as an int. JSON numbers decode as float64; fractional
// values fall back to def.
func (o Options) Int(key string, def int) int {
	switch v := o.Any(key).(type) {
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Rune returns the single character stored under key. Escapes "\t" and
// "tab" name a tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key).(string)
	if !ok {
		return def
	}
	switch s {
	case `\t`, "tab":
		return '\t'
	}
	if utf8.RuneCountInString(s) != 1 {
		return def
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

// StringMap returns key as a map of strings. Non-string values are
// formatted; a missing or non-object value yields nil.
func (o Options) StringMap(key string) map[string]string {
	m, ok := o.Any(key).(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
