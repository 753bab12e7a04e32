package config

import (
	"math"
	"strings"
	"time"
)

// decoder converts a merged raw map into typed settings. The first
// failure is kept and later reads are no-ops.
type decoder struct {
	raw map[string]any
	err error
}

func (d *decoder) lookup(section, key string) (any, bool) {
	if d.err != nil {
		return nil, false
	}
	sec, ok := d.raw[section].(map[string]any)
	if !ok {
		if _, present := d.raw[section]; present {
			d.err = invalid(section, d.raw[section], "expected a table")
		}
		return nil, false
	}
	val, ok := sec[key]
	return val, ok
}

func (d *decoder) stringValue(section, key string, dst *string) {
	val, ok := d.lookup(section, key)
	if !ok {
		return
	}
	s, ok := val.(string)
	if !ok {
		d.err = invalid(section+"."+key, val, "expected a string")
		return
	}
	*dst = s
}

func (d *decoder) boolValue(section, key string, dst *bool) {
	val, ok := d.lookup(section, key)
	if !ok {
		return
	}
	switch v := val.(type) {
	case bool:
		*dst = v
	case int64:
		if v != 0 && v != 1 {
			d.err = invalid(section+"."+key, val, "expected a boolean")
			return
		}
		*dst = v == 1
	case string:
		if v != "" {
			d.err = invalid(section+"."+key, val, "expected a boolean")
		}
	default:
		d.err = invalid(section+"."+key, val, "expected a boolean")
	}
}

func (d *decoder) intValue(section, key string, dst *int) {
	val, ok := d.lookup(section, key)
	if !ok {
		return
	}
	switch v := val.(type) {
	case int64:
		*dst = int(v)
	case float64:
		if v != math.Trunc(v) {
			d.err = invalid(section+"."+key, val, "expected an integer")
			return
		}
		*dst = int(v)
	default:
		d.err = invalid(section+"."+key, val, "expected an integer")
	}
}

// durationValue accepts a duration string ("30s") or a number of seconds.
func (d *decoder) durationValue(section, key string, dst *time.Duration) {
	val, ok := d.lookup(section, key)
	if !ok {
		return
	}
	switch v := val.(type) {
	case time.Duration:
		*dst = v
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			d.err = invalid(section+"."+key, val, "expected a duration")
			return
		}
		*dst = parsed
	case int64:
		*dst = time.Duration(v) * time.Second
	case float64:
		*dst = time.Duration(v * float64(time.Second))
	default:
		d.err = invalid(section+"."+key, val, "expected a duration")
	}
}

// stringsValue accepts an array of strings or one comma-separated string.
func (d *decoder) stringsValue(section, key string, dst *[]string) {
	val, ok := d.lookup(section, key)
	if !ok {
		return
	}
	switch v := val.(type) {
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				d.err = invalid(section+"."+key, val, "expected an array of strings")
				return
			}
			out = append(out, s)
		}
		*dst = out
	default:
		d.err = invalid(section+"."+key, val, "expected an array of strings")
	}
}

// tablesValue reads a table of tables, such as per-plugin configuration.
func (d *decoder) tablesValue(section, key string, dst *map[string]map[string]any) {
	val, ok := d.lookup(section, key)
	if !ok {
		return
	}
	m, ok := val.(map[string]any)
	if !ok {
		d.err = invalid(section+"."+key, val, "expected a table")
		return
	}
	out := make(map[string]map[string]any, len(m))
	for name, item := range m {
		t, ok := item.(map[string]any)
		if !ok {
			d.err = invalid(section+"."+key+"."+name, item, "expected a table")
			return
		}
		out[name] = t
	}
	*dst = out
}
