package plugin

import (
	"errors"
	"testing"
)

func TestBuildConfig(t *testing.T) {
	schema := map[string]ConfigType{
		"root":    ConfigStr,
		"limit":   ConfigInt,
		"ratio":   ConfigFloat,
		"verbose": ConfigBool,
	}

	cfg, err := BuildConfig("writer", schema, map[string]any{
		"root":    "/tmp",
		"limit":   10,
		"ratio":   0.5,
		"verbose": true,
		"extra":   "dropped",
	})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}

	if v, ok := cfg.String("root"); !ok || v != "/tmp" {
		t.Errorf("String(root) = %q, %v, want /tmp, true", v, ok)
	}
	if v, ok := cfg.Int("limit"); !ok || v != 10 {
		t.Errorf("Int(limit) = %d, %v, want 10, true", v, ok)
	}
	if v, ok := cfg.Float("ratio"); !ok || v != 0.5 {
		t.Errorf("Float(ratio) = %v, %v, want 0.5, true", v, ok)
	}
	if v, ok := cfg.Bool("verbose"); !ok || !v {
		t.Errorf("Bool(verbose) = %v, %v, want true, true", v, ok)
	}
	if _, ok := cfg["extra"]; ok {
		t.Error("fields outside the schema should be dropped")
	}
}

func TestBuildConfigIntegerForFloat(t *testing.T) {
	cfg, err := BuildConfig("p", map[string]ConfigType{"ratio": ConfigFloat}, map[string]any{"ratio": 2})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}
	if v, ok := cfg.Float("ratio"); !ok || v != 2 {
		t.Errorf("Float(ratio) = %v, %v, want 2, true", v, ok)
	}
}

func TestBuildConfigInvalid(t *testing.T) {
	tests := []struct {
		name   string
		schema map[string]ConfigType
		raw    map[string]any
	}{
		{"wrong type", map[string]ConfigType{"limit": ConfigInt}, map[string]any{"limit": "ten"}},
		{"fraction for int", map[string]ConfigType{"limit": ConfigInt}, map[string]any{"limit": 1.5}},
		{"missing field", map[string]ConfigType{"root": ConfigStr}, map[string]any{}},
		{"string for bool", map[string]ConfigType{"on": ConfigBool}, map[string]any{"on": "yes"}},
		{"int overflow", map[string]ConfigType{"limit": ConfigInt}, map[string]any{"limit": 1e30}},
		{"int underflow", map[string]ConfigType{"limit": ConfigInt}, map[string]any{"limit": -1e19}},
		{"int at 2^63", map[string]ConfigType{"limit": ConfigInt}, map[string]any{"limit": 9223372036854775808.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildConfig("p", tt.schema, tt.raw)
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("BuildConfig() error = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestBuildConfigLargeInt(t *testing.T) {
	cfg, err := BuildConfig("p", map[string]ConfigType{"limit": ConfigInt}, map[string]any{"limit": 1e18})
	if err != nil {
		t.Fatalf("BuildConfig() error = %v", err)
	}
	if v, ok := cfg.Int("limit"); !ok || v != 1_000_000_000_000_000_000 {
		t.Errorf("Int(limit) = %d, %v, want 1e18, true", v, ok)
	}
}

func TestBuildConfigNoSchemaOrRaw(t *testing.T) {
	cfg, err := BuildConfig("p", nil, map[string]any{"a": 1})
	if err != nil || cfg != nil {
		t.Errorf("BuildConfig(no schema) = %v, %v, want nil, nil", cfg, err)
	}

	cfg, err = BuildConfig("p", map[string]ConfigType{"a": ConfigInt}, nil)
	if err != nil || cfg != nil {
		t.Errorf("BuildConfig(no raw) = %v, %v, want nil, nil", cfg, err)
	}
}

func TestConfigDecode(t *testing.T) {
	cfg := Config{"root": "/data", "limit": int64(3)}

	var dst struct {
		Root  string `json:"root"`
		Limit int    `json:"limit"`
	}
	if err := cfg.Decode(&dst); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if dst.Root != "/data" || dst.Limit != 3 {
		t.Errorf("Decode() = %+v, want {/data 3}", dst)
	}
}
