package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
)

// RedactedMarker replaces values removed by redaction.
const RedactedMarker = "REDACTED"

// RedactEnv is the environment variable that turns redaction on when set to "1".
const RedactEnv = "LOG_REDACT_SECRETS"

// secretKeyParts are matched case-insensitively against map keys.
var secretKeyParts = []string{"token", "secret", "key", "password"}

// Secret is a string that never appears in serialized form.
type Secret string

// String returns a masked form of the secret.
func (s Secret) String() string {
	return mask(len(s))
}

// MarshalJSON encodes the secret as a fully-masked string.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(mask(len(s)))
}

// Reveal returns the underlying value.
func (s Secret) Reveal() string {
	return string(s)
}

func mask(n int) string {
	if n < 8 {
		n = 8
	}
	return strings.Repeat("*", n)
}

// RedactFromEnv reports whether RedactEnv asks for redaction.
func RedactFromEnv() bool {
	return os.Getenv(RedactEnv) == "1"
}

// Redact returns a copy of a decoded JSON value with secrets replaced.
//
// String values stored under a key that looks secret-bearing, and
// strings made only of '*', become RedactedMarker. Maps and slices are
// walked recursively; other values are returned unchanged.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if _, isString := item.(string); isString && looksSecret(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = Redact(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Redact(item)
		}
		return out
	case string:
		if isMasked(val) {
			return RedactedMarker
		}
		return val
	default:
		return v
	}
}

// RedactJSON applies Redact to an encoded JSON document.
func RedactJSON(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(Redact(v))
}

func looksSecret(key string) bool {
	key = strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func isMasked(s string) bool {
	if s == "" {
		return false
	}
	return strings.Trim(s, "*") == ""
}
