package config

import (
	"errors"
	"fmt"

	"github.com/dshills/axon/internal/config/loader"
)

// ErrInvalid matches every *SettingError.
var ErrInvalid = errors.New("invalid configuration")

// ParseError reports a malformed configuration file.
type ParseError = loader.ParseError

// SettingError reports one setting that has the wrong type or an
// unacceptable value.
type SettingError struct {
	Key    string // dotted key, e.g. "plugins.max_workers"
	Value  any
	Reason string
}

func (e *SettingError) Error() string {
	if e.Value == nil {
		return e.Key + ": " + e.Reason
	}
	return fmt.Sprintf("%s = %v: %s", e.Key, e.Value, e.Reason)
}

func (e *SettingError) Is(target error) bool { return target == ErrInvalid }

func invalid(key string, value any, format string, args ...any) error {
	return &SettingError{Key: key, Value: value, Reason: fmt.Sprintf(format, args...)}
}
