package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Level codes used in the columnar store. Zero is reserved so that
// a zero-valued filter means "no level constraint".
const (
	LevelUnset   uint8 = 0
	LevelDebug   uint8 = 1
	LevelInfo    uint8 = 2
	LevelWarning uint8 = 3
	LevelError   uint8 = 4
)

var ErrInvalidLevel = errors.New("invalid log level")

// LogEntry is a single structured record reported by a calling service.
// ID and Timestamp are assigned by the server at write time and never change.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"` // UnixNano
	Level     string         `json:"level"`
	Service   string         `json:"source_service"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// EncodeLevel converts a level string to its numeric code.
// Only the four canonical levels are accepted, case-insensitively.
func EncodeLevel(l string) (uint8, error) {
	switch strings.ToUpper(l) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelUnset, fmt.Errorf("%w: %q", ErrInvalidLevel, l)
	}
}

// DecodeLevel converts a numeric level code back to its canonical string.
func DecodeLevel(l uint8) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Validate checks the caller-supplied fields of an entry before ingestion.
func (e *LogEntry) Validate() error {
	if _, err := EncodeLevel(e.Level); err != nil {
		return err
	}
	if e.Service == "" {
		return errors.New("source_service is required")
	}
	if e.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// ContextJSON serializes the context map for columnar storage.
// Entries without context produce an empty slice, not "null".
func (e *LogEntry) ContextJSON() ([]byte, error) {
	if len(e.Context) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Context)
}

// DecodeContext parses a stored context blob back into a map.
func DecodeContext(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
