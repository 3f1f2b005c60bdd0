package engine

import (
	"fmt"
	"strconv"

	"github.com/loghive/loghive/internal/model"
	"github.com/loghive/loghive/internal/pkg/lql"
)

// entryRecord adapts a model.LogEntry to the lql.Record interface.
type entryRecord struct {
	e *model.LogEntry
}

func (r entryRecord) GetID() string        { return r.e.ID }
func (r entryRecord) GetTimestamp() int64  { return r.e.Timestamp }
func (r entryRecord) GetLevel() string     { return r.e.Level }
func (r entryRecord) GetService() string   { return r.e.Service }
func (r entryRecord) GetMessage() string   { return r.e.Message }

func (r entryRecord) GetContextValue(key string) (string, bool) {
	v, ok := r.e.Context[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	case nil:
		return "", true
	default:
		return fmt.Sprint(t), true
	}
}

// MatchEntry evaluates an LQL node against a log entry.
func MatchEntry(node lql.Node, e *model.LogEntry) bool {
	return lql.Match(node, entryRecord{e: e})
}

// ParseQuery parses an LQL expression. Empty input yields a nil node.
func ParseQuery(query string) (lql.Node, error) {
	return lql.Parse(query)
}
