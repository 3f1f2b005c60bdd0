package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"

	"github.com/loghive/loghive/internal/model"
)

// Header is the column layout of exported documents. Every LogEntry
// field is present; context is serialized as a JSON sub-field.
var Header = []string{"id", "timestamp", "level", "source_service", "message", "context"}

// WriteCSV serializes entries to w in CSV form, preserving the order
// of the input slice. Callers pass the exact result of a query so
// exports and queries always agree on set and order.
func WriteCSV(w io.Writer, entries []model.LogEntry) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header); err != nil {
		return err
	}

	for i := range entries {
		rec, err := record(&entries[i])
		if err != nil {
			return err
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func record(e *model.LogEntry) ([]string, error) {
	var ctx string
	if len(e.Context) > 0 {
		data, err := json.Marshal(e.Context)
		if err != nil {
			return nil, err
		}
		ctx = string(data)
	}

	ts := time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339Nano)

	return []string{e.ID, ts, e.Level, e.Service, e.Message, ctx}, nil
}
