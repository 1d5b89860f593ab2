package audit

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// WriteCSV renders records for compliance tooling. Timestamps are RFC3339
// UTC so exports diff cleanly across runs.
func WriteCSV(records []CheckRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "at", "actor_id", "resource", "verb", "scope_requested", "granted", "reason", "session_id"}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, rec := range records {
		sessionID := ""
		if rec.SessionID != nil {
			sessionID = rec.SessionID.String()
		}
		row := []string{
			rec.ID.String(),
			rec.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(rec.ActorID, 10),
			rec.Resource,
			rec.Verb,
			rec.ScopeRequested,
			strconv.FormatBool(rec.Granted),
			rec.Reason,
			sessionID,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("audit: flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
