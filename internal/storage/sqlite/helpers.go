package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/harmony-eo/harmony/internal/models"
)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON encodes a slice column, storing NULL for empty slices.
func marshalJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []int64:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalInt64s(s sql.NullString) ([]int64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []int64
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}

// stepCounterColumn maps a work item status to the workflow step counter
// that tracks it. Queued items stay in ready_count until delivery; canceled
// items leave the active counters without entering a terminal one.
func stepCounterColumn(s models.WorkItemStatus) string {
	switch s {
	case models.WorkItemStatusReady, models.WorkItemStatusQueued:
		return "ready_count"
	case models.WorkItemStatusRunning:
		return "running_count"
	case models.WorkItemStatusSuccessful, models.WorkItemStatusWarning:
		return "successful_count"
	case models.WorkItemStatusFailed:
		return "failed_count"
	}
	return ""
}

// userWorkCounterColumn maps a status to the user_work counter tracking it,
// or "" for terminal statuses.
func userWorkCounterColumn(s models.WorkItemStatus) string {
	switch s {
	case models.WorkItemStatusReady, models.WorkItemStatusQueued:
		return "ready_count"
	case models.WorkItemStatusRunning:
		return "running_count"
	}
	return ""
}
