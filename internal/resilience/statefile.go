package resilience

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// stateRecord is the on-disk layout of the breaker state file.
type stateRecord struct {
	State                CircuitState `json:"state"`
	FailureCount         int          `json:"failure_count"`
	LastFailureTimestamp *time.Time   `json:"last_failure_timestamp"`
	OpenedAt             *time.Time   `json:"opened_at"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// saveState writes the state to a temporary file next to path and renames it
// into place so a crash never leaves a partial record.
func saveState(path string, st CircuitBreakerState) error {
	rec := stateRecord{
		State:                st.State,
		FailureCount:         st.FailureCount,
		LastFailureTimestamp: timePtr(st.LastFailureTimestamp),
		OpenedAt:             timePtr(st.OpenedAt),
	}
	bs, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// loadState reads a state file. ok is false when the file does not exist.
func loadState(path string) (st CircuitBreakerState, ok bool, err error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, false, nil
		}
		return st, false, err
	}

	var rec stateRecord
	if err := json.Unmarshal(bs, &rec); err != nil {
		return st, false, fmt.Errorf("decoding state file: %w", err)
	}
	if !rec.State.Valid() {
		return st, false, fmt.Errorf("unknown circuit state %q", rec.State)
	}
	if rec.FailureCount < 0 {
		return st, false, fmt.Errorf("negative failure count %d", rec.FailureCount)
	}

	return CircuitBreakerState{
		State:                rec.State,
		FailureCount:         rec.FailureCount,
		LastFailureTimestamp: derefTime(rec.LastFailureTimestamp),
		OpenedAt:             derefTime(rec.OpenedAt),
	}, true, nil
}

// ReadStateFile loads a persisted breaker state without constructing a
// breaker, for status reporting.
func ReadStateFile(path string) (CircuitBreakerState, bool, error) {
	return loadState(path)
}
