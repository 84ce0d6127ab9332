// Package resume provides sidecar resume state for in-progress downloads.
//
// A process restart loses in-memory transfer state, leaving a temp file on
// disk with no recorded offset. The sidecar records the committed offset so
// a relaunch can continue from the last fully written chunk instead of
// appending fresh bytes to a stale partial file.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aerolink/mediasync/internal/constants"
)

// State tracks an in-progress download for resumption across restarts.
type State struct {
	Name       string    `json:"name"`        // Logical filename (final name, not temp)
	TempPath   string    `json:"temp_path"`   // Temp file the body is streaming into
	TotalSize  int64     `json:"total_size"`  // Expected size of the complete file
	Offset     int64     `json:"offset"`      // Bytes committed to the temp file
	CreatedAt  time.Time `json:"created_at"`
	LastUpdate time.Time `json:"last_update"`
}

func sidecarPath(tempPath string) string {
	return tempPath + constants.ResumeSuffix
}

// Save writes the resume state atomically (write temp, rename) next to the
// transfer's temp file.
func Save(state *State) error {
	statePath := sidecarPath(state.TempPath)
	tmpPath := statePath + ".tmp"

	state.LastUpdate = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resume state: %w", err)
	}

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write resume state: %w", err)
	}
	if err := os.Rename(tmpPath, statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename resume state: %w", err)
	}
	return nil
}

// Load reads the resume state for a temp file. Returns nil without error
// when no sidecar exists.
func Load(tempPath string) (*State, error) {
	data, err := os.ReadFile(sidecarPath(tempPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read resume state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal resume state: %w", err)
	}
	return &state, nil
}

// Delete removes the sidecar. Missing sidecar is not an error.
func Delete(tempPath string) error {
	err := os.Remove(sidecarPath(tempPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete resume state: %w", err)
	}
	return nil
}

// Verify checks a loaded state against the temp file on disk. The offset is
// only trustworthy when the temp file's size matches it exactly and the
// state has not expired; anything else means the partial is stale.
func Verify(state *State) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}
	if time.Since(state.CreatedAt) > constants.MaxResumeAge {
		return fmt.Errorf("resume state expired")
	}
	info, err := os.Stat(state.TempPath)
	if err != nil {
		return fmt.Errorf("temp file missing: %w", err)
	}
	if info.Size() != state.Offset {
		return fmt.Errorf("temp file size %d does not match recorded offset %d", info.Size(), state.Offset)
	}
	return nil
}

// Recover returns the byte offset a new download of name may resume from,
// preparing the temp file accordingly. On any verification failure the temp
// file is truncated and the offset reset to zero, so a stale partial can
// never be silently appended to.
func Recover(name, tempPath string) (int64, error) {
	state, err := Load(tempPath)
	if err != nil || state == nil || state.Name != name {
		truncate(tempPath)
		Delete(tempPath)
		return 0, nil
	}

	if err := Verify(state); err != nil {
		truncate(tempPath)
		Delete(tempPath)
		return 0, nil
	}

	return state.Offset, nil
}

func truncate(tempPath string) {
	if _, err := os.Stat(tempPath); err == nil {
		os.Truncate(tempPath, 0)
	}
}
