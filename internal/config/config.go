// Package config persists the fleet snapshot: one keyed document holding
// enough per-printer state to resume monitoring after a restart. The file
// is rewritten in full on every mutation; a corrupt file is logged and
// treated as an empty fleet.
package config

import (
	"errors"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/xnekj/printfleet/internal/constants"
	"github.com/xnekj/printfleet/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPath is where the snapshot lives unless the caller overrides it.
const DefaultPath = constants.SnapshotFile

// Entry is the persisted record for one printer. Missing keys decode to
// their zero values.
type Entry struct {
	Port                  string   `json:"port"`
	Baudrate              int      `json:"baudrate"`
	Queue                 []string `json:"queue"`
	Status                string   `json:"status"`
	CurrentByte           int64    `json:"current_byte"`
	TotalByte             int64    `json:"total_byte"`
	SDUploadTime          string   `json:"sd_upload_time"`
	SDUploadTimeRemaining string   `json:"sd_upload_time_remaining"`
	TimeSeconds           int      `json:"time_seconds"`
	ModelRemoved          bool     `json:"model_removed"`
	CurrentFile           string   `json:"current_file"`
	CurrentSDFile         string   `json:"current_sd_file"`
	JobStatusError        bool     `json:"job_status_error"`
}

// Document maps printer name to its persisted entry.
type Document map[string]Entry

// Load reads the snapshot at path. A missing file yields an empty
// document; a malformed one is logged and also yields an empty document.
func Load(path string) Document {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("reading snapshot failed", "path", path, "error", err)
		}
		return Document{}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		logging.Warn("snapshot is malformed, starting with an empty fleet",
			"path", path, "error", err)
		return Document{}
	}
	if doc == nil {
		doc = Document{}
	}
	return doc
}

// Save rewrites the snapshot in full. Best effort: a failure is returned
// for logging but the fleet keeps running on its in-memory state.
func Save(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
