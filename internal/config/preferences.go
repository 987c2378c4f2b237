package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

// PreferencesVersion is the blob version this build understands
const PreferencesVersion = 1

const (
	ModeRealtime = "realtime"
	ModeStatic   = "static"
)

// Preferences is the persisted view-preference blob. Only Mode is consumed.
type Preferences struct {
	Mode      string `json:"mode"`
	Timestamp int64  `json:"timestamp"`
	Version   int    `json:"version"`
}

// DefaultPreferences starts in realtime mode
func DefaultPreferences() Preferences {
	return Preferences{Mode: ModeRealtime, Version: PreferencesVersion}
}

// Realtime reports whether streaming should start enabled
func (p Preferences) Realtime() bool {
	return p.Mode != ModeStatic
}

// LoadPreferences reads the blob at path. A missing file, bad JSON, an
// unknown mode or a version mismatch all yield the defaults.
func LoadPreferences(path string) Preferences {
	def := DefaultPreferences()
	b, err := os.ReadFile(path)
	if err != nil {
		return def
	}

	var p Preferences
	if err := json.Unmarshal(b, &p); err != nil {
		observ.Log("preferences_invalid", map[string]any{"path": path, "error": err.Error()})
		return def
	}
	if p.Version != PreferencesVersion {
		observ.Log("preferences_version_mismatch", map[string]any{"path": path, "version": p.Version})
		return def
	}
	if p.Mode != ModeRealtime && p.Mode != ModeStatic {
		return def
	}
	return p
}

// SavePreferences writes the blob, stamping the current time
func SavePreferences(path string, p Preferences) error {
	p.Version = PreferencesVersion
	p.Timestamp = time.Now().UnixMilli()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
