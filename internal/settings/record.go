// Package settings owns the canonical preference record: its schema,
// defaults, validation, repair, and the repository that loads and persists
// it against the host store.
package settings

import (
	"math"
	"time"
)

const (
	DefaultOpacity       = 0.7
	MaxOpacity           = 0.9
	MinOpacity           = 0.0
	DefaultShortcut      = "t"
	CurrentSchemaVersion = "1.0.0"
)

// Record is the single canonical preference object. It is owned exclusively
// by the Repository; every other component holds copies.
type Record struct {
	TheaterModeEnabled bool    `json:"theaterModeEnabled"`
	Opacity            float64 `json:"opacity"`
	ShortcutBinding    string  `json:"shortcutBinding"`
	LastUsed           *int64  `json:"lastUsed"`
	SchemaVersion      string  `json:"schemaVersion"`
}

// Patch carries a partial update; nil fields are left untouched by the
// merge.
type Patch struct {
	TheaterModeEnabled *bool
	Opacity            *float64
	ShortcutBinding    *string
	LastUsed           *int64
}

func (p Patch) IsEmpty() bool {
	return p.TheaterModeEnabled == nil && p.Opacity == nil && p.ShortcutBinding == nil && p.LastUsed == nil
}

// Defaults returns the schema defaults. LastUsed stays nil; callers that
// want a first-run record use InitializeDefaults.
func Defaults() Record {
	return Record{
		TheaterModeEnabled: false,
		Opacity:            DefaultOpacity,
		ShortcutBinding:    DefaultShortcut,
		LastUsed:           nil,
		SchemaVersion:      CurrentSchemaVersion,
	}
}

// InitializeDefaults returns the schema defaults stamped with now. Pure
// aside from reading the clock; performs no I/O.
func InitializeDefaults(now time.Time) Record {
	record := Defaults()
	ts := now.UnixMilli()
	record.LastUsed = &ts
	return record
}

func (r Record) Clone() Record {
	clone := r
	if r.LastUsed != nil {
		ts := *r.LastUsed
		clone.LastUsed = &ts
	}
	return clone
}

// Merge applies the non-nil fields of patch on top of r.
func (r Record) Merge(patch Patch) Record {
	merged := r.Clone()
	if patch.TheaterModeEnabled != nil {
		merged.TheaterModeEnabled = *patch.TheaterModeEnabled
	}
	if patch.Opacity != nil {
		merged.Opacity = *patch.Opacity
	}
	if patch.ShortcutBinding != nil {
		merged.ShortcutBinding = *patch.ShortcutBinding
	}
	if patch.LastUsed != nil {
		ts := *patch.LastUsed
		merged.LastUsed = &ts
	}
	return merged
}

// ClampOpacity bounds a slider value to the allowed range. This is the one
// place out-of-range input is clamped rather than rejected or reset; the
// validation path replaces bad persisted values with the default instead.
// NaN has no nearest legal value and is normalized to the default.
func ClampOpacity(value float64) float64 {
	if math.IsNaN(value) {
		return DefaultOpacity
	}
	if value < MinOpacity {
		return MinOpacity
	}
	if value > MaxOpacity {
		return MaxOpacity
	}
	return value
}
