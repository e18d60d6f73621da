package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FieldIssue reports one field that failed validation and was replaced by
// its default.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the per-field issues of a rejected save. It is
// never produced on the load path, where issues trigger repair instead.
type ValidationError struct {
	Issues []FieldIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		fields = append(fields, issue.Field)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(fields, ", "))
}

const recordSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"theaterModeEnabled": {"type": "boolean"},
		"opacity": {"type": "number", "minimum": 0, "maximum": 0.9},
		"shortcutBinding": {"type": "string", "pattern": "\\S"},
		"lastUsed": {"type": ["integer", "null"], "exclusiveMinimum": 0},
		"schemaVersion": {"type": "string", "minLength": 1}
	},
	"required": ["theaterModeEnabled", "opacity", "shortcutBinding", "schemaVersion"]
}`

var recordSchema = mustCompileRecordSchema()

func mustCompileRecordSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("settings: invalid record schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.schema.json", doc); err != nil {
		panic(fmt.Sprintf("settings: failed to register record schema: %v", err))
	}
	schema, err := compiler.Compile("settings.schema.json")
	if err != nil {
		panic(fmt.Sprintf("settings: failed to compile record schema: %v", err))
	}
	return schema
}

// structurallyValid reports whether raw already satisfies the record schema.
// When it does, the raw bytes decode straight into a Record with no issues
// and the field-by-field pass is skipped.
func structurallyValid(raw []byte) bool {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return false
	}
	return recordSchema.Validate(doc) == nil
}

// ValidateRaw checks a persisted document field by field. A field is kept
// only if its type and range invariants hold; anything else is reported as
// an issue and replaced by the default. The returned record always satisfies
// every invariant. Validation is idempotent: validating a validated record
// yields the same record with no issues.
func ValidateRaw(raw []byte) (Record, []FieldIssue) {
	if len(raw) == 0 {
		return Defaults(), []FieldIssue{{Field: "record", Message: "empty document"}}
	}
	if structurallyValid(raw) {
		var record Record
		if err := json.Unmarshal(raw, &record); err == nil {
			return record, nil
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return Defaults(), []FieldIssue{{Field: "record", Message: "not a JSON object"}}
	}
	return validateDocument(doc)
}

func validateDocument(doc map[string]any) (Record, []FieldIssue) {
	record := Defaults()
	issues := make([]FieldIssue, 0, 4)

	if value, ok := doc["theaterModeEnabled"].(bool); ok {
		record.TheaterModeEnabled = value
	} else {
		issues = append(issues, fieldIssue("theaterModeEnabled", doc))
	}

	if value, ok := doc["opacity"].(float64); ok && value >= MinOpacity && value <= MaxOpacity {
		record.Opacity = value
	} else {
		issues = append(issues, fieldIssue("opacity", doc))
	}

	if value, ok := doc["shortcutBinding"].(string); ok && strings.TrimSpace(value) != "" {
		record.ShortcutBinding = value
	} else {
		issues = append(issues, fieldIssue("shortcutBinding", doc))
	}

	switch value := doc["lastUsed"].(type) {
	case nil:
		record.LastUsed = nil
	case float64:
		if value > 0 {
			ts := int64(value)
			record.LastUsed = &ts
		} else {
			issues = append(issues, FieldIssue{Field: "lastUsed", Message: "must be positive when present"})
		}
	default:
		issues = append(issues, FieldIssue{Field: "lastUsed", Message: "wrong type"})
	}

	if value, ok := doc["schemaVersion"].(string); ok && value != "" {
		record.SchemaVersion = value
	} else {
		issues = append(issues, fieldIssue("schemaVersion", doc))
	}

	return record, issues
}

func fieldIssue(field string, doc map[string]any) FieldIssue {
	if _, present := doc[field]; !present {
		return FieldIssue{Field: field, Message: "missing"}
	}
	return FieldIssue{Field: field, Message: "wrong type or out of range"}
}

// CheckRecord runs the same per-field invariants against a typed record.
// Used on the save path, where a failing merge is rejected rather than
// repaired.
func CheckRecord(record Record) []FieldIssue {
	issues := make([]FieldIssue, 0, 2)
	if !(record.Opacity >= MinOpacity && record.Opacity <= MaxOpacity) {
		issues = append(issues, FieldIssue{Field: "opacity", Message: fmt.Sprintf("must be within [%g, %g]", MinOpacity, MaxOpacity)})
	}
	if strings.TrimSpace(record.ShortcutBinding) == "" {
		issues = append(issues, FieldIssue{Field: "shortcutBinding", Message: "must be non-empty"})
	}
	if record.LastUsed != nil && *record.LastUsed <= 0 {
		issues = append(issues, FieldIssue{Field: "lastUsed", Message: "must be positive when present"})
	}
	if record.SchemaVersion == "" {
		issues = append(issues, FieldIssue{Field: "schemaVersion", Message: "must be non-empty"})
	}
	return issues
}

// RepairRaw rebuilds an invariant-clean record from a possibly corrupted
// document. It starts from the defaults and keeps only fields that
// independently pass validation; an out-of-range value is replaced
// wholesale, never clamped. LastUsed is always stamped with the repair
// time, so repairing an already-valid record changes nothing else.
func RepairRaw(raw []byte, now time.Time) (Record, []FieldIssue) {
	record, issues := ValidateRaw(raw)
	ts := now.UnixMilli()
	record.LastUsed = &ts
	return record, issues
}
