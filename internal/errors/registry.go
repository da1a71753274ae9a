package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Runtime (P001-P009)
	"P001": {
		Category:   CategoryRuntime,
		Message:    "Type mismatch on set",
		Suggestion: "Set a value matching the state's declared type, or drop the OfType option.",
	},
	"P002": {
		Category:   CategoryRuntime,
		Message:    "Direct write to computed state",
		Suggestion: "Computed values change only through Recompute; write to one of its sources instead.",
	},
	"P003": {
		Category: CategoryRuntime,
		Message:  "Computed derivation failed",
	},
	"P004": {
		Category:   CategoryPersistence,
		Message:    "Persistence failed; disabled for this session",
		Suggestion: "Check the storage backend; state keeps working in memory.",
	},
	"P005": {
		Category: CategoryPersistence,
		Message:  "Persisted value could not be decoded",
	},

	// Collection (P010-P019)
	"P010": {
		Category:   CategoryCollection,
		Message:    "Record has no primary key",
		Suggestion: "Give every record an id, _id, or the field passed to PrimaryKey.",
	},
	"P011": {
		Category: CategoryCollection,
		Message:  "Record not found",
	},
	"P012": {
		Category: CategoryCollection,
		Message:  "Unsupported collect input",
	},

	// Config (P020-P029)
	"P020": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Suggestion: "Create pulse.json (or pulse.toml / pulse.yaml) or pass --config.",
	},
	"P021": {
		Category: CategoryConfig,
		Message:  "Invalid config",
	},

	// CLI (P030-P039)
	"P030": {
		Category: CategoryCLI,
		Message:  "Storage backend unavailable",
	},
}

// GetAllCodes returns all registered error codes, sorted.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
