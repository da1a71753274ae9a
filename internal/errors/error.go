package errors

import (
	"fmt"
	"log/slog"
)

// Category represents the type of error.
type Category string

const (
	CategoryRuntime     Category = "runtime"
	CategoryPersistence Category = "persistence"
	CategoryCollection  Category = "collection"
	CategoryConfig      Category = "config"
	CategoryCLI         Category = "cli"
)

// Location represents a position in a configuration file.
type Location struct {
	File   string
	Line   int
	Column int
}

// String returns the location as a formatted string.
func (l *Location) String() string {
	if l == nil {
		return ""
	}
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	if l.Line > 0 {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return l.File
}

// PulseError is a structured diagnostic with a code, category and hint.
type PulseError struct {
	// Code is a unique error identifier (e.g., "P001").
	Code string

	// Category is the error type (runtime, persistence, etc.).
	Category Category

	// Message is a short description of the error.
	Message string

	// Detail is a longer explanation of this occurrence.
	Detail string

	// Subject names the state, collection or key the error is about.
	Subject string

	// Location is set for configuration errors.
	Location *Location

	// Suggestion is a hint on how to fix the error.
	Suggestion string

	// Wrapped is the underlying error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *PulseError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *PulseError) Unwrap() error {
	return e.Wrapped
}

// WithSubject records what the error is about.
func (e *PulseError) WithSubject(s string) *PulseError {
	e.Subject = s
	return e
}

// WithLocation adds a file position to the error.
func (e *PulseError) WithLocation(file string, line, column int) *PulseError {
	e.Location = &Location{File: file, Line: line, Column: column}
	return e
}

// WithSuggestion adds a fix suggestion to the error.
func (e *PulseError) WithSuggestion(s string) *PulseError {
	e.Suggestion = s
	return e
}

// WithDetail adds a detailed explanation to the error.
func (e *PulseError) WithDetail(d string) *PulseError {
	e.Detail = d
	return e
}

// Wrap wraps another error.
func (e *PulseError) Wrap(err error) *PulseError {
	e.Wrapped = err
	return e
}

// Attrs returns the error as slog key/value pairs.
func (e *PulseError) Attrs() []any {
	attrs := []any{"code", e.Code, "category", string(e.Category)}
	if e.Subject != "" {
		attrs = append(attrs, "subject", e.Subject)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Wrapped != nil {
		attrs = append(attrs, "error", e.Wrapped)
	}
	return attrs
}

// Log writes the error to logger at the level its category warrants.
// Persistence and runtime derivation errors log at error level; everything
// else is a warning because the operation was dropped, not failed.
func (e *PulseError) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	switch e.Code {
	case "P003", "P004":
		logger.Error(e.Message, e.Attrs()...)
	default:
		logger.Warn(e.Message, e.Attrs()...)
	}
}

// New creates a PulseError from a registered error code.
func New(code string) *PulseError {
	template, ok := registry[code]
	if !ok {
		return &PulseError{
			Code:    code,
			Message: "Unknown error",
		}
	}
	return &PulseError{
		Code:       code,
		Category:   template.Category,
		Message:    template.Message,
		Suggestion: template.Suggestion,
	}
}

// Newf creates a new PulseError with a formatted message (no code).
func Newf(category Category, format string, args ...any) *PulseError {
	return &PulseError{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	}
}

// FromError wraps a standard error in a PulseError.
func FromError(err error, code string) *PulseError {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*PulseError); ok {
		return pe
	}
	return New(code).Wrap(err)
}
