// Package plugin defines the provider contract TrakBridge streams poll, the
// registry that validates and exposes implementations, and the built-in
// providers (Garmin InReach, SPOT, Traccar, Deepstate).
//
// A plugin performs one upstream call per Fetch and never retries; the stream
// worker owns the retry policy. Plugin instances are reused across fetches of
// one stream and are called from a single worker goroutine at a time.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category classifies a provider for the UI.
type Category string

const (
	CategoryTracker Category = "tracker"
	CategoryOSINT   Category = "osint"
	CategoryEMS     Category = "ems"
)

// Metadata describes a plugin to the management layer.
type Metadata struct {
	ID             string       `json:"id"`
	DisplayName    string       `json:"display_name"`
	Category       Category     `json:"category"`
	DefaultCoTType string       `json:"default_cot_type"`
	ConfigSchema   []ConfigKey  `json:"config_schema"`
	HelpSections   []string     `json:"help_sections,omitempty"`
}

// ConfigKey documents one plugin configuration field.
type ConfigKey struct {
	Name      string `json:"name"`
	Display   string `json:"display"`
	Required  bool   `json:"required"`
	Sensitive bool   `json:"sensitive"`
}

// FieldMeta describes an identifier field offered for callsign mapping.
type FieldMeta struct {
	Name    string `json:"name"`
	Display string `json:"display"`
	Type    string `json:"type"`
}

// Location is a normalized position report from an upstream provider.
type Location struct {
	// UID is the stable device identifier, constant across fetches.
	UID string
	// Name is the display name; the callsign resolver may overwrite it.
	Name string
	// Timestamp is the fix time in UTC.
	Timestamp time.Time

	Lat float64
	Lon float64

	// Optional fields; nil means unknown.
	Alt      *float64
	Course   *float64
	Speed    *float64
	Accuracy *float64

	// Remarks is free-form text carried into the CoT detail block.
	Remarks string

	// AdditionalData holds provider-specific fields (imei, battery, …) used
	// for identifier lookup and tracker discovery.
	AdditionalData map[string]any

	// CoTType is an explicit per-point type override. Honored only when the
	// stream runs in per_point mode or a per-callsign type sets it.
	CoTType string
}

// HealthReport is the result of a lightweight connection probe.
type HealthReport struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Devices int    `json:"devices,omitempty"`
}

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// Plugin is the contract every provider satisfies.
type Plugin interface {
	// Metadata returns the static plugin description.
	Metadata() Metadata

	// ValidateConfig rejects unknown or invalid fields and enforces the
	// serialized size and nesting limits.
	ValidateConfig(cfg map[string]any) []FieldError

	// Fetch performs one upstream call and returns the latest known
	// location per device. It must respect ctx cancellation and must not
	// retry internally.
	Fetch(ctx context.Context, cfg map[string]any) ([]Location, error)

	// TestConnection is a lightweight probe for UI health checks. It may
	// return without network I/O when credentials are missing.
	TestConnection(ctx context.Context, cfg map[string]any) (HealthReport, error)
}

// CallsignMappable is the optional capability a plugin implements when it can
// surface identifier fields for callsign mapping.
type CallsignMappable interface {
	// AvailableIdentifierFields lists the fields an operator may key
	// mappings on.
	AvailableIdentifierFields() []FieldMeta

	// ApplyCallsigns overwrites each location's Name with the mapped
	// callsign when its identifier field matches a key of mapping. Locations
	// without a match are left untouched.
	ApplyCallsigns(locs []Location, fieldName string, mapping map[string]string)
}

// ErrorKind classifies plugin failures for the worker's retry policy.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnreachable ErrorKind = "unreachable"
	KindMalformed   ErrorKind = "malformed_response"
	KindConfig      ErrorKind = "config"
	KindCancelled   ErrorKind = "cancelled"
)

// Error is the typed failure returned by plugin operations.
type Error struct {
	Kind ErrorKind
	// RetryAfter is the server-advised wait, set only for KindRateLimited.
	RetryAfter time.Duration
	// Field names the offending config field, set only for KindConfig.
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("plugin: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("plugin: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a plugin Error with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap converts an arbitrary error to a plugin Error. Context cancellation
// and deadline expiry map to KindCancelled; everything else to kind.
func Wrap(kind ErrorKind, msg string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCancelled
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, or KindUnreachable when err is not a
// plugin Error. A nil err has no kind and returns "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnreachable
}

// RetryAfterOf extracts the advised wait from a rate-limit error, or zero.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimited {
		return pe.RetryAfter
	}
	return 0
}
