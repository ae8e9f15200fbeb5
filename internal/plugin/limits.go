package plugin

import (
	"encoding/json"
	"fmt"
)

// Plugin-config safety limits. A config that violates any of these is
// rejected before it reaches a plugin's own validation.
const (
	// MaxConfigBytes bounds the JSON-serialized config size.
	MaxConfigBytes = 64 * 1024
	// MaxConfigDepth bounds map/array nesting.
	MaxConfigDepth = 32
	// MaxKeysPerObject bounds keys in any single object.
	MaxKeysPerObject = 1000
	// MaxArrayElements bounds elements in any single array.
	MaxArrayElements = 10000
)

// CheckConfigLimits enforces the size, depth, key-count, and array-length
// limits on a plugin configuration. It returns nil when the config is within
// bounds.
func CheckConfigLimits(cfg map[string]any) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return Errf(KindConfig, "config is not serializable: %v", err)
	}
	if len(b) > MaxConfigBytes {
		return Errf(KindConfig, "config size %d exceeds %d bytes", len(b), MaxConfigBytes)
	}
	return checkValue(cfg, 1)
}

func checkValue(v any, depth int) error {
	if depth > MaxConfigDepth {
		return Errf(KindConfig, "config nesting exceeds depth %d", MaxConfigDepth)
	}
	switch vv := v.(type) {
	case map[string]any:
		if len(vv) > MaxKeysPerObject {
			return Errf(KindConfig, "object has %d keys, limit %d", len(vv), MaxKeysPerObject)
		}
		for _, child := range vv {
			if err := checkValue(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		if len(vv) > MaxArrayElements {
			return Errf(KindConfig, "array has %d elements, limit %d", len(vv), MaxArrayElements)
		}
		for _, child := range vv {
			if err := checkValue(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// stringField reads a required string field from cfg, accumulating a
// FieldError into errs when it is missing or not a string. Shared by the
// built-in plugins' ValidateConfig implementations.
func stringField(cfg map[string]any, name string, required bool, errs *[]FieldError) string {
	v, ok := cfg[name]
	if !ok || v == nil {
		if required {
			*errs = append(*errs, FieldError{Field: name, Message: "is required"})
		}
		return ""
	}
	s, ok := v.(string)
	if !ok {
		*errs = append(*errs, FieldError{Field: name, Message: fmt.Sprintf("must be a string, got %T", v)})
		return ""
	}
	if required && s == "" {
		*errs = append(*errs, FieldError{Field: name, Message: "must be non-empty"})
	}
	return s
}

// unknownFields appends a FieldError for every key of cfg not present in
// allowed.
func unknownFields(cfg map[string]any, allowed map[string]bool, errs *[]FieldError) {
	for k := range cfg {
		if !allowed[k] {
			*errs = append(*errs, FieldError{Field: k, Message: "unknown field"})
		}
	}
}
