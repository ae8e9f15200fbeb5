// Package secret provides helpers for keeping credentials out of log output.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// sensitiveKeys are plugin-config key substrings whose values are treated as
// credentials. Matching is case-insensitive.
var sensitiveKeys = []string{
	"password", "passwd", "secret", "token", "api_key", "apikey",
	"credential", "private_key", "cert_password", "bearer",
}

// IsSensitiveKey reports whether a plugin-config key names a credential.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Mask reduces a credential to a short fingerprint safe for logs: the first
// eight hex characters of its SHA-256 plus the last two characters of the
// value. Empty input masks to "-".
func Mask(value string) string {
	if value == "" {
		return "-"
	}
	sum := sha256.Sum256([]byte(value))
	prefix := hex.EncodeToString(sum[:4])
	suffix := value
	if len(suffix) > 2 {
		suffix = suffix[len(suffix)-2:]
	}
	return prefix + "…" + suffix
}

// MaskConfig returns a copy of cfg with every sensitive value replaced by its
// Mask fingerprint, suitable for structured logging of plugin configuration.
func MaskConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch {
		case IsSensitiveKey(k):
			s, _ := v.(string)
			out[k] = Mask(s)
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = MaskConfig(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}
