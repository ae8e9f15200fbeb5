// Package model holds the persisted configuration entities of TrakBridge:
// streams, TAK servers, and callsign mappings. Validation lives next to the
// types so the store and the API reject the same inputs.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Protocol is the transport used to reach a TAK server.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// CoTTypeMode selects where a stream's event types come from.
type CoTTypeMode string

const (
	// CoTTypePerStream applies the stream default to every event,
	// overriding plugin-declared types.
	CoTTypePerStream CoTTypeMode = "per_stream"
	// CoTTypePerPoint honors plugin-declared per-point types, falling back
	// to the stream default.
	CoTTypePerPoint CoTTypeMode = "per_point"
)

// CallsignErrorMode decides what happens to a location whose identifier has
// no mapping.
type CallsignErrorMode string

const (
	// CallsignFallback keeps the location with the plugin's own name.
	CallsignFallback CallsignErrorMode = "fallback"
	// CallsignSkip drops the location.
	CallsignSkip CallsignErrorMode = "skip"
)

// Stream is one polling pipeline from a provider to a set of TAK servers.
type Stream struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	PluginType   string         `json:"plugin_type"`
	PollInterval time.Duration  `json:"poll_interval"`
	IsActive     bool           `json:"is_active"`
	PluginConfig map[string]any `json:"plugin_config"`

	DefaultCoTType string      `json:"default_cot_type"`
	CoTTypeMode    CoTTypeMode `json:"cot_type_mode"`

	TAKServerIDs []int64 `json:"tak_server_ids"`

	EnableCallsignMapping    bool              `json:"enable_callsign_mapping"`
	CallsignIdentifierField  string            `json:"callsign_identifier_field"`
	CallsignErrorHandling    CallsignErrorMode `json:"callsign_error_handling"`
	EnablePerCallsignCoTType bool              `json:"enable_per_callsign_cot_types"`

	LastPoll          *time.Time `json:"last_poll,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	TotalMessagesSent int64      `json:"total_messages_sent"`

	// ConfigVersion changes on every configuration write; workers compare it
	// each tick to hot-reload.
	ConfigVersion int64     `json:"config_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the stream's invariants and returns every violation joined.
func (s *Stream) Validate() error {
	var errs []error

	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if s.PluginType == "" {
		errs = append(errs, errors.New("plugin_type is required"))
	}
	if s.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("poll_interval %s must be at least 1s", s.PollInterval))
	}
	if s.DefaultCoTType == "" {
		errs = append(errs, errors.New("default_cot_type is required"))
	}
	switch s.CoTTypeMode {
	case CoTTypePerStream, CoTTypePerPoint:
	default:
		errs = append(errs, fmt.Errorf("cot_type_mode %q must be per_stream or per_point", s.CoTTypeMode))
	}
	switch s.CallsignErrorHandling {
	case CallsignFallback, CallsignSkip:
	default:
		errs = append(errs, fmt.Errorf("callsign_error_handling %q must be fallback or skip", s.CallsignErrorHandling))
	}
	if s.EnableCallsignMapping && strings.TrimSpace(s.CallsignIdentifierField) == "" {
		errs = append(errs, errors.New("callsign_identifier_field is required when callsign mapping is enabled"))
	}
	if s.IsActive && len(s.TAKServerIDs) == 0 {
		errs = append(errs, errors.New("an active stream needs at least one tak server"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("model: invalid stream: %w", errors.Join(errs...))
	}
	return nil
}

// TAKServer is one CoT destination.
type TAKServer struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`

	// Certificate material is stored as PEM. ClientCertPEM and ClientKeyPEM
	// together enable mutual TLS; CACertPEM pins the server's CA.
	ClientCertPEM []byte `json:"-"`
	ClientKeyPEM  []byte `json:"-"`
	CACertPEM     []byte `json:"-"`

	// TLSMinVersion is "" (library default), "1.2", or "1.3".
	TLSMinVersion    string `json:"tls_min_version"`
	VerifyServerCert bool   `json:"verify_server_cert"`
}

// Addr returns the dialable host:port.
func (t *TAKServer) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Validate checks the server's invariants and returns every violation joined.
func (t *TAKServer) Validate() error {
	var errs []error

	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(t.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d must be in 1..65535", t.Port))
	}
	switch t.Protocol {
	case ProtocolTCP, ProtocolTLS:
	default:
		errs = append(errs, fmt.Errorf("protocol %q must be tcp or tls", t.Protocol))
	}
	switch t.TLSMinVersion {
	case "", "1.2", "1.3":
	default:
		errs = append(errs, fmt.Errorf("tls_min_version %q must be empty, 1.2, or 1.3", t.TLSMinVersion))
	}
	if len(t.ClientCertPEM) > 0 && len(t.ClientKeyPEM) == 0 {
		errs = append(errs, errors.New("client_cert_pem set without client_key_pem"))
	}
	if len(t.ClientKeyPEM) > 0 && len(t.ClientCertPEM) == 0 {
		errs = append(errs, errors.New("client_key_pem set without client_cert_pem"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("model: invalid tak server: %w", errors.Join(errs...))
	}
	return nil
}

// CallsignMapping renames one tracker of a stream and optionally overrides
// its CoT type.
type CallsignMapping struct {
	ID              int64  `json:"id"`
	StreamID        int64  `json:"stream_id"`
	IdentifierValue string `json:"identifier_value"`
	CustomCallsign  string `json:"custom_callsign"`
	CoTType         string `json:"cot_type,omitempty"`
	Enabled         bool   `json:"enabled"`
}

// Validate checks the mapping's invariants.
func (m *CallsignMapping) Validate() error {
	var errs []error

	if strings.TrimSpace(m.IdentifierValue) == "" {
		errs = append(errs, errors.New("identifier_value is required"))
	}
	if n := len(m.CustomCallsign); n < 1 || n > 100 {
		errs = append(errs, fmt.Errorf("custom_callsign length %d must be in 1..100", n))
	}

	if len(errs) > 0 {
		return fmt.Errorf("model: invalid callsign mapping: %w", errors.Join(errs...))
	}
	return nil
}
