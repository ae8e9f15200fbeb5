package plugin

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// identifierRe is the only shape an external plugin identifier may take.
// Anything else (path separators, dots, uppercase) is rejected outright.
var identifierRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Registry holds the available plugins. Built-ins are registered at
// construction; external plugins are admitted only through an allow-list.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	allow   map[string]bool
}

// NewRegistry returns a registry pre-populated with the built-in providers
// and the given external-plugin allow-list.
func NewRegistry(allowList []string) *Registry {
	r := &Registry{
		plugins: make(map[string]Plugin),
		allow:   make(map[string]bool, len(allowList)),
	}
	for _, id := range allowList {
		r.allow[id] = true
	}

	// Built-in providers, enumerated at startup.
	for _, p := range []Plugin{
		NewGarmin(nil),
		NewSPOT(nil),
		NewTraccar(nil),
		NewDeepstate(nil),
	} {
		r.plugins[p.Metadata().ID] = p
	}
	return r
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("plugin: unknown plugin type %q", id)
	}
	return p, nil
}

// List returns the metadata of every registered plugin, sorted by id.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterExternal admits an externally loaded plugin. The identifier must be
// on the allow-list and must match the strict identifier charset; identifiers
// carrying path traversal or any non-identifier character are refused before
// the allow-list is even consulted.
func (r *Registry) RegisterExternal(id string, p Plugin) error {
	if err := ValidateExternalID(id); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allow[id] {
		return fmt.Errorf("plugin: external plugin %q is not on the allow-list", id)
	}
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("plugin: plugin %q is already registered", id)
	}
	r.plugins[id] = p
	return nil
}

// ValidateExternalID checks that id is a safe plugin module identifier.
func ValidateExternalID(id string) error {
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("plugin: identifier %q contains path traversal", id)
	}
	if !identifierRe.MatchString(id) {
		return fmt.Errorf("plugin: identifier %q is not a valid plugin identifier", id)
	}
	return nil
}
