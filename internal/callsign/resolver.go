// Package callsign applies a stream's identifier→callsign mappings and
// per-callsign CoT type overrides to fetched locations. A Resolver is built
// from one configuration snapshot; the worker replaces it when the stream's
// config version changes, so lookups stay map-backed between reloads.
package callsign

import (
	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/plugin"
)

// Settings is the slice of stream configuration the resolver needs.
type Settings struct {
	Enabled            bool
	IdentifierField    string
	ErrorHandling      model.CallsignErrorMode
	PerCallsignCoTType bool
}

// Stats counts locations removed during resolution.
type Stats struct {
	// Skipped is locations dropped by the skip error-handling policy.
	Skipped int
	// Disabled is locations dropped because their mapping is disabled.
	Disabled int
}

// Resolver resolves one stream's locations against its mapping set.
type Resolver struct {
	settings Settings
	byID     map[string]model.CallsignMapping
	mappable plugin.CallsignMappable
}

// New builds a resolver from a configuration snapshot. mappable may be nil
// when the stream's plugin does not implement the capability; identifier
// extraction then falls back to a best-effort AdditionalData lookup.
func New(settings Settings, mappings []model.CallsignMapping, mappable plugin.CallsignMappable) *Resolver {
	byID := make(map[string]model.CallsignMapping, len(mappings))
	for _, m := range mappings {
		byID[m.IdentifierValue] = m
	}
	return &Resolver{settings: settings, byID: byID, mappable: mappable}
}

// Resolve applies the mapping set to locs and returns the kept locations.
// When mapping is disabled for the stream the input passes through untouched.
func (r *Resolver) Resolve(locs []plugin.Location) ([]plugin.Location, Stats) {
	if !r.settings.Enabled || len(locs) == 0 {
		return locs, Stats{}
	}

	// Let a capable plugin fill display names from the enabled mappings
	// first; the per-location pass below handles drops and CoT overrides.
	if r.mappable != nil {
		names := make(map[string]string, len(r.byID))
		for id, m := range r.byID {
			if m.Enabled {
				names[id] = m.CustomCallsign
			}
		}
		r.mappable.ApplyCallsigns(locs, r.settings.IdentifierField, names)
	}

	var stats Stats
	kept := locs[:0]
	for _, loc := range locs {
		id, ok := plugin.LookupIdentifier(&loc, r.settings.IdentifierField)
		if !ok {
			// No identifier on the location at all; treated like no match.
			if r.settings.ErrorHandling == model.CallsignSkip {
				stats.Skipped++
				continue
			}
			kept = append(kept, loc)
			continue
		}

		m, found := r.byID[id]
		switch {
		case found && !m.Enabled:
			// Operationally disabled tracker.
			stats.Disabled++
			continue
		case found:
			loc.Name = m.CustomCallsign
			if r.settings.PerCallsignCoTType && m.CoTType != "" {
				loc.CoTType = m.CoTType
			}
			kept = append(kept, loc)
		case r.settings.ErrorHandling == model.CallsignSkip:
			stats.Skipped++
		default:
			// Fallback: keep the plugin's own name.
			kept = append(kept, loc)
		}
	}
	return kept, stats
}

// CoTTypeFor resolves the event type for one location. By the time the
// transform runs, loc.CoTType holds the winning override, if any: the worker
// clears plugin-declared types in per_stream mode before resolution, and the
// resolver writes per-callsign overrides on top. Whatever remains beats the
// stream default; a location with no type falls through to it.
func CoTTypeFor(loc *plugin.Location, streamDefault string) string {
	if loc.CoTType != "" {
		return loc.CoTType
	}
	return streamDefault
}
