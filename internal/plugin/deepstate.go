package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// defaultDeepstateURL is the public "latest situation" GeoJSON endpoint.
const defaultDeepstateURL = "https://deepstatemap.live/api/history/last"

// Deepstate polls the Deepstate OSINT map for marker positions. It is an
// OSINT source: markers default to a hostile ground CoT type and carry the
// map's update time rather than a per-device fix time.
type Deepstate struct {
	client *http.Client
}

// NewDeepstate returns the Deepstate provider. client may be nil to use the
// package default.
func NewDeepstate(client *http.Client) *Deepstate {
	return &Deepstate{client: client}
}

func (d *Deepstate) Metadata() Metadata {
	return Metadata{
		ID:             "deepstate",
		DisplayName:    "Deepstate Map",
		Category:       CategoryOSINT,
		DefaultCoTType: "a-h-G",
		ConfigSchema: []ConfigKey{
			{Name: "api_url", Display: "API URL (defaults to the public endpoint)"},
		},
	}
}

var deepstateFields = map[string]bool{"api_url": true}

func (d *Deepstate) ValidateConfig(cfg map[string]any) []FieldError {
	var errs []FieldError
	if err := CheckConfigLimits(cfg); err != nil {
		return []FieldError{{Field: "", Message: err.Error()}}
	}
	unknownFields(cfg, deepstateFields, &errs)
	stringField(cfg, "api_url", false, &errs)
	return errs
}

type deepstateResponse struct {
	ID  int64 `json:"id"`
	Map struct {
		Features []deepstateFeature `json:"features"`
	} `json:"map"`
	// UpdatedAt is epoch seconds of the last map revision.
	UpdatedAt int64 `json:"createdAt"`
}

type deepstateFeature struct {
	ID       any `json:"id"`
	Geometry struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
	Properties struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"properties"`
}

func (d *Deepstate) Fetch(ctx context.Context, cfg map[string]any) ([]Location, error) {
	url, _ := cfg["api_url"].(string)
	if url == "" {
		url = defaultDeepstateURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(KindConfig, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := doRequest(d.client, req)
	if err != nil {
		return nil, err
	}

	var resp deepstateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, Wrap(KindMalformed, "parse deepstate response", err)
	}

	ts := time.Now().UTC()
	if resp.UpdatedAt > 0 {
		ts = time.Unix(resp.UpdatedAt, 0).UTC()
	}

	var locs []Location
	for i, f := range resp.Map.Features {
		// Only point markers become events; polygons and lines are frontline
		// geometry this bridge does not deliver.
		if f.Geometry.Type != "Point" || len(f.Geometry.Coordinates) < 2 {
			continue
		}

		uid := featureUID(f.ID, i)
		locs = append(locs, Location{
			UID:       "deepstate-" + uid,
			Name:      f.Properties.Name,
			Timestamp: ts,
			Lon:       f.Geometry.Coordinates[0],
			Lat:       f.Geometry.Coordinates[1],
			Remarks:   f.Properties.Description,
			AdditionalData: map[string]any{
				"feature_id": uid,
				"source":     "deepstate",
			},
		})
	}
	return locs, nil
}

// featureUID normalizes the feature id, which the API serves as either a
// number or a string; a positional fallback keeps uids stable within a fetch.
func featureUID(id any, idx int) string {
	switch v := id.(type) {
	case string:
		if v != "" {
			return v
		}
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.Itoa(idx)
}

func (d *Deepstate) TestConnection(ctx context.Context, cfg map[string]any) (HealthReport, error) {
	locs, err := d.Fetch(ctx, cfg)
	if err != nil {
		return HealthReport{OK: false, Message: err.Error()}, err
	}
	return HealthReport{
		OK:      true,
		Message: fmt.Sprintf("deepstate API reachable, %d marker(s)", len(locs)),
		Devices: len(locs),
	}, nil
}

var _ Plugin = (*Deepstate)(nil)
