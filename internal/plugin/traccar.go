package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// knotsToMS converts Traccar's knot speeds to the m/s CoT expects.
const knotsToMS = 0.514444

// Traccar polls a Traccar server's REST API: /api/devices for names and
// unique IDs, /api/positions for the latest fix per device.
type Traccar struct {
	client *http.Client
}

// NewTraccar returns the Traccar provider. client may be nil to use the
// package default.
func NewTraccar(client *http.Client) *Traccar {
	return &Traccar{client: client}
}

func (t *Traccar) Metadata() Metadata {
	return Metadata{
		ID:             "traccar",
		DisplayName:    "Traccar Server",
		Category:       CategoryTracker,
		DefaultCoTType: "a-f-G-U-C",
		ConfigSchema: []ConfigKey{
			{Name: "server_url", Display: "Traccar server URL", Required: true},
			{Name: "username", Display: "Username"},
			{Name: "password", Display: "Password", Sensitive: true},
			{Name: "token", Display: "API token", Sensitive: true},
		},
		HelpSections: []string{
			"Provide either username/password or an API token.",
		},
	}
}

var traccarFields = map[string]bool{
	"server_url": true, "username": true, "password": true, "token": true,
}

func (t *Traccar) ValidateConfig(cfg map[string]any) []FieldError {
	var errs []FieldError
	if err := CheckConfigLimits(cfg); err != nil {
		return []FieldError{{Field: "", Message: err.Error()}}
	}
	unknownFields(cfg, traccarFields, &errs)
	u := stringField(cfg, "server_url", true, &errs)
	if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, FieldError{Field: "server_url", Message: "must be an http:// or https:// URL"})
	}
	user := stringField(cfg, "username", false, &errs)
	token := stringField(cfg, "token", false, &errs)
	if user == "" && token == "" {
		errs = append(errs, FieldError{Field: "username", Message: "username/password or token is required"})
	}
	return errs
}

type traccarDevice struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	UniqueID string `json:"uniqueId"`
	Status   string `json:"status"`
}

type traccarPosition struct {
	DeviceID   int64          `json:"deviceId"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Altitude   float64        `json:"altitude"`
	Speed      float64        `json:"speed"` // knots
	Course     float64        `json:"course"`
	Accuracy   float64        `json:"accuracy"`
	DeviceTime time.Time      `json:"deviceTime"`
	Attributes map[string]any `json:"attributes"`
}

func (t *Traccar) Fetch(ctx context.Context, cfg map[string]any) ([]Location, error) {
	base, _ := cfg["server_url"].(string)
	if base == "" {
		return nil, Errf(KindConfig, "server_url is required")
	}
	base = strings.TrimRight(base, "/")

	var devices []traccarDevice
	if err := t.getJSON(ctx, cfg, base+"/api/devices", &devices); err != nil {
		return nil, err
	}
	var positions []traccarPosition
	if err := t.getJSON(ctx, cfg, base+"/api/positions", &positions); err != nil {
		return nil, err
	}

	byID := make(map[int64]traccarDevice, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	var locs []Location
	for _, pos := range positions {
		dev, ok := byID[pos.DeviceID]
		if !ok {
			continue
		}

		extra := map[string]any{
			"unique_id": dev.UniqueID,
			"device_id": strconv.FormatInt(dev.ID, 10),
			"status":    dev.Status,
		}
		for k, v := range pos.Attributes {
			extra[k] = v
		}

		loc := Location{
			UID:            "traccar-" + dev.UniqueID,
			Name:           dev.Name,
			Timestamp:      pos.DeviceTime.UTC(),
			Lat:            pos.Latitude,
			Lon:            pos.Longitude,
			Alt:            floatPtr(pos.Altitude),
			Course:         floatPtr(pos.Course),
			Speed:          floatPtr(pos.Speed * knotsToMS),
			AdditionalData: extra,
		}
		if pos.Accuracy > 0 {
			loc.Accuracy = floatPtr(pos.Accuracy)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// getJSON performs one authenticated GET against the Traccar API and decodes
// the JSON body into out.
func (t *Traccar) getJSON(ctx context.Context, cfg map[string]any, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Wrap(KindConfig, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	if token, _ := cfg["token"].(string); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if user, _ := cfg["username"].(string); user != "" {
		pass, _ := cfg["password"].(string)
		req.SetBasicAuth(user, pass)
	}

	body, err := doRequest(t.client, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Wrap(KindMalformed, fmt.Sprintf("parse %s", url), err)
	}
	return nil
}

func (t *Traccar) TestConnection(ctx context.Context, cfg map[string]any) (HealthReport, error) {
	user, _ := cfg["username"].(string)
	token, _ := cfg["token"].(string)
	if user == "" && token == "" {
		return HealthReport{OK: false, Message: "no credentials configured"}, nil
	}

	base, _ := cfg["server_url"].(string)
	base = strings.TrimRight(base, "/")
	var devices []traccarDevice
	if err := t.getJSON(ctx, cfg, base+"/api/devices", &devices); err != nil {
		return HealthReport{OK: false, Message: err.Error()}, err
	}
	return HealthReport{
		OK:      true,
		Message: fmt.Sprintf("Traccar server reachable, %d device(s)", len(devices)),
		Devices: len(devices),
	}, nil
}

func (t *Traccar) AvailableIdentifierFields() []FieldMeta {
	return []FieldMeta{
		{Name: "unique_id", Display: "Device unique ID", Type: "string"},
		{Name: "device_id", Display: "Traccar device ID", Type: "string"},
		{Name: "name", Display: "Device name", Type: "string"},
	}
}

func (t *Traccar) ApplyCallsigns(locs []Location, field string, mapping map[string]string) {
	applyCallsignsByField(locs, field, mapping)
}

var (
	_ Plugin           = (*Traccar)(nil)
	_ CallsignMappable = (*Traccar)(nil)
)
