package plugin

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Garmin polls a Garmin InReach MapShare KML feed. The feed returns one
// Placemark per device carrying the latest known position plus extended data
// (IMEI, device type, course, velocity).
type Garmin struct {
	client *http.Client
}

// NewGarmin returns the Garmin InReach provider. client may be nil to use
// the package default.
func NewGarmin(client *http.Client) *Garmin {
	return &Garmin{client: client}
}

func (g *Garmin) Metadata() Metadata {
	return Metadata{
		ID:             "garmin",
		DisplayName:    "Garmin InReach",
		Category:       CategoryTracker,
		DefaultCoTType: "a-f-G-U-C",
		ConfigSchema: []ConfigKey{
			{Name: "url", Display: "MapShare feed URL", Required: true},
			{Name: "username", Display: "MapShare username"},
			{Name: "password", Display: "MapShare password", Sensitive: true},
		},
		HelpSections: []string{
			"Enable MapShare in your Garmin Explore account and copy the feed URL.",
			"Set a MapShare password if the share is protected.",
		},
	}
}

var garminFields = map[string]bool{"url": true, "username": true, "password": true}

func (g *Garmin) ValidateConfig(cfg map[string]any) []FieldError {
	var errs []FieldError
	if err := CheckConfigLimits(cfg); err != nil {
		return []FieldError{{Field: "", Message: err.Error()}}
	}
	unknownFields(cfg, garminFields, &errs)
	url := stringField(cfg, "url", true, &errs)
	if url != "" && !strings.HasPrefix(url, "https://") {
		errs = append(errs, FieldError{Field: "url", Message: "must be an https:// URL"})
	}
	stringField(cfg, "username", false, &errs)
	stringField(cfg, "password", false, &errs)
	return errs
}

// KML feed shape. Garmin nests Placemarks either directly in Document or in
// a Folder; both are walked.
type garminKML struct {
	Document struct {
		Placemarks []garminPlacemark `xml:"Placemark"`
		Folders    []struct {
			Placemarks []garminPlacemark `xml:"Placemark"`
		} `xml:"Folder"`
	} `xml:"Document"`
}

type garminPlacemark struct {
	Name      string `xml:"name"`
	TimeStamp struct {
		When string `xml:"when"`
	} `xml:"TimeStamp"`
	Point struct {
		Coordinates string `xml:"coordinates"`
	} `xml:"Point"`
	ExtendedData struct {
		Data []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value"`
		} `xml:"Data"`
	} `xml:"ExtendedData"`
}

func (g *Garmin) Fetch(ctx context.Context, cfg map[string]any) ([]Location, error) {
	url, _ := cfg["url"].(string)
	if url == "" {
		return nil, Errf(KindConfig, "url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(KindConfig, "build request", err)
	}
	if user, _ := cfg["username"].(string); user != "" {
		pass, _ := cfg["password"].(string)
		req.SetBasicAuth(user, pass)
	}

	body, err := doRequest(g.client, req)
	if err != nil {
		return nil, err
	}

	var feed garminKML
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, Wrap(KindMalformed, "parse KML feed", err)
	}

	placemarks := feed.Document.Placemarks
	for _, f := range feed.Document.Folders {
		placemarks = append(placemarks, f.Placemarks...)
	}

	var locs []Location
	for _, pm := range placemarks {
		loc, ok := garminLocation(pm)
		if !ok {
			continue
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// garminLocation converts one Placemark. Placemarks without coordinates or a
// timestamp (route lines, map overlays) are skipped.
func garminLocation(pm garminPlacemark) (Location, bool) {
	coords := strings.TrimSpace(pm.Point.Coordinates)
	if coords == "" || pm.TimeStamp.When == "" {
		return Location{}, false
	}

	// KML coordinates are "lon,lat[,alt]".
	parts := strings.Split(coords, ",")
	if len(parts) < 2 {
		return Location{}, false
	}
	lon, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lat, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return Location{}, false
	}

	ts, err := time.Parse(time.RFC3339, pm.TimeStamp.When)
	if err != nil {
		return Location{}, false
	}

	extra := make(map[string]any, len(pm.ExtendedData.Data))
	for _, d := range pm.ExtendedData.Data {
		extra[normalizeGarminKey(d.Name)] = d.Value
	}

	imei, _ := extra["imei"].(string)
	uid := imei
	if uid == "" {
		uid = pm.Name
	}

	loc := Location{
		UID:            "garmin-" + uid,
		Name:           pm.Name,
		Timestamp:      ts.UTC(),
		Lat:            lat,
		Lon:            lon,
		AdditionalData: extra,
	}
	if len(parts) >= 3 {
		if alt, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
			loc.Alt = floatPtr(alt)
		}
	}
	if c, ok := extra["course"].(string); ok {
		if v, ok := leadingFloat(c); ok {
			loc.Course = floatPtr(v)
		}
	}
	if s, ok := extra["velocity"].(string); ok {
		// Velocity arrives as "12.3 km/h"; CoT wants m/s.
		if v, ok := leadingFloat(s); ok {
			loc.Speed = floatPtr(v / 3.6)
		}
	}
	return loc, true
}

// leadingFloat parses the numeric prefix of an ExtendedData value such as
// "12.3 km/h" or "270.00 ° True". Stationary devices report empty values.
func leadingFloat(s string) (float64, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// normalizeGarminKey lowercases a KML ExtendedData name ("IMEI" → "imei",
// "Device Type" → "device_type").
func normalizeGarminKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

func (g *Garmin) TestConnection(ctx context.Context, cfg map[string]any) (HealthReport, error) {
	if url, _ := cfg["url"].(string); url == "" {
		return HealthReport{OK: false, Message: "no feed URL configured"}, nil
	}
	locs, err := g.Fetch(ctx, cfg)
	if err != nil {
		return HealthReport{OK: false, Message: err.Error()}, err
	}
	return HealthReport{
		OK:      true,
		Message: fmt.Sprintf("MapShare feed reachable, %d device(s)", len(locs)),
		Devices: len(locs),
	}, nil
}

func (g *Garmin) AvailableIdentifierFields() []FieldMeta {
	return []FieldMeta{
		{Name: "imei", Display: "IMEI", Type: "string"},
		{Name: "name", Display: "Device name", Type: "string"},
		{Name: "device_type", Display: "Device type", Type: "string"},
	}
}

func (g *Garmin) ApplyCallsigns(locs []Location, field string, mapping map[string]string) {
	applyCallsignsByField(locs, field, mapping)
}

var (
	_ Plugin           = (*Garmin)(nil)
	_ CallsignMappable = (*Garmin)(nil)
)
