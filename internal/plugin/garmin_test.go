package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const garminFeedKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
 <Document>
  <Folder>
   <Placemark>
    <name>Trail Team 1</name>
    <TimeStamp><when>2026-08-01T12:30:00Z</when></TimeStamp>
    <Point><coordinates>37.1,48.2,150.0</coordinates></Point>
    <ExtendedData>
     <Data name="IMEI"><value>300434030000001</value></Data>
     <Data name="Device Type"><value>inReach Mini 2</value></Data>
     <Data name="Course"><value>270.00 ° True</value></Data>
     <Data name="Velocity"><value>7.2 km/h</value></Data>
    </ExtendedData>
   </Placemark>
   <Placemark>
    <name>Route line</name>
    <Point><coordinates></coordinates></Point>
   </Placemark>
  </Folder>
 </Document>
</kml>`

func TestGarminFetch(t *testing.T) {
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, gotAuth = r.BasicAuth()
		w.Write([]byte(garminFeedKML))
	}))
	t.Cleanup(srv.Close)

	g := NewGarmin(srv.Client())
	locs, err := g.Fetch(context.Background(), map[string]any{
		"url":      srv.URL,
		"username": "share",
		"password": "pw",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !gotAuth {
		t.Error("basic auth credentials not sent")
	}
	if len(locs) != 1 {
		t.Fatalf("got %d locations, want 1 (overlay placemark skipped)", len(locs))
	}

	loc := locs[0]
	if loc.UID != "garmin-300434030000001" {
		t.Errorf("UID = %q", loc.UID)
	}
	if loc.Name != "Trail Team 1" {
		t.Errorf("Name = %q", loc.Name)
	}
	if loc.Lat != 48.2 || loc.Lon != 37.1 {
		t.Errorf("position = %v,%v, want 48.2,37.1", loc.Lat, loc.Lon)
	}
	if loc.Alt == nil || *loc.Alt != 150.0 {
		t.Errorf("Alt = %v, want 150", loc.Alt)
	}
	if loc.Course == nil || *loc.Course != 270 {
		t.Errorf("Course = %v, want 270", loc.Course)
	}
	if loc.Speed == nil || *loc.Speed != 2 {
		t.Errorf("Speed = %v, want 2 m/s (7.2 km/h)", loc.Speed)
	}
	want := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	if !loc.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %s, want %s", loc.Timestamp, want)
	}
	if loc.AdditionalData["imei"] != "300434030000001" {
		t.Errorf("imei = %v", loc.AdditionalData["imei"])
	}
	if loc.AdditionalData["device_type"] != "inReach Mini 2" {
		t.Errorf("device_type = %v", loc.AdditionalData["device_type"])
	}
}

func TestGarminFetchEmptyExtendedData(t *testing.T) {
	// Stationary devices report empty Course/Velocity values.
	const kml = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
 <Document>
  <Placemark>
   <name>Parked Unit</name>
   <TimeStamp><when>2026-08-01T12:30:00Z</when></TimeStamp>
   <Point><coordinates>37.1,48.2</coordinates></Point>
   <ExtendedData>
    <Data name="IMEI"><value>300434030000002</value></Data>
    <Data name="Course"><value></value></Data>
    <Data name="Velocity"><value></value></Data>
   </ExtendedData>
  </Placemark>
 </Document>
</kml>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(kml))
	}))
	t.Cleanup(srv.Close)

	g := NewGarmin(srv.Client())
	locs, err := g.Fetch(context.Background(), map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("got %d locations, want 1", len(locs))
	}
	if locs[0].Course != nil {
		t.Errorf("Course = %v, want nil for empty value", *locs[0].Course)
	}
	if locs[0].Speed != nil {
		t.Errorf("Speed = %v, want nil for empty value", *locs[0].Speed)
	}
}

func TestGarminFetchErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   ErrorKind
	}{
		{"auth", http.StatusUnauthorized, KindAuth},
		{"forbidden", http.StatusForbidden, KindAuth},
		{"rate limit", http.StatusTooManyRequests, KindRateLimited},
		{"server error", http.StatusBadGateway, KindUnreachable},
		{"odd status", http.StatusTeapot, KindMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.status == http.StatusTooManyRequests {
					w.Header().Set("Retry-After", "30")
				}
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			g := NewGarmin(srv.Client())
			_, err := g.Fetch(context.Background(), map[string]any{"url": srv.URL})
			if KindOf(err) != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", KindOf(err), tt.want, err)
			}
			if tt.want == KindRateLimited && RetryAfterOf(err) != 30*time.Second {
				t.Errorf("RetryAfter = %s, want 30s", RetryAfterOf(err))
			}
		})
	}
}

func TestGarminFetchMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<not-kml"))
	}))
	t.Cleanup(srv.Close)

	g := NewGarmin(srv.Client())
	_, err := g.Fetch(context.Background(), map[string]any{"url": srv.URL})
	if KindOf(err) != KindMalformed {
		t.Errorf("kind = %s, want %s", KindOf(err), KindMalformed)
	}
}

func TestGarminFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	g := NewGarmin(srv.Client())
	_, err := g.Fetch(ctx, map[string]any{"url": srv.URL})
	if KindOf(err) != KindCancelled {
		t.Errorf("kind = %s, want %s (err %v)", KindOf(err), KindCancelled, err)
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Error("fetch error is not a typed plugin error")
	}
}

func TestGarminValidateConfig(t *testing.T) {
	g := NewGarmin(nil)

	if errs := g.ValidateConfig(map[string]any{"url": "https://share.garmin.com/x"}); len(errs) != 0 {
		t.Errorf("valid config rejected: %v", errs)
	}

	errs := g.ValidateConfig(map[string]any{"url": "http://insecure", "bogus": true})
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	if !fields["url"] {
		t.Error("http:// url not flagged")
	}
	if !fields["bogus"] {
		t.Error("unknown field not flagged")
	}

	if errs := g.ValidateConfig(map[string]any{}); len(errs) == 0 {
		t.Error("missing url not flagged")
	}
}
