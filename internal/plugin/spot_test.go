package plugin

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

// canned is a RoundTripper serving a fixed response, used because the SPOT
// endpoint is hard-wired to the public API host.
type canned struct {
	status int
	body   string
	gotURL string
}

func (c *canned) RoundTrip(req *http.Request) (*http.Response, error) {
	c.gotURL = req.URL.String()
	return &http.Response{
		StatusCode: c.status,
		Status:     http.StatusText(c.status),
		Body:       io.NopCloser(strings.NewReader(c.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func spotClient(rt *canned) *http.Client {
	return &http.Client{Transport: rt}
}

const spotFeedJSON = `{
 "response": {
  "count": 3,
  "messages": {
   "message": [
    {"messengerId":"0-1111","messengerName":"Hiker A","latitude":48.2,"longitude":37.1,
     "altitude":300,"dateTime":"2026-08-01T12:30:00+0000","batteryState":"GOOD","messageType":"TRACK"},
    {"messengerId":"0-1111","messengerName":"Hiker A","latitude":48.1,"longitude":37.0,
     "altitude":290,"dateTime":"2026-08-01T12:20:00+0000","batteryState":"GOOD","messageType":"TRACK"},
    {"messengerId":"0-2222","messengerName":"Hiker B","latitude":49.0,"longitude":36.0,
     "altitude":0,"dateTime":"2026-08-01T12:25:00+0000","batteryState":"LOW","messageType":"TRACK"}
   ]
  }
 }
}`

func TestSPOTFetchNewestWins(t *testing.T) {
	rt := &canned{status: http.StatusOK, body: spotFeedJSON}
	s := NewSPOT(spotClient(rt))

	locs, err := s.Fetch(context.Background(), map[string]any{
		"feed_id":       "FEED123",
		"feed_password": "pw",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(rt.gotURL, "FEED123") {
		t.Errorf("feed id missing from URL %q", rt.gotURL)
	}
	if !strings.Contains(rt.gotURL, "feedPassword=pw") {
		t.Errorf("feed password missing from URL %q", rt.gotURL)
	}

	if len(locs) != 2 {
		t.Fatalf("got %d locations, want 2 (one per messenger)", len(locs))
	}
	if locs[0].UID != "spot-0-1111" || locs[0].Lat != 48.2 {
		t.Errorf("first messenger kept %v, want newest message", locs[0])
	}
	want := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	if !locs[0].Timestamp.Equal(want) {
		t.Errorf("Timestamp = %s, want %s", locs[0].Timestamp, want)
	}
	if locs[0].Alt == nil || *locs[0].Alt != 300 {
		t.Errorf("Alt = %v, want 300", locs[0].Alt)
	}
	if locs[1].Alt != nil {
		t.Errorf("zero altitude must map to unknown, got %v", *locs[1].Alt)
	}
	if locs[1].AdditionalData["battery_state"] != "LOW" {
		t.Errorf("battery_state = %v", locs[1].AdditionalData["battery_state"])
	}
}

func TestSPOTFetchSingleMessageObject(t *testing.T) {
	body := `{"response":{"count":1,"messages":{"message":
	 {"messengerId":"0-3333","messengerName":"Solo","latitude":1,"longitude":2,
	  "dateTime":"2026-08-01T12:30:00+0000"}}}}`
	s := NewSPOT(spotClient(&canned{status: http.StatusOK, body: body}))

	locs, err := s.Fetch(context.Background(), map[string]any{"feed_id": "F"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(locs) != 1 || locs[0].UID != "spot-0-3333" {
		t.Fatalf("locs = %v, want the single messenger", locs)
	}
}

func TestSPOTFeedErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want ErrorKind
		ok   bool
	}{
		{"bad password", "E-0195", KindAuth, false},
		{"empty window", "E-0160", "", true},
		{"other", "E-0104", KindMalformed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"response":{"errors":{"error":{"code":"` + tt.code + `","description":"d"}}}}`
			s := NewSPOT(spotClient(&canned{status: http.StatusOK, body: body}))

			locs, err := s.Fetch(context.Background(), map[string]any{"feed_id": "F"})
			if tt.ok {
				if err != nil || locs != nil {
					t.Fatalf("empty window: locs=%v err=%v, want nil/nil", locs, err)
				}
				return
			}
			if KindOf(err) != tt.want {
				t.Errorf("kind = %s, want %s", KindOf(err), tt.want)
			}
		})
	}
}

func TestSPOTValidateConfig(t *testing.T) {
	s := NewSPOT(nil)
	if errs := s.ValidateConfig(map[string]any{"feed_id": "F"}); len(errs) != 0 {
		t.Errorf("valid config rejected: %v", errs)
	}
	if errs := s.ValidateConfig(map[string]any{}); len(errs) == 0 {
		t.Error("missing feed_id not flagged")
	}
}
