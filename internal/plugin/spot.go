package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// spotFeedURL is the SPOT shared-page API endpoint; %s is the feed ID.
const spotFeedURL = "https://api.findmespot.com/spot-main-web/consumer/rest-api/2.0/public/feed/%s/message.json"

// SPOT polls a SPOT shared-page feed for satellite messenger positions.
type SPOT struct {
	client *http.Client
}

// NewSPOT returns the SPOT provider. client may be nil to use the package
// default.
func NewSPOT(client *http.Client) *SPOT {
	return &SPOT{client: client}
}

func (s *SPOT) Metadata() Metadata {
	return Metadata{
		ID:             "spot",
		DisplayName:    "SPOT Tracker",
		Category:       CategoryTracker,
		DefaultCoTType: "a-f-G-U-C",
		ConfigSchema: []ConfigKey{
			{Name: "feed_id", Display: "Shared page feed ID", Required: true},
			{Name: "feed_password", Display: "Feed password", Sensitive: true},
		},
		HelpSections: []string{
			"Create a shared page in your SPOT account and copy its feed ID (GLId).",
		},
	}
}

var spotFields = map[string]bool{"feed_id": true, "feed_password": true}

func (s *SPOT) ValidateConfig(cfg map[string]any) []FieldError {
	var errs []FieldError
	if err := CheckConfigLimits(cfg); err != nil {
		return []FieldError{{Field: "", Message: err.Error()}}
	}
	unknownFields(cfg, spotFields, &errs)
	stringField(cfg, "feed_id", true, &errs)
	stringField(cfg, "feed_password", false, &errs)
	return errs
}

// spotFeed is the subset of the SPOT response the provider reads. The
// messages element is a single object when the feed holds one message, so a
// tolerant unmarshaller is used.
type spotFeed struct {
	FeedMessageResponse struct {
		Count    int `json:"count"`
		Messages struct {
			Message spotMessages `json:"message"`
		} `json:"messages"`
		Errors struct {
			Error struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		} `json:"errors"`
	} `json:"response"`
}

type spotMessage struct {
	MessengerID   string  `json:"messengerId"`
	MessengerName string  `json:"messengerName"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Altitude      float64 `json:"altitude"`
	DateTime      string  `json:"dateTime"`
	BatteryState  string  `json:"batteryState"`
	MessageType   string  `json:"messageType"`
}

// spotMessages accepts both the single-object and the array form.
type spotMessages []spotMessage

func (m *spotMessages) UnmarshalJSON(data []byte) error {
	var many []spotMessage
	if err := json.Unmarshal(data, &many); err == nil {
		*m = many
		return nil
	}
	var one spotMessage
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*m = spotMessages{one}
	return nil
}

func (s *SPOT) Fetch(ctx context.Context, cfg map[string]any) ([]Location, error) {
	feedID, _ := cfg["feed_id"].(string)
	if feedID == "" {
		return nil, Errf(KindConfig, "feed_id is required")
	}

	u := fmt.Sprintf(spotFeedURL, url.PathEscape(feedID))
	if pw, _ := cfg["feed_password"].(string); pw != "" {
		u += "?feedPassword=" + url.QueryEscape(pw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Wrap(KindConfig, "build request", err)
	}

	body, err := doRequest(s.client, req)
	if err != nil {
		return nil, err
	}

	var feed spotFeed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, Wrap(KindMalformed, "parse SPOT feed", err)
	}

	// SPOT reports errors inside a 200 body.
	if code := feed.FeedMessageResponse.Errors.Error.Code; code != "" {
		desc := feed.FeedMessageResponse.Errors.Error.Description
		switch code {
		case "E-0195": // incorrect feed password
			return nil, Errf(KindAuth, "spot feed: %s", desc)
		case "E-0160": // no messages in window: an empty feed, not an error
			return nil, nil
		default:
			return nil, Errf(KindMalformed, "spot feed error %s: %s", code, desc)
		}
	}

	// The feed is newest-first and may repeat a device; keep only the first
	// (latest) message per messenger.
	seen := make(map[string]bool)
	var locs []Location
	for _, msg := range feed.FeedMessageResponse.Messages.Message {
		if msg.MessengerID == "" || seen[msg.MessengerID] {
			continue
		}
		seen[msg.MessengerID] = true

		ts, err := time.Parse("2006-01-02T15:04:05-0700", msg.DateTime)
		if err != nil {
			if ts, err = time.Parse(time.RFC3339, msg.DateTime); err != nil {
				continue
			}
		}

		loc := Location{
			UID:       "spot-" + msg.MessengerID,
			Name:      msg.MessengerName,
			Timestamp: ts.UTC(),
			Lat:       msg.Latitude,
			Lon:       msg.Longitude,
			AdditionalData: map[string]any{
				"messenger_id":  msg.MessengerID,
				"battery_state": msg.BatteryState,
				"message_type":  msg.MessageType,
			},
		}
		if msg.Altitude != 0 {
			loc.Alt = floatPtr(msg.Altitude)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (s *SPOT) TestConnection(ctx context.Context, cfg map[string]any) (HealthReport, error) {
	if feedID, _ := cfg["feed_id"].(string); feedID == "" {
		return HealthReport{OK: false, Message: "no feed ID configured"}, nil
	}
	locs, err := s.Fetch(ctx, cfg)
	if err != nil {
		return HealthReport{OK: false, Message: err.Error()}, err
	}
	return HealthReport{
		OK:      true,
		Message: fmt.Sprintf("SPOT feed reachable, %d messenger(s)", len(locs)),
		Devices: len(locs),
	}, nil
}

func (s *SPOT) AvailableIdentifierFields() []FieldMeta {
	return []FieldMeta{
		{Name: "messenger_id", Display: "Messenger ID", Type: "string"},
		{Name: "name", Display: "Messenger name", Type: "string"},
	}
}

func (s *SPOT) ApplyCallsigns(locs []Location, field string, mapping map[string]string) {
	applyCallsignsByField(locs, field, mapping)
}

var (
	_ Plugin           = (*SPOT)(nil)
	_ CallsignMappable = (*SPOT)(nil)
)
