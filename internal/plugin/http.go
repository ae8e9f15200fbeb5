package plugin

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// defaultHTTPClient is shared by the built-in providers. Per-fetch deadlines
// come from the worker's context; the client timeout is only a hard upper
// bound against leaked requests.
var defaultHTTPClient = &http.Client{
	Timeout: 45 * time.Second,
}

// maxResponseBytes caps how much of an upstream body is read. Providers
// return latest-position snapshots; anything near this size is malformed.
const maxResponseBytes = 8 << 20

// doRequest executes req and classifies the outcome into the plugin error
// taxonomy. On success it returns the response body.
func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	if client == nil {
		client = defaultHTTPClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, Wrap(KindUnreachable, fmt.Sprintf("request %s", req.URL.Host), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Wrap(KindUnreachable, "read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Errf(KindAuth, "upstream returned %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{
			Kind:       KindRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Msg:        "upstream rate limit",
		}
	case resp.StatusCode >= 500:
		return nil, Errf(KindUnreachable, "upstream returned %s", resp.Status)
	default:
		return nil, Errf(KindMalformed, "unexpected status %s", resp.Status)
	}
}

// parseRetryAfter reads a Retry-After header value in delta-seconds form.
// HTTP-date form and garbage both fall back to zero (worker picks its own
// backoff).
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// floatPtr returns a pointer to v, for the optional Location fields.
func floatPtr(v float64) *float64 { return &v }

// lookupIdentifier does a best-effort identifier extraction from a location's
// AdditionalData, used both by ApplyCallsigns implementations and by the
// resolver's fallback path for plugins without the capability.
func lookupIdentifier(loc *Location, field string) (string, bool) {
	if field == "uid" {
		return loc.UID, loc.UID != ""
	}
	if field == "name" {
		return loc.Name, loc.Name != ""
	}
	v, ok := loc.AdditionalData[field]
	if !ok {
		return "", false
	}
	switch vv := v.(type) {
	case string:
		return vv, vv != ""
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64), true
	case int:
		return strconv.Itoa(vv), true
	case int64:
		return strconv.FormatInt(vv, 10), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// LookupIdentifier is the exported form used by the callsign resolver when a
// plugin does not implement CallsignMappable.
func LookupIdentifier(loc *Location, field string) (string, bool) {
	return lookupIdentifier(loc, field)
}

// applyCallsignsByField is the shared ApplyCallsigns implementation: for each
// location whose identifier field resolves to a key of mapping, overwrite
// Name with the mapped callsign.
func applyCallsignsByField(locs []Location, field string, mapping map[string]string) {
	for i := range locs {
		id, ok := lookupIdentifier(&locs[i], field)
		if !ok {
			continue
		}
		if callsign, ok := mapping[id]; ok && callsign != "" {
			locs[i].Name = callsign
		}
	}
}
