// Package normalize turns raw now-playing payloads into domain events.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/genricoloni/coverd/internal/domain"
)

// ErrMalformedPayload is returned when a payload is not a JSON object
var ErrMalformedPayload = errors.New("malformed payload")

// Parse decodes a JSON object of the form
//
//	{"state": "playing", "title": "...", "artist": "...", "album": "..."}
//
// Missing or non-string key fields become empty strings and a missing or
// non-string state becomes StateUnknown. Parse never touches shared state.
func Parse(payload []byte, receivedAt time.Time) (domain.PlayEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return domain.PlayEvent{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	var fields map[string]any
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return domain.PlayEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	// "null" decodes into a nil map without error
	if fields == nil {
		return domain.PlayEvent{}, fmt.Errorf("%w: payload is not an object", ErrMalformedPayload)
	}

	return domain.PlayEvent{
		State:      ParseState(stringField(fields, "state")),
		Key:        domain.NewTrackKey(stringField(fields, "artist"), stringField(fields, "album"), stringField(fields, "title")),
		ReceivedAt: receivedAt,
	}, nil
}

// ParseState maps the state names used by Home Assistant, MPRIS and MPD
func ParseState(s string) domain.PlayState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "playing", "play":
		return domain.StatePlaying
	case "paused", "pause":
		return domain.StatePaused
	case "stopped", "stop", "idle", "off", "standby":
		return domain.StateStopped
	default:
		return domain.StateUnknown
	}
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}
