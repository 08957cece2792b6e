package domain

import (
	"strings"
	"time"
)

// PlayState represents the playback state carried by a now-playing event
type PlayState string

const (
	// StatePlaying indicates the media is currently playing
	StatePlaying PlayState = "playing"
	// StatePaused indicates the media is paused
	StatePaused PlayState = "paused"
	// StateStopped indicates the player is stopped or idle
	StateStopped PlayState = "stopped"
	// StateUnknown is used when the payload carries no recognizable state
	StateUnknown PlayState = "unknown"
)

// Active reports whether the state may trigger an artwork resolution
func (s PlayState) Active() bool {
	return s == StatePlaying || s == StatePaused
}

// TrackKey is the canonical identity of a song instance.
// Equality uses the trimmed, case-folded fields; the display fields keep the
// casing of the event that produced the key. The zero value means "no key".
type TrackKey struct {
	artist, album, title string
	folded               [3]string
	valid                bool
}

// NewTrackKey builds a key from raw artist, album and title strings.
// Empty fields are kept as wildcards and still take part in equality.
func NewTrackKey(artist, album, title string) TrackKey {
	artist = strings.TrimSpace(artist)
	album = strings.TrimSpace(album)
	title = strings.TrimSpace(title)

	return TrackKey{
		artist: artist,
		album:  album,
		title:  title,
		folded: [3]string{fold(artist), fold(album), fold(title)},
		valid:  true,
	}
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Artist returns the display artist
func (k TrackKey) Artist() string { return k.artist }

// Album returns the display album
func (k TrackKey) Album() string { return k.album }

// Title returns the display title
func (k TrackKey) Title() string { return k.title }

// IsZero reports whether k is the "no key" value
func (k TrackKey) IsZero() bool { return !k.valid }

// Equal compares two keys by their folded form
func (k TrackKey) Equal(other TrackKey) bool {
	return k.valid == other.valid && k.folded == other.folded
}

// String renders the key for logs
func (k TrackKey) String() string {
	if !k.valid {
		return "<none>"
	}
	return k.artist + " - " + k.title + " (" + k.album + ")"
}

// PlayEvent is one normalized inbound message
type PlayEvent struct {
	State      PlayState
	Key        TrackKey
	ReceivedAt time.Time
}

// RawMessage is a payload as delivered by a Source, before normalization
type RawMessage struct {
	// Topic or channel the payload was received on
	Topic string
	// Payload holds the undecoded message body
	Payload []byte
	// ReceivedAt is the local arrival time
	ReceivedAt time.Time
}

// AttemptStatus is the lifecycle state of a ResolutionAttempt
type AttemptStatus string

const (
	AttemptNone      AttemptStatus = ""
	AttemptPending   AttemptStatus = "pending"
	AttemptResolved  AttemptStatus = "resolved"
	AttemptNotFound  AttemptStatus = "not_found"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCancelled AttemptStatus = "cancelled"
)

// Terminal reports whether no further transition is possible
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptResolved, AttemptNotFound, AttemptFailed, AttemptCancelled:
		return true
	}
	return false
}

// Image is an immutable decoded-and-verified artwork blob
type Image struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	// Digest is a hex content hash, stable across restarts
	Digest string
}

// ResolutionAttempt is one end-to-end effort to obtain artwork for a key
type ResolutionAttempt struct {
	ID         uint64
	Key        TrackKey
	Status     AttemptStatus
	ArtworkURL string
	Image      *Image
	StartedAt  time.Time
	ResolvedAt time.Time
	Err        error
}

// CurrentArtifact is the single value served over HTTP.
// It is published as a whole and never mutated afterwards.
type CurrentArtifact struct {
	// Version is stamped by the store on every replace
	Version uint64
	// State is the last play state applied to the artifact
	State PlayState
	// Key is the track the artifact currently reports
	Key TrackKey
	// Image is nil when the placeholder should be served
	Image *Image
	// ImageKey is the track Image was resolved for
	ImageKey TrackKey
	// ArtworkURL is the remote URL Image was fetched from
	ArtworkURL string
	// Outcome is the terminal status of the last applied attempt
	Outcome     AttemptStatus
	LastUpdated time.Time
	LastError   error
	// LastAttemptKey is the key of the most recently triggered attempt
	LastAttemptKey TrackKey
	// Pending is true while an attempt for LastAttemptKey is in flight
	Pending bool
}

// HasImage reports whether a resolved image is available
func (a CurrentArtifact) HasImage() bool {
	return a.Image != nil && len(a.Image.Data) > 0
}
