package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
)

// handleArtwork serves the current image, or the placeholder when there is none
func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	snap := s.reader.Snapshot()

	img := &s.placeholder.Image
	if snap.HasImage() {
		img = snap.Image
	}

	etag := `"` + img.Digest + `"`
	h := w.Header()
	h.Set("Cache-Control", "no-cache, must-revalidate")
	h.Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", img.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(img.Data); err != nil {
		s.logger.Debug("Artwork write aborted", zap.Error(err))
	}
}

// KeyReport is a track key as shown in the status report
type KeyReport struct {
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Title  string `json:"title"`
}

// StatusReport is the JSON body of GET /status
type StatusReport struct {
	Topic           string     `json:"topic"`
	Source          string     `json:"source"`
	State           string     `json:"state"`
	Key             *KeyReport `json:"key"`
	ImageKey        *KeyReport `json:"image_key"`
	LastAttemptKey  *KeyReport `json:"last_attempt_key"`
	Outcome         string     `json:"outcome"`
	Pending         bool       `json:"pending"`
	LastUpdated     *string    `json:"last_updated"`
	LastUpdateEpoch float64    `json:"last_update_epoch"`
	LastError       string     `json:"last_error"`
	HasArtwork      bool       `json:"has_artwork"`
	ContentType     string     `json:"content_type"`
	SizeBytes       int        `json:"size_bytes"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	ArtworkURL      string     `json:"artwork_url"`
	AlbumArtPath    string     `json:"albumart_path"`
}

func keyReport(k domain.TrackKey) *KeyReport {
	if k.IsZero() {
		return nil
	}
	return &KeyReport{Artist: k.Artist(), Album: k.Album(), Title: k.Title()}
}

// Report builds the status report for one snapshot
func (s *Server) Report(snap domain.CurrentArtifact) StatusReport {
	rep := StatusReport{
		Topic:          s.info.Topic,
		Source:         s.info.Source,
		State:          string(snap.State),
		Key:            keyReport(snap.Key),
		ImageKey:       keyReport(snap.ImageKey),
		LastAttemptKey: keyReport(snap.LastAttemptKey),
		Outcome:        string(snap.Outcome),
		Pending:        snap.Pending,
		HasArtwork:     snap.HasImage(),
		ArtworkURL:     snap.ArtworkURL,
		AlbumArtPath:   s.info.AlbumArtPath,
	}
	if rep.State == "" {
		rep.State = string(domain.StateUnknown)
	}

	if !snap.LastUpdated.IsZero() {
		ts := snap.LastUpdated.UTC().Format(time.RFC3339)
		rep.LastUpdated = &ts
		rep.LastUpdateEpoch = float64(snap.LastUpdated.UnixMilli()) / 1000
	}
	if snap.LastError != nil {
		rep.LastError = snap.LastError.Error()
	}

	img := &s.placeholder.Image
	if snap.HasImage() {
		img = snap.Image
	}
	rep.ContentType = img.ContentType
	rep.SizeBytes = len(img.Data)
	rep.Width = img.Width
	rep.Height = img.Height

	return rep
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep := s.Report(s.reader.Snapshot())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.logger.Debug("Status write aborted", zap.Error(err))
	}
}
