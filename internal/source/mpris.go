package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	_mprisPrefix     = "org.mpris.MediaPlayer2."
	_mprisPath       = "/org/mpris/MediaPlayer2"
	_mprisMetadata   = "org.mpris.MediaPlayer2.Player.Metadata"
	_mprisStatus     = "org.mpris.MediaPlayer2.Player.PlaybackStatus"
	_propertiesEvent = "org.freedesktop.DBus.Properties.PropertiesChanged"
	_nameOwnerEvent  = "org.freedesktop.DBus.NameOwnerChanged"
)

// nowPlaying is the payload shape every source emits
type nowPlaying struct {
	State  string `json:"state"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Title  string `json:"title"`
}

// MPRISSource watches desktop media players over the D-Bus session bus and
// republishes their metadata as now-playing payloads.
type MPRISSource struct {
	*emitter
	connect func() (DBusClient, error)

	mu          sync.RWMutex
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	conn        DBusClient
	wg          sync.WaitGroup    // Tracks active producer goroutines
	playerNames map[string]string // Maps unique bus names (:1.45) to well-known names
}

// NewMPRISSource creates a new MPRIS source instance
func NewMPRISSource(logger *zap.Logger) *MPRISSource {
	s := &MPRISSource{
		emitter:     newEmitter(logger),
		connect:     NewStdDBusClient,
		playerNames: make(map[string]string),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start connects to the session bus, emits the state of running players and
// watches for changes in the background.
func (s *MPRISSource) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	conn, err := s.connect()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("session bus connection failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(_mprisPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to add match signal: %w", err)
	}

	// Dynamic player tracking is optional
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		s.logger.Warn("Failed to add NameOwnerChanged match signal", zap.Error(err))
	}

	signals := make(chan *dbus.Signal, 10)
	conn.Signal(signals)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.detectExistingPlayers(); err != nil {
			s.logger.Warn("Failed to detect existing players", zap.Error(err))
		}
		s.monitorSignals(signals)
	}()

	s.logger.Info("MPRIS source started")
	return nil
}

// Stop closes the bus connection and the Messages channel
func (s *MPRISSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.close()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.close()

	s.mu.Lock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Failed to close D-Bus connection", zap.Error(err))
		}
	}
	s.mu.Unlock()

	s.logger.Info("MPRIS source stopped")
	return nil
}

// detectExistingPlayers queries D-Bus for currently running MPRIS players
func (s *MPRISSource) detectExistingPlayers() error {
	names, err := s.conn.ListNames()
	if err != nil {
		return fmt.Errorf("failed to list bus names: %w", err)
	}

	playerCount := 0
	for _, name := range names {
		if !strings.HasPrefix(name, _mprisPrefix) {
			continue
		}
		playerCount++
		s.logger.Info("Detected MPRIS player", zap.String("name", name))

		if uniqueName, err := s.conn.GetNameOwner(name); err == nil {
			s.mu.Lock()
			s.playerNames[uniqueName] = name
			s.mu.Unlock()
		}

		if err := s.fetchPlayerState(name); err != nil {
			s.logger.Warn("Failed to fetch initial metadata",
				zap.String("player", name),
				zap.Error(err))
		}
	}

	s.logger.Info("Player detection complete", zap.Int("count", playerCount))
	return nil
}

// fetchPlayerState reads metadata and status from a player and emits them
func (s *MPRISSource) fetchPlayerState(playerName string) error {
	variant, err := s.conn.GetProperty(playerName, _mprisPath, _mprisMetadata)
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	// Players with nothing loaded may return nil or unexpected types
	metadata, ok := variant.Value().(map[string]dbus.Variant)
	if !ok {
		s.logger.Debug("Metadata variant is not a map, skipping", zap.String("player", playerName))
		return nil
	}

	statusVariant, err := s.conn.GetProperty(playerName, _mprisPath, _mprisStatus)
	if err != nil {
		return fmt.Errorf("failed to get playback status: %w", err)
	}
	status, ok := statusVariant.Value().(string)
	if !ok {
		return fmt.Errorf("invalid playback status format")
	}

	s.publish(playerName, metadata, status)
	return nil
}

func (s *MPRISSource) monitorSignals(signals <-chan *dbus.Signal) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				s.logger.Warn("D-Bus signal channel closed")
				return
			}
			if sig == nil {
				continue
			}
			if sig.Name == _nameOwnerEvent {
				s.handleNameOwnerChanged(sig)
			} else {
				s.handleSignal(sig)
			}
		}
	}
}

// handleNameOwnerChanged tracks players appearing and disappearing
func (s *MPRISSource) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok || !strings.HasPrefix(name, _mprisPrefix) {
		return
	}
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	s.mu.Lock()
	if oldOwner != "" {
		delete(s.playerNames, oldOwner)
	}
	if newOwner != "" {
		s.playerNames[newOwner] = name
	}
	s.mu.Unlock()

	switch {
	case newOwner != "" && oldOwner == "":
		s.logger.Info("New MPRIS player detected", zap.String("player", name))
		if err := s.fetchPlayerState(name); err != nil {
			s.logger.Warn("Failed to fetch metadata from new player",
				zap.String("player", name),
				zap.Error(err))
		}
	case newOwner == "" && oldOwner != "":
		s.logger.Info("MPRIS player removed", zap.String("player", name))
	}
}

// handleSignal processes a PropertiesChanged signal from a player
func (s *MPRISSource) handleSignal(sig *dbus.Signal) {
	if sig.Name != _propertiesEvent || len(sig.Body) < 2 {
		return
	}

	interfaceName, ok := sig.Body[0].(string)
	if !ok || interfaceName != "org.mpris.MediaPlayer2.Player" {
		return
	}
	changedProps, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	metadataVariant, hasMetadata := changedProps["Metadata"]
	statusVariant, hasStatus := changedProps["PlaybackStatus"]
	if !hasMetadata && !hasStatus {
		return
	}

	var (
		metadata map[string]dbus.Variant
		status   string
	)

	if hasMetadata {
		metadata, ok = metadataVariant.Value().(map[string]dbus.Variant)
		if !ok {
			s.logger.Warn("Invalid metadata format in signal, ignoring")
			return
		}
	} else if v, err := s.conn.GetProperty(sig.Sender, _mprisPath, _mprisMetadata); err == nil {
		metadata, _ = v.Value().(map[string]dbus.Variant)
	}

	if hasStatus {
		status, ok = statusVariant.Value().(string)
		if !ok {
			s.logger.Warn("Invalid playback status format in signal, ignoring")
			return
		}
	} else if v, err := s.conn.GetProperty(sig.Sender, _mprisPath, _mprisStatus); err == nil {
		status, _ = v.Value().(string)
	}

	s.publish(s.getPlayerName(sig.Sender), metadata, status)
}

// publish encodes player state as a now-playing payload and emits it
func (s *MPRISSource) publish(player string, metadata map[string]dbus.Variant, status string) {
	np := parseMetadata(metadata)
	np.State = status

	payload, err := json.Marshal(np)
	if err != nil {
		s.logger.Error("Failed to encode MPRIS metadata", zap.Error(err))
		return
	}

	if s.emit(s.ctx, player, payload) {
		s.logger.Debug("Media change detected",
			zap.String("player", player),
			zap.String("title", np.Title),
			zap.String("artist", np.Artist),
			zap.String("status", status))
	}
}

// parseMetadata extracts the xesam fields. Artists may arrive as a list.
func parseMetadata(metadata map[string]dbus.Variant) nowPlaying {
	var np nowPlaying
	if metadata == nil {
		return np
	}

	if v, ok := metadata["xesam:title"]; ok {
		np.Title, _ = v.Value().(string)
	}
	if v, ok := metadata["xesam:album"]; ok {
		np.Album, _ = v.Value().(string)
	}
	if v, ok := metadata["xesam:artist"]; ok {
		switch artists := v.Value().(type) {
		case []string:
			if len(artists) > 0 {
				np.Artist = artists[0]
			}
		case string:
			np.Artist = artists
		}
	}
	return np
}

// getPlayerName returns the well-known player name for a unique bus name.
// Falls back to the unique name if no mapping exists.
func (s *MPRISSource) getPlayerName(uniqueName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if wellKnown, ok := s.playerNames[uniqueName]; ok {
		return wellKnown
	}
	return uniqueName
}
