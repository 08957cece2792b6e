package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/genricoloni/coverd/internal/config"
	"go.uber.org/zap"
)

// mpdPlayer is the part of an MPD client the source reads from
type mpdPlayer interface {
	Status() (mpd.Attrs, error)
	CurrentSong() (mpd.Attrs, error)
	Close() error
}

// mpdWatch is an idle subscription: subsystem names on events, failures on errs
type mpdWatch struct {
	events <-chan string
	errs   <-chan error
	close  func() error
}

// MPDSource follows the "player" subsystem of a Music Player Daemon and emits
// the current song every time playback changes.
type MPDSource struct {
	*emitter
	cfg   config.MPDConfig
	topic string

	dial  func() (mpdPlayer, error)
	watch func() (*mpdWatch, error)

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	watcher *mpdWatch
}

// NewMPDSource creates a new MPD source instance
func NewMPDSource(logger *zap.Logger, cfg config.MPDConfig) *MPDSource {
	s := &MPDSource{
		emitter: newEmitter(logger),
		cfg:     cfg,
		topic:   "mpd://" + cfg.Address,
	}
	s.dial = func() (mpdPlayer, error) {
		return mpd.DialAuthenticated("tcp", cfg.Address, cfg.Password)
	}
	s.watch = func() (*mpdWatch, error) {
		w, err := mpd.NewWatcher("tcp", cfg.Address, cfg.Password, "player")
		if err != nil {
			return nil, err
		}
		return &mpdWatch{events: w.Event, errs: w.Error, close: w.Close}, nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start subscribes to player changes and emits the current song
func (s *MPDSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("mpd source already started")
	}

	w, err := s.watch()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.started = true
	s.watcher = w

	s.logger.Info("MPD source started", zap.String("address", s.cfg.Address))

	s.wg.Add(1)
	go s.run(w)
	return nil
}

func (s *MPDSource) run(w *mpdWatch) {
	defer s.wg.Done()

	// MPD only reports changes, so publish what is playing right now
	s.publishCurrent()

	errs := w.errs
	for {
		select {
		case <-s.ctx.Done():
			return
		case subsystem, ok := <-w.events:
			if !ok {
				s.logger.Warn("MPD watcher closed")
				return
			}
			s.logger.Debug("MPD subsystem changed", zap.String("subsystem", subsystem))
			s.publishCurrent()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Error("MPD watcher error", zap.Error(err))
		}
	}
}

// publishCurrent reads status and current song on a short-lived connection.
// MPD closes idle clients, so a connection is not kept between events.
func (s *MPDSource) publishCurrent() {
	np, err := s.current()
	if err != nil {
		s.logger.Warn("Failed to read MPD state", zap.Error(err))
		return
	}

	payload, err := json.Marshal(np)
	if err != nil {
		s.logger.Error("Failed to encode MPD state", zap.Error(err))
		return
	}
	s.emit(s.ctx, s.topic, payload)
}

func (s *MPDSource) current() (nowPlaying, error) {
	client, err := s.dial()
	if err != nil {
		return nowPlaying{}, fmt.Errorf("failed to connect to MPD: %w", err)
	}
	defer func() { _ = client.Close() }()

	status, err := client.Status()
	if err != nil {
		return nowPlaying{}, fmt.Errorf("status: %w", err)
	}
	song, err := client.CurrentSong()
	if err != nil {
		return nowPlaying{}, fmt.Errorf("current song: %w", err)
	}

	np := nowPlaying{
		State:  status["state"],
		Artist: song["Artist"],
		Album:  song["Album"],
		Title:  song["Title"],
	}
	if np.Artist == "" {
		np.Artist = song["AlbumArtist"]
	}
	// Radio streams carry the station in Name and no Title
	if np.Title == "" {
		np.Title = song["Name"]
	}
	return np, nil
}

// Stop closes the watcher and the Messages channel
func (s *MPDSource) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()

	var err error
	if w != nil {
		if cerr := w.close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
	}

	s.wg.Wait()
	s.close()
	s.logger.Info("MPD source stopped")
	return err
}
