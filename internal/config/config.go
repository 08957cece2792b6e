package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultEnvFile = ".env"

// Event source kinds
const (
	SourceMQTT  = "mqtt"
	SourceAMQP  = "amqp"
	SourceMPRIS = "mpris"
	SourceMPD   = "mpd"
)

// Artwork retention policies for stopped players and not-found lookups
const (
	PolicyRetain = "retain"
	PolicyClear  = "clear"
)

// MQTTConfig holds the broker connection settings
type MQTTConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"1883"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
	Topic    string `env:"TOPIC" envDefault:"media/gym"`
	ClientID string `env:"CLIENT_ID" envDefault:"albumart-finder"`
}

// Broker returns the broker URL in the form paho expects
func (c MQTTConfig) Broker() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// AMQPConfig holds the RabbitMQ settings. Messages are consumed from the
// exchange using the MQTT topic translated to an AMQP routing key.
type AMQPConfig struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"amq.topic"`
}

// MPDConfig holds the Music Player Daemon settings
type MPDConfig struct {
	Address  string `env:"ADDRESS" envDefault:"localhost:6600"`
	Password string `env:"PASSWORD"`
}

// HTTPConfig holds the listener settings for the dashboard endpoints
type HTTPConfig struct {
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"8099"`
	AllowOrigin string `env:"ALLOW_ORIGIN" envDefault:"*"`
}

// Addr returns the host:port the server listens on
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LookupConfig holds the artwork search settings
type LookupConfig struct {
	ITunesBaseURL string        `env:"ITUNES_BASE_URL" envDefault:"https://itunes.apple.com"`
	Country       string        `env:"ITUNES_COUNTRY"`
	ArtworkSize   int           `env:"ARTWORK_SIZE" envDefault:"600"`
	Timeout       time.Duration `env:"LOOKUP_TIMEOUT" envDefault:"10s"`
	Rate          float64       `env:"LOOKUP_RATE" envDefault:"3"`
	CachePath     string        `env:"LOOKUP_CACHE_PATH"`
	NegativeTTL   time.Duration `env:"LOOKUP_NEGATIVE_TTL" envDefault:"10m"`
}

// AppConfig holds application configuration
type AppConfig struct {
	Source        string        `env:"SOURCE" envDefault:"mqtt"`
	MQTT          MQTTConfig    `envPrefix:"MQTT_"`
	AMQP          AMQPConfig    `envPrefix:"AMQP_"`
	MPD           MPDConfig     `envPrefix:"MPD_"`
	HTTP          HTTPConfig    `envPrefix:"HTTP_"`
	Lookup        LookupConfig
	FetchTimeout  time.Duration `env:"FETCH_TIMEOUT" envDefault:"15s"`
	StaticDir     string        `env:"STATIC_DIR" envDefault:"static"`
	ArtworkPolicy string        `env:"ARTWORK_POLICY" envDefault:"retain"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOG_FORMAT" envDefault:"json"`
}

// NewAppConfig loads the optional .env file named by ENV_FILE and then parses
// the environment. Variables already present in the process win over the file.
func NewAppConfig() (*AppConfig, error) {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", path, err)
	}

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.StaticDir = expandPath(cfg.StaticDir)
	cfg.Lookup.CachePath = expandPath(cfg.Lookup.CachePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that depend on each other
func (c *AppConfig) Validate() error {
	switch c.Source {
	case SourceMQTT:
		if c.MQTT.Host == "" {
			return errors.New("MQTT_HOST is required when SOURCE=mqtt")
		}
	case SourceAMQP:
		if c.AMQP.URL == "" {
			return errors.New("AMQP_URL is required when SOURCE=amqp")
		}
	case SourceMPRIS, SourceMPD:
	default:
		return fmt.Errorf("unknown SOURCE %q", c.Source)
	}

	switch c.ArtworkPolicy {
	case PolicyRetain, PolicyClear:
	default:
		return fmt.Errorf("unknown ARTWORK_POLICY %q (want %s or %s)", c.ArtworkPolicy, PolicyRetain, PolicyClear)
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	if c.Lookup.ArtworkSize <= 0 {
		return fmt.Errorf("ARTWORK_SIZE must be positive, got %d", c.Lookup.ArtworkSize)
	}
	if c.Lookup.Rate <= 0 {
		return fmt.Errorf("LOOKUP_RATE must be positive, got %v", c.Lookup.Rate)
	}
	return nil
}

// RetainArtwork reports whether stopped players and not-found lookups keep the last image
func (c *AppConfig) RetainArtwork() bool {
	return c.ArtworkPolicy == PolicyRetain
}

// Topic returns the channel name reported on the status endpoint
func (c *AppConfig) Topic() string {
	switch c.Source {
	case SourceMPRIS:
		return "org.mpris.MediaPlayer2"
	case SourceMPD:
		return "mpd://" + c.MPD.Address
	default:
		return c.MQTT.Topic
	}
}

// Fields returns the non-secret settings for the startup log line
func (c *AppConfig) Fields() []zap.Field {
	return []zap.Field{
		zap.String("source", c.Source),
		zap.String("topic", c.Topic()),
		zap.String("httpAddr", c.HTTP.Addr()),
		zap.String("staticDir", c.StaticDir),
		zap.String("artworkPolicy", c.ArtworkPolicy),
		zap.Bool("lookupCache", c.Lookup.CachePath != ""),
		zap.Bool("mqttAuth", c.MQTT.Username != ""),
	}
}

// expandPath expands environment variables and a leading ~
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return p
}
