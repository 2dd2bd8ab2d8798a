// Package config loads the tavern chat client settings from an optional
// .env file and TAVERN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tavern/chat-app/internal/session"
	"github.com/tavern/chat-app/internal/transport"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportRedis     = "redis"
)

// Config holds every client setting.
type Config struct {
	LogLevel string `env:"TAVERN_LOG_LEVEL" envDefault:"info"`

	// Identity
	UserID      string `env:"TAVERN_USER_ID"`
	CharacterID string `env:"TAVERN_CHARACTER_ID"`
	Username    string `env:"TAVERN_USERNAME"`
	Avatar      string `env:"TAVERN_AVATAR"`
	Room        string `env:"TAVERN_ROOM" envDefault:"tavern"`

	// Transport
	Transport         string        `env:"TAVERN_TRANSPORT"          envDefault:"websocket"`
	WebSocketURL      string        `env:"TAVERN_WS_URL"             envDefault:"ws://localhost:8000/ws"`
	NATSURL           string        `env:"TAVERN_NATS_URL"           envDefault:"nats://localhost:4222"`
	RedisAddr         string        `env:"TAVERN_REDIS_ADDR"         envDefault:"localhost:6379"`
	RedisPassword     string        `env:"TAVERN_REDIS_PASSWORD"`
	RedisDB           int           `env:"TAVERN_REDIS_DB"           envDefault:"0"`
	ReconnectDelay    time.Duration `env:"TAVERN_RECONNECT_DELAY"    envDefault:"1s"`
	ReconnectAttempts int           `env:"TAVERN_RECONNECT_ATTEMPTS" envDefault:"5"`
	PingInterval      time.Duration `env:"TAVERN_PING_INTERVAL"      envDefault:"25s"`

	// Session
	TypingIdle time.Duration `env:"TAVERN_TYPING_IDLE" envDefault:"1s"`
	History    bool          `env:"TAVERN_HISTORY"     envDefault:"false"`

	// HTTP pages; relative paths resolve against BaseURL.
	BaseURL            string `env:"TAVERN_BASE_URL"             envDefault:"http://localhost:8000"`
	CreateCharacterURL string `env:"TAVERN_CREATE_CHARACTER_URL" envDefault:"/create_character"`
	ChatURL            string `env:"TAVERN_CHAT_URL"             envDefault:"/chat"`
	UploadURL          string `env:"TAVERN_UPLOAD_URL"           envDefault:"/upload_avatar"`
	CharacterSelectURL string `env:"TAVERN_CHARACTER_SELECT_URL" envDefault:"/character_selection"`
	RedirectAlways     bool   `env:"TAVERN_REDIRECT_ALWAYS"      envDefault:"false"`

	// Local HTML viewer; empty disables it.
	ViewerAddr string `env:"TAVERN_VIEWER_ADDR"`
}

// Load reads the given .env files (".env" when none are named; missing files
// are skipped) and then parses the environment. Variables already set in the
// environment win over .env entries.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings a chat session needs.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportWebSocket, TransportNATS, TransportRedis:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.ReconnectAttempts < -1 {
		return fmt.Errorf("config: reconnect attempts must be -1 (unlimited) or more, got %d", c.ReconnectAttempts)
	}
	if c.ReconnectDelay < 0 {
		return fmt.Errorf("config: negative reconnect delay %s", c.ReconnectDelay)
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("config: username is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("config: user id is required")
	}
	return nil
}

// Retry returns the reconnection policy.
func (c Config) Retry() transport.RetryPolicy {
	return transport.RetryPolicy{
		Delay:       c.ReconnectDelay,
		MaxAttempts: c.ReconnectAttempts,
	}
}

// Dialer builds the configured transport dialer.
func (c Config) Dialer() (transport.Dialer, error) {
	switch c.Transport {
	case TransportWebSocket:
		wc := transport.DefaultWebSocketConfig()
		wc.URL = c.WebSocketURL
		wc.Retry = c.Retry()
		wc.PingInterval = c.PingInterval
		return transport.NewWebSocketDialer(wc), nil
	case TransportNATS:
		nc := transport.DefaultNATSConfig()
		nc.URL = c.NATSURL
		nc.Retry = c.Retry()
		return transport.NewNATSDialer(nc), nil
	case TransportRedis:
		rc := transport.DefaultRedisConfig()
		rc.Addr = c.RedisAddr
		rc.Password = c.RedisPassword
		rc.DB = c.RedisDB
		rc.Retry = c.Retry()
		rc.PingInterval = c.PingInterval
		return transport.NewRedisDialer(rc), nil
	default:
		return nil, fmt.Errorf("config: unknown transport %q", c.Transport)
	}
}

// Session returns the controller settings.
func (c Config) Session() session.Config {
	sc := session.DefaultConfig()
	sc.UserID = c.UserID
	sc.CharacterID = c.CharacterID
	sc.Username = c.Username
	sc.Avatar = c.Avatar
	if c.Room != "" {
		sc.Room = c.Room
	}
	if c.TypingIdle > 0 {
		sc.TypingIdle = c.TypingIdle
	}
	return sc
}

// Resolve turns a page setting into an absolute URL against BaseURL.
// Absolute settings are returned unchanged.
func (c Config) Resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("config: parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return ref, nil
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("config: parse base url %q: %w", c.BaseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}
