package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/gavel/go/internal/bidchannel"
	"github.com/mcdev12/gavel/go/internal/bidding"
	"github.com/mcdev12/gavel/go/internal/deposit"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
	"github.com/mcdev12/gavel/go/internal/viewserver"
)

// Transport kinds.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
)

// Config is the full daemon configuration.
type Config struct {
	API       APIConfig         `yaml:"api"`
	UserID    string            `yaml:"user_id"`
	Sessions  []string          `yaml:"sessions"`
	Transport TransportConfig   `yaml:"transport"`
	Redis     RedisConfig       `yaml:"redis"`
	Server    viewserver.Config `yaml:"server"`
	Log       LogConfig         `yaml:"log"`
	Store     StoreConfig       `yaml:"store"`
	Deposit   DepositConfig     `yaml:"deposit"`
	Bidding   BiddingConfig     `yaml:"bidding"`
}

type APIConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	Location string        `yaml:"location"`
}

type TransportConfig struct {
	Kind      string                     `yaml:"kind"`
	NATS      bidchannel.NATSConfig      `yaml:"nats"`
	WebSocket bidchannel.WebSocketConfig `yaml:"websocket"`
	// Topics overrides the default layout of the chosen kind.
	Topics bidchannel.Topics `yaml:"topics"`
}

// RedisConfig is optional. Without an address the deposit cache and the
// broadcast outbox stay in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type StoreConfig struct {
	FetchTimeout time.Duration            `yaml:"fetch_timeout"`
	Fetch        sessionstore.RetryConfig `yaml:"fetch"`
	Reconcile    sessionstore.RetryConfig `yaml:"reconcile"`
	StartPoll    time.Duration            `yaml:"start_poll"`
	TickInterval time.Duration            `yaml:"tick_interval"`
}

type DepositConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

type BiddingConfig struct {
	PersistTimeout   time.Duration `yaml:"persist_timeout"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
}

// Default returns a configuration with every field set.
func Default() Config {
	store := sessionstore.DefaultConfig()
	gate := deposit.DefaultConfig()
	pipeline := bidding.DefaultConfig()

	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			Kind:      TransportNATS,
			NATS:      bidchannel.DefaultNATSConfig(),
			WebSocket: bidchannel.DefaultWebSocketConfig(),
		},
		Redis: RedisConfig{
			Prefix: "gavel",
		},
		Server: viewserver.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Store: StoreConfig{
			FetchTimeout: store.FetchTimeout,
			Fetch:        store.Fetch,
			Reconcile:    store.Reconcile,
			StartPoll:    store.StartPoll,
			TickInterval: store.TickInterval,
		},
		Deposit: DepositConfig{
			Timeout:     gate.Timeout,
			NegativeTTL: gate.NegativeTTL,
		},
		Bidding: BiddingConfig{
			PersistTimeout:   pipeline.PersistTimeout,
			BroadcastTimeout: pipeline.BroadcastTimeout,
		},
	}
}

// Load reads .env, then the YAML file at path, then environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	config := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Str("path", path).Msg("no config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Path returns the config file location from GAVEL_CONFIG.
func Path() string {
	return getEnv("GAVEL_CONFIG", "config.yaml")
}

func applyEnv(c *Config) {
	c.API.BaseURL = getEnv("GAVEL_API_URL", c.API.BaseURL)
	c.API.Token = getEnv("GAVEL_API_TOKEN", c.API.Token)
	c.API.Timeout = getEnvAsDuration("GAVEL_API_TIMEOUT", c.API.Timeout)
	c.API.Location = getEnv("GAVEL_API_LOCATION", c.API.Location)

	c.UserID = getEnv("GAVEL_USER_ID", c.UserID)
	if v := os.Getenv("GAVEL_SESSIONS"); v != "" {
		c.Sessions = splitList(v)
	}

	c.Transport.Kind = getEnv("GAVEL_TRANSPORT", c.Transport.Kind)
	c.Transport.NATS.URL = getEnv("NATS_URL", c.Transport.NATS.URL)
	c.Transport.NATS.MaxReconnects = getEnvAsInt("NATS_MAX_RECONNECTS", c.Transport.NATS.MaxReconnects)
	c.Transport.NATS.ReconnectWait = getEnvAsDuration("NATS_RECONNECT_WAIT", c.Transport.NATS.ReconnectWait)
	c.Transport.WebSocket.URL = getEnv("GAVEL_WS_URL", c.Transport.WebSocket.URL)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)

	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvAsBool("LOG_PRETTY", c.Log.Pretty)
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api base url is required")
	}
	if c.UserID == "" {
		return errors.New("user id is required")
	}
	if len(c.Sessions) == 0 {
		return errors.New("at least one session is required")
	}
	switch c.Transport.Kind {
	case TransportNATS, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	if c.API.Location != "" {
		if _, err := time.LoadLocation(c.API.Location); err != nil {
			return fmt.Errorf("invalid api location: %w", err)
		}
	}
	return nil
}

// Topics returns the configured topic layout, falling back to the default
// layout of the transport kind.
func (c *Config) Topics() bidchannel.Topics {
	topics := bidchannel.NATSTopics()
	if c.Transport.Kind == TransportWebSocket {
		topics = bidchannel.WebSocketTopics()
	}
	if c.Transport.Topics.Feed != "" {
		topics.Feed = c.Transport.Topics.Feed
	}
	if c.Transport.Topics.Trigger != "" {
		topics.Trigger = c.Transport.Topics.Trigger
	}
	return topics
}

// SessionStore builds the store settings for one session.
func (c *Config) SessionStore(sessionID string) sessionstore.Config {
	return sessionstore.Config{
		SessionID:    sessionID,
		UserID:       c.UserID,
		AuthToken:    c.API.Token,
		FetchTimeout: c.Store.FetchTimeout,
		Fetch:        c.Store.Fetch,
		Reconcile:    c.Store.Reconcile,
		StartPoll:    c.Store.StartPoll,
		TickInterval: c.Store.TickInterval,
	}
}

func (c *Config) DepositGate() deposit.Config {
	return deposit.Config{
		Timeout:     c.Deposit.Timeout,
		NegativeTTL: c.Deposit.NegativeTTL,
	}
}

func (c *Config) Pipeline() bidding.Config {
	return bidding.Config{
		PersistTimeout:   c.Bidding.PersistTimeout,
		BroadcastTimeout: c.Bidding.BroadcastTimeout,
	}
}

// ViewServer returns the server settings bound to the configured user.
func (c *Config) ViewServer() viewserver.Config {
	server := c.Server
	server.UserID = c.UserID
	return server
}

// NewRedisClient returns nil when no address is configured.
func (c *Config) NewRedisClient() *redis.Client {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
