package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"chat_relay/internal/service/encclient"

	"github.com/BurntSushi/toml"
)

const (
	defaultGatewayListen        = "127.0.0.1:9090"
	defaultEncryptionListen     = "127.0.0.1:9091"
	defaultEncryptionEndpoint   = "http://127.0.0.1:9091"
	defaultOutboundQueueSize    = 256
	defaultWriteTimeout         = 10 * time.Second
	defaultMaxFrameBytes        = 64 * 1024
	defaultMaxPlaintextSize     = 10 * 1024
	defaultMasterSecretEnv      = "CHAT_MASTER_SECRET"
	defaultMongoDatabase        = "chat_relay"
	defaultRedisChannel         = "chat_relay:events"
	defaultLogLevel             = "info"
	minMasterSecretSize         = 16
	defaultRelayBuffer          = 1024
	defaultBreakerFailures      = 5
	defaultBreakerCooldown      = 10 * time.Second
	defaultClientTimeout        = 2 * time.Second
	defaultClientMaxRetries     = 3
	defaultClientInitialBackoff = 100 * time.Millisecond
	defaultClientMaxBackoff     = time.Second
	defaultKeyRefreshInterval   = 30 * time.Second
)

// Gateway is the client-facing websocket relay configuration.
type Gateway struct {
	Listen             string        `toml:"listen"`
	EncryptionEndpoint string        `toml:"encryption_endpoint"`
	ExcludeOrigin      bool          `toml:"exclude_origin"`
	OutboundQueueSize  int           `toml:"outbound_queue_size"`
	WriteTimeout       time.Duration `toml:"write_timeout"`
	MaxFrameBytes      int64         `toml:"max_frame_bytes"`
}

func (g *Gateway) applyDefaults() {
	if g.Listen == "" {
		g.Listen = defaultGatewayListen
	}
	if g.EncryptionEndpoint == "" {
		g.EncryptionEndpoint = defaultEncryptionEndpoint
	}
	if g.OutboundQueueSize <= 0 {
		g.OutboundQueueSize = defaultOutboundQueueSize
	}
	if g.WriteTimeout <= 0 {
		g.WriteTimeout = defaultWriteTimeout
	}
	if g.MaxFrameBytes <= 0 {
		g.MaxFrameBytes = defaultMaxFrameBytes
	}
}

func (g *Gateway) validate() error {
	u, err := url.Parse(g.EncryptionEndpoint)
	if err != nil {
		return fmt.Errorf("config: Gateway: EncryptionEndpoint '%v' is invalid: %w", g.EncryptionEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: Gateway: EncryptionEndpoint '%v' must be http or https", g.EncryptionEndpoint)
	}
	return nil
}

// Encryption is the encryption service configuration.
type Encryption struct {
	Listen           string `toml:"listen"`
	MaxPlaintextSize int    `toml:"max_plaintext_size"`
	// MasterSecretEnv names the environment variable holding the secret
	// the first key is derived from.
	MasterSecretEnv string `toml:"master_secret_env"`
	// KeyDir holds an embedded key database, used when no mongo uri is set.
	KeyDir string `toml:"key_dir"`
	// KeyRefreshInterval is how often stored keys are re-read so replicas
	// sharing a database pick up each other's rotations.
	KeyRefreshInterval time.Duration `toml:"key_refresh_interval"`
}

func (e *Encryption) applyDefaults() {
	if e.Listen == "" {
		e.Listen = defaultEncryptionListen
	}
	if e.MaxPlaintextSize <= 0 {
		e.MaxPlaintextSize = defaultMaxPlaintextSize
	}
	if e.MasterSecretEnv == "" {
		e.MasterSecretEnv = defaultMasterSecretEnv
	}
	if e.KeyRefreshInterval <= 0 {
		e.KeyRefreshInterval = defaultKeyRefreshInterval
	}
}

// MasterSecret reads the secret from the configured environment variable.
func (e *Encryption) MasterSecret() ([]byte, error) {
	v := os.Getenv(e.MasterSecretEnv)
	if v == "" {
		return nil, fmt.Errorf("config: Encryption: environment variable %s is not set", e.MasterSecretEnv)
	}
	if len(v) < minMasterSecretSize {
		return nil, fmt.Errorf("config: Encryption: master secret must be at least %d bytes", minMasterSecretSize)
	}
	return []byte(v), nil
}

// Client is the gateway's encryption client policy.
type Client struct {
	Timeout                 time.Duration `toml:"timeout"`
	MaxRetries              int           `toml:"max_retries"`
	InitialBackoff          time.Duration `toml:"initial_backoff"`
	MaxBackoff              time.Duration `toml:"max_backoff"`
	BreakerFailureThreshold uint32        `toml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `toml:"breaker_cooldown"`
}

func (c *Client) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultClientTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultClientMaxRetries
	case c.MaxRetries < 0:
		// negative disables retries
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultClientInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultClientMaxBackoff
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = defaultBreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
}

func (c *Client) validate() error {
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("config: Client: MaxBackoff is smaller than InitialBackoff")
	}
	return nil
}

// Mongo enables durable key storage when URI is set.
type Mongo struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

func (m *Mongo) applyDefaults() {
	if m.Database == "" {
		m.Database = defaultMongoDatabase
	}
}

// Redis enables cross-node fan-out when Addr is set.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
	Buffer   int    `toml:"buffer"`
}

func (r *Redis) applyDefaults() {
	if r.Channel == "" {
		r.Channel = defaultRedisChannel
	}
	if r.Buffer <= 0 {
		r.Buffer = defaultRelayBuffer
	}
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func (l *Log) applyDefaults() {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
}

// Config is the top level configuration shared by every binary.
type Config struct {
	Gateway    *Gateway    `toml:"gateway"`
	Encryption *Encryption `toml:"encryption"`
	Client     *Client     `toml:"client"`
	Mongo      *Mongo      `toml:"mongo"`
	Redis      *Redis      `toml:"redis"`
	Log        *Log        `toml:"log"`
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Gateway == nil {
		cfg.Gateway = &Gateway{}
	}
	if cfg.Encryption == nil {
		cfg.Encryption = &Encryption{}
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Mongo == nil {
		cfg.Mongo = &Mongo{}
	}
	if cfg.Redis == nil {
		cfg.Redis = &Redis{}
	}
	if cfg.Log == nil {
		cfg.Log = &Log{}
	}

	cfg.Gateway.applyDefaults()
	cfg.Encryption.applyDefaults()
	cfg.Client.applyDefaults()
	cfg.Mongo.applyDefaults()
	cfg.Redis.applyDefaults()
	cfg.Log.applyDefaults()

	if err := cfg.Gateway.validate(); err != nil {
		return err
	}
	return cfg.Client.validate()
}

// ClientConfig converts the [Client] section for encclient.New.
func (cfg *Config) ClientConfig() encclient.Config {
	c := encclient.DefaultConfig()
	c.Timeout = cfg.Client.Timeout
	c.MaxRetries = cfg.Client.MaxRetries
	c.InitialBackoff = cfg.Client.InitialBackoff
	c.MaxBackoff = cfg.Client.MaxBackoff
	c.FailureThreshold = cfg.Client.BreakerFailureThreshold
	c.Cooldown = cfg.Client.BreakerCooldown
	return c
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config. An empty path yields the defaults.
func LoadFile(f string) (*Config, error) {
	if f == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
