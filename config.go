package quarry

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full session-layer configuration tree.
type Config struct {
	Transport  TransportConfig
	Auth       AuthConfig
	Fetch      FetchConfig
	TokenCache TokenCacheConfig
}

// TransportConfig selects and parameterizes the transport variant.
type TransportConfig struct {
	Variant Variant
	// Addr is the host:port for stream variants.
	Addr string
	// Peer is the registered peer name for VariantPeer.
	Peer string
	// ConnectTimeout bounds socket establishment for stream variants.
	ConnectTimeout time.Duration
	// TLSConfig is used by VariantTLS. Nil falls back to a default config
	// verifying against the system roots.
	TLSConfig *tls.Config
	// MailboxSize is the session mailbox depth.
	MailboxSize int
}

// AuthConfig governs the credential exchange.
type AuthConfig struct {
	// IdleTimeout is the fixed unauthenticated-idle window. A session that
	// has not completed authentication within it self-terminates.
	IdleTimeout time.Duration
}

// FetchConfig governs the async row-fetch loop.
type FetchConfig struct {
	// BatchSize is passed to the backend as the preferred rows-per-reply.
	BatchSize int
}

// TokenCacheConfig governs the optional Redis-backed security-token cache.
type TokenCacheConfig struct {
	Enabled bool
	Prefix  string
	TTL     time.Duration
}

func defaultConfig() Config {
	return Config{
		Transport: TransportConfig{
			Variant:        VariantLocal,
			ConnectTimeout: 10 * time.Second,
			MailboxSize:    64,
		},
		Auth: AuthConfig{
			IdleTimeout: 30 * time.Second,
		},
		Fetch: FetchConfig{
			BatchSize: 64,
		},
		TokenCache: TokenCacheConfig{
			Prefix: "qs",
			TTL:    time.Hour,
		},
	}
}

// Validate checks cross-field consistency. It is called by Builder.Build.
func (c *Config) Validate() error {
	if !c.Transport.Variant.valid() {
		return fmt.Errorf("unknown transport variant %q", c.Transport.Variant)
	}
	switch c.Transport.Variant {
	case VariantTCP, VariantTLS:
		if c.Transport.Addr == "" {
			return errors.New("stream variant requires an address")
		}
	case VariantPeer:
		if c.Transport.Peer == "" {
			return errors.New("peer variant requires a peer name")
		}
	}
	if c.Transport.ConnectTimeout < 0 {
		return errors.New("connect timeout must not be negative")
	}
	if c.Transport.MailboxSize <= 0 {
		return errors.New("mailbox size must be positive")
	}
	if c.Auth.IdleTimeout <= 0 {
		return errors.New("auth idle timeout must be positive")
	}
	if c.Fetch.BatchSize <= 0 {
		return errors.New("fetch batch size must be positive")
	}
	if c.TokenCache.Enabled && c.TokenCache.TTL <= 0 {
		return errors.New("token cache TTL must be positive")
	}
	return nil
}

func cloneConfig(c Config) Config {
	out := c
	if c.Transport.TLSConfig != nil {
		out.Transport.TLSConfig = c.Transport.TLSConfig.Clone()
	}
	return out
}

// fileConfig mirrors Config for TOML decoding; durations are strings like
// "30s" and are converted explicitly.
type fileConfig struct {
	Transport struct {
		Variant        string `toml:"variant"`
		Addr           string `toml:"addr"`
		Peer           string `toml:"peer"`
		ConnectTimeout string `toml:"connect_timeout"`
		MailboxSize    int    `toml:"mailbox_size"`
	} `toml:"transport"`
	Auth struct {
		IdleTimeout string `toml:"idle_timeout"`
	} `toml:"auth"`
	Fetch struct {
		BatchSize int `toml:"batch_size"`
	} `toml:"fetch"`
	TokenCache struct {
		Enabled bool   `toml:"enabled"`
		Prefix  string `toml:"prefix"`
		TTL     string `toml:"ttl"`
	} `toml:"token_cache"`
}

// LoadConfig reads a TOML config file, applying defaults for everything the
// file leaves unset.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := defaultConfig()
	if fc.Transport.Variant != "" {
		cfg.Transport.Variant = Variant(fc.Transport.Variant)
	}
	if fc.Transport.Addr != "" {
		cfg.Transport.Addr = fc.Transport.Addr
	}
	if fc.Transport.Peer != "" {
		cfg.Transport.Peer = fc.Transport.Peer
	}
	if fc.Transport.MailboxSize != 0 {
		cfg.Transport.MailboxSize = fc.Transport.MailboxSize
	}
	if fc.Fetch.BatchSize != 0 {
		cfg.Fetch.BatchSize = fc.Fetch.BatchSize
	}
	cfg.TokenCache.Enabled = fc.TokenCache.Enabled
	if fc.TokenCache.Prefix != "" {
		cfg.TokenCache.Prefix = fc.TokenCache.Prefix
	}

	if cfg.Transport.ConnectTimeout, err = parseDuration(fc.Transport.ConnectTimeout, cfg.Transport.ConnectTimeout); err != nil {
		return Config{}, fmt.Errorf("transport.connect_timeout: %w", err)
	}
	if cfg.Auth.IdleTimeout, err = parseDuration(fc.Auth.IdleTimeout, cfg.Auth.IdleTimeout); err != nil {
		return Config{}, fmt.Errorf("auth.idle_timeout: %w", err)
	}
	if cfg.TokenCache.TTL, err = parseDuration(fc.TokenCache.TTL, cfg.TokenCache.TTL); err != nil {
		return Config{}, fmt.Errorf("token_cache.ttl: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
