package quarry

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry-go/backend"
	"github.com/quarrydb/quarry-go/transport"
)

// Builder assembles a Dialer. Configure it during initialization, call Build
// once, then open sessions from the resulting Dialer.
type Builder struct {
	config  Config
	logger  zerolog.Logger
	backend backend.Backend
	peers   *transport.PeerRegistry
	redis   *redis.Client

	built bool
}

// New returns a Builder seeded with the default configuration and a no-op
// logger.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
		logger: zerolog.Nop(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithLogger sets the structured logger used by sessions.
func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.logger = log
	return b
}

// WithBackend sets the in-process backend for the local variants.
func (b *Builder) WithBackend(be backend.Backend) *Builder {
	b.backend = be
	return b
}

// WithPeers sets the peer registry for VariantPeer.
func (b *Builder) WithPeers(r *transport.PeerRegistry) *Builder {
	b.peers = r
	return b
}

// WithRedis sets the Redis client backing the token cache.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// Build validates the configuration against the provided collaborators and
// returns a ready Dialer.
func (b *Builder) Build() (*Dialer, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Transport.Variant {
	case VariantLocal, VariantSecuredLocal:
		if b.backend == nil {
			return nil, errors.New("local variants require a backend")
		}
	case VariantPeer:
		if b.peers == nil {
			return nil, errors.New("peer variant requires a peer registry")
		}
	}

	var cache *TokenCache
	if cfg.TokenCache.Enabled {
		if b.redis == nil {
			return nil, errors.New("token cache requires a redis client")
		}
		cache = newTokenCache(b.redis, cfg.TokenCache, b.logger)
	}

	b.built = true
	return newDialer(cfg, b.logger, b.backend, b.peers, cache), nil
}
