package quarry

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quarrydb/quarry-go/backend"
	"github.com/quarrydb/quarry-go/transport"
)

// connectFunc establishes the transport for one variant. The sink is the
// session being opened; direct variants ignore it.
type connectFunc func(ctx context.Context, s *Session) (transport.Transport, error)

// Dialer opens sessions. The transport strategy for the configured variant
// is resolved once at build time and carried here, not looked up per call.
type Dialer struct {
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics
	cache   *TokenCache

	connect connectFunc
}

func newDialer(cfg Config, log zerolog.Logger, be backend.Backend, peers *transport.PeerRegistry, cache *TokenCache) *Dialer {
	d := &Dialer{
		cfg:     cfg,
		log:     log.With().Str("component", "quarry").Logger(),
		metrics: newMetrics(),
		cache:   cache,
	}

	switch cfg.Transport.Variant {
	case VariantLocal:
		d.connect = func(ctx context.Context, s *Session) (transport.Transport, error) {
			return transport.NewLocal(be), nil
		}
	case VariantSecuredLocal:
		d.connect = func(ctx context.Context, s *Session) (transport.Transport, error) {
			return transport.NewSecuredLocal(be), nil
		}
	case VariantPeer:
		d.connect = func(ctx context.Context, s *Session) (transport.Transport, error) {
			return peers.Dial(cfg.Transport.Peer)
		}
	case VariantTCP:
		d.connect = func(ctx context.Context, s *Session) (transport.Transport, error) {
			return transport.DialStream(ctx, transport.StreamConfig{
				Addr:           cfg.Transport.Addr,
				ConnectTimeout: cfg.Transport.ConnectTimeout,
			}, s)
		}
	case VariantTLS:
		tlsCfg := cfg.Transport.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		d.connect = func(ctx context.Context, s *Session) (transport.Transport, error) {
			return transport.DialStream(ctx, transport.StreamConfig{
				Addr:           cfg.Transport.Addr,
				TLS:            tlsCfg,
				ConnectTimeout: cfg.Transport.ConnectTimeout,
			}, s)
		}
	}

	return d
}

// Metrics exposes the counter table shared by this Dialer's sessions.
func (d *Dialer) Metrics() *Metrics {
	return d.metrics
}

// Open establishes one logical connection against the configured schema.
// Transport setup failures are reported here as connection errors; no
// session exists afterwards.
func (d *Dialer) Open(ctx context.Context, schema string) (*Session, error) {
	s := newSession(d.cfg, d.log, d.metrics, d.cache, schema)

	tr, err := d.connect(ctx, s)
	if err != nil {
		s.abandon()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	s.start(tr, d.cfg.Transport.Variant)

	d.metrics.inc(MetricSessionOpened)
	return s, nil
}
