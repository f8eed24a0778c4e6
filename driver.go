// Package arcgraph is a driver for Bolt-speaking graph databases. It routes
// parameterised statements across a clustered deployment, pools connections
// per member, retries idempotent work units, and streams records back
// through lazy single-consumer cursors.
package arcgraph

import (
	"context"
	"crypto/tls"
	"sync/atomic"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/arcgraph/arcgraph-go/pool"
	"github.com/arcgraph/arcgraph-go/router"
	"github.com/arcgraph/arcgraph-go/wire"
)

// Driver is the root object: it owns the connection pool and the routing
// provider, and vends sessions. Multiple drivers are fully independent.
type Driver struct {
	target   target
	config   *Config
	pool     *pool.Pool
	provider db.ConnectionProvider
	closed   atomic.Bool
}

// NewDriver connects a driver to the given URI. "bolt://host:port" is a
// direct single-server target; "bolt+routing://host:port?policy=..."
// enables cluster discovery with the query string as routing context.
func NewDriver(uri string, auth AuthToken, configurers ...func(*Config)) (*Driver, error) {
	var config = defaultConfig()
	for _, c := range configurers {
		c(config)
	}

	var tgt, err = parseURI(uri)
	if err != nil {
		return nil, err
	}

	var connect = func(ctx context.Context, addr db.ServerAddress) (db.Connection, error) {
		var tlsConfig *tls.Config
		if config.Encrypted {
			if config.TLSConfig != nil {
				tlsConfig = config.TLSConfig
			} else {
				tlsConfig = &tls.Config{ServerName: addr.Host}
			}
		}
		var conn, err = wire.Connect(ctx, wire.ConnectConfig{
			Address:        addr,
			Auth:           auth.tokens,
			UserAgent:      config.UserAgent,
			TLS:            tlsConfig,
			ConnectTimeout: config.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	var p = pool.New(pool.Config{
		MaxSize:                config.MaxConnectionPoolSize,
		AcquisitionTimeout:     config.ConnectionAcquisitionTimeout,
		LivenessCheckThreshold: config.ConnectionLivenessCheckTimeout,
	}, connect)

	var provider db.ConnectionProvider
	if tgt.routing {
		var strategy router.Strategy
		switch config.LoadBalancing {
		case LoadBalancingRoundRobin:
			strategy = &router.RoundRobin{}
		default:
			strategy = &router.LeastConnected{Counter: p}
		}

		var routingContext = make(map[string]any, len(tgt.routingContext))
		for k, v := range tgt.routingContext {
			routingContext[k] = v
		}
		var rediscovery = router.NewRediscovery(
			tgt.address, config.AddressResolver, routingContext, p.Acquire)
		provider = router.NewProvider(p, strategy, rediscovery, config.RoutingTTLFloor)
	} else {
		provider = &directProvider{pool: p, address: tgt.address}
	}

	return &Driver{
		target:   tgt,
		config:   config,
		pool:     p,
		provider: provider,
	}, nil
}

// NewSession vends a session. Sessions are cheap; use one per logical unit
// of causally-related work.
func (d *Driver) NewSession(sc SessionConfig) *Session {
	return newSession(d.config, d.provider, sc)
}

// Session vends a WRITE session on the default database.
func (d *Driver) Session() *Session {
	return d.NewSession(SessionConfig{})
}

// VerifyConnectivity acquires and releases one connection, surfacing
// connectivity or authentication problems eagerly.
func (d *Driver) VerifyConnectivity(ctx context.Context) error {
	return d.provider.VerifyConnectivity(ctx)
}

// Close shuts down the provider and every pooled connection. Idempotent.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.provider.Close()
}

// directProvider serves a single fixed address with no routing layer.
type directProvider struct {
	pool    *pool.Pool
	address db.ServerAddress
}

var _ db.ConnectionProvider = (*directProvider)(nil)

func (p *directProvider) Acquire(ctx context.Context, _ db.AccessMode, _ string) (db.Connection, error) {
	return p.pool.Acquire(ctx, p.address)
}

func (p *directProvider) Forget(_ string, addr db.ServerAddress) {
	p.pool.Purge(addr)
}

func (p *directProvider) RemoveWriter(string, db.ServerAddress) {}

func (p *directProvider) VerifyConnectivity(ctx context.Context) error {
	var conn, err = p.pool.Acquire(ctx, p.address)
	if err != nil {
		return err
	}
	return conn.Release()
}

func (p *directProvider) Close() error {
	return p.pool.Close()
}
