// Package pool maintains per-server-address pools of idle connections with
// bounded creation, liveness checks on acquisition, waiter queues under an
// acquisition budget, and fleet-wide retain/forget driven by routing updates.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	log "github.com/sirupsen/logrus"
)

// Connector establishes a new authenticated connection to one address.
type Connector func(ctx context.Context, addr db.ServerAddress) (db.Connection, error)

type Config struct {
	// MaxSize caps connections per address, counting both idle and in-use.
	MaxSize int
	// AcquisitionTimeout bounds how long Acquire waits for a release once
	// the pool is at capacity. Zero waits on the caller's context alone.
	AcquisitionTimeout time.Duration
	// LivenessCheckThreshold is how long a connection may sit idle before
	// acquisition probes it with a RESET. Zero disables the probe.
	LivenessCheckThreshold time.Duration
}

// Pool owns every idle connection. Acquired connections are leased out and
// come back through Release on the lease.
type Pool struct {
	config  Config
	connect Connector

	mu      sync.Mutex
	servers map[db.ServerAddress]*server
	closed  bool
}

type server struct {
	idle    []idleConn // Most recently used last.
	inUse   int        // Includes slots reserved while connecting.
	waiters []chan db.Connection
}

type idleConn struct {
	conn  db.Connection
	since time.Time
}

func New(config Config, connect Connector) *Pool {
	return &Pool{
		config:  config,
		connect: connect,
		servers: make(map[db.ServerAddress]*server),
	}
}

func (p *Pool) server(addr db.ServerAddress) *server {
	var srv, ok = p.servers[addr]
	if !ok {
		srv = &server{}
		p.servers[addr] = srv
	}
	return srv
}

// Acquire returns an idle connection for |addr| if one passes liveness,
// creates one below the per-address cap, or waits for a release within the
// acquisition budget.
func (p *Pool) Acquire(ctx context.Context, addr db.ServerAddress) (db.Connection, error) {
	if t := p.config.AcquisitionTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, &db.UsageError{Message: "the connection pool is closed"}
		}
		var srv = p.server(addr)

		if n := len(srv.idle); n > 0 {
			var entry = srv.idle[n-1]
			srv.idle = srv.idle[:n-1]
			srv.inUse++
			p.mu.Unlock()

			if !p.vet(ctx, addr, entry) {
				p.mu.Lock()
				srv.inUse--
				p.wakeLocked(srv)
				p.mu.Unlock()
				continue // Same address, same budget.
			}
			acquiredCounter.WithLabelValues(addr.String(), "idle").Inc()
			return p.lease(entry.conn), nil
		}

		if srv.inUse < p.config.MaxSize {
			srv.inUse++ // Reserve the slot while connecting.
			p.mu.Unlock()

			var conn, err = p.connect(ctx, addr)
			if err != nil {
				p.mu.Lock()
				srv.inUse--
				p.wakeLocked(srv)
				p.mu.Unlock()
				acquiredCounter.WithLabelValues(addr.String(), "connect_error").Inc()
				return nil, err
			}
			createdCounter.WithLabelValues(addr.String()).Inc()
			acquiredCounter.WithLabelValues(addr.String(), "created").Inc()
			return p.lease(conn), nil
		}

		// At capacity: queue behind the next release.
		var w = make(chan db.Connection, 1)
		srv.waiters = append(srv.waiters, w)
		p.mu.Unlock()

		select {
		case conn, ok := <-w:
			if !ok {
				return nil, &db.UsageError{Message: "the connection pool is closed"}
			}
			if conn == nil {
				continue // A slot freed without a reusable connection.
			}
			acquiredCounter.WithLabelValues(addr.String(), "handoff").Inc()
			return p.lease(conn), nil

		case <-ctx.Done():
			p.abandonWaiter(addr, w)
			acquiredCounter.WithLabelValues(addr.String(), "timeout").Inc()
			return nil, &db.UsageError{Message: fmt.Sprintf(
				"connection acquisition timed out for server %s: %s", addr, ctx.Err())}
		}
	}
}

// vet decides whether an idle connection is still usable, probing it with a
// RESET when it sat idle past the liveness threshold.
func (p *Pool) vet(ctx context.Context, addr db.ServerAddress, entry idleConn) bool {
	if !entry.conn.IsOpen() {
		_ = entry.conn.Close()
		return false
	}
	var t = p.config.LivenessCheckThreshold
	if t == 0 || time.Since(entry.since) <= t {
		return true
	}
	if err := entry.conn.Reset(ctx); err != nil {
		log.WithFields(log.Fields{
			"address": addr.String(),
			"error":   err,
		}).Debug("idle connection failed its liveness probe")
		livenessFailureCounter.WithLabelValues(addr.String()).Inc()
		_ = entry.conn.Close()
		return false
	}
	return true
}

// abandonWaiter removes |w| from the queue, returning any connection that
// was handed off concurrently with the timeout.
func (p *Pool) abandonWaiter(addr db.ServerAddress, w chan db.Connection) {
	p.mu.Lock()
	if srv, ok := p.servers[addr]; ok {
		for i, q := range srv.waiters {
			if q == w {
				srv.waiters = append(srv.waiters[:i], srv.waiters[i+1:]...)
				p.mu.Unlock()
				return
			}
		}
	}
	p.mu.Unlock()

	// Not queued anymore: a release already picked us.
	select {
	case conn := <-w:
		if conn != nil {
			p.release(conn)
		}
	default:
	}
}

func (p *Pool) release(conn db.Connection) {
	var addr = conn.ServerAddress()

	p.mu.Lock()
	var srv, known = p.servers[addr]
	if !known || p.closed {
		// The address was forgotten while this connection was out.
		p.mu.Unlock()
		_ = conn.Close()
		disposedCounter.WithLabelValues(addr.String(), "forgotten").Inc()
		return
	}

	if !conn.IsOpen() {
		srv.inUse--
		p.wakeLocked(srv)
		p.mu.Unlock()
		_ = conn.Close()
		disposedCounter.WithLabelValues(addr.String(), "broken").Inc()
		return
	}

	if len(srv.waiters) > 0 {
		var w = srv.waiters[0]
		srv.waiters = srv.waiters[1:]
		p.mu.Unlock()
		w <- conn // Still in use; the count carries over.
		return
	}

	srv.inUse--
	if len(srv.idle)+srv.inUse+1 > p.config.MaxSize {
		p.mu.Unlock()
		_ = conn.Close()
		disposedCounter.WithLabelValues(addr.String(), "over_capacity").Inc()
		return
	}
	srv.idle = append(srv.idle, idleConn{conn: conn, since: time.Now()})
	p.mu.Unlock()
}

// wakeLocked hands a freed slot to one queued waiter, which retries.
func (p *Pool) wakeLocked(srv *server) {
	if len(srv.waiters) > 0 {
		var w = srv.waiters[0]
		srv.waiters = srv.waiters[1:]
		w <- nil
	}
}

// RetainAll closes and drops every sub-pool whose address is not in |addrs|.
// Connections of dropped sub-pools that are currently leased out are
// disposed when released.
func (p *Pool) RetainAll(addrs []db.ServerAddress) {
	var keep = make(map[db.ServerAddress]bool, len(addrs))
	for _, a := range addrs {
		keep[a] = true
	}

	var drop []db.Connection
	p.mu.Lock()
	for addr, srv := range p.servers {
		if keep[addr] {
			continue
		}
		for _, entry := range srv.idle {
			drop = append(drop, entry.conn)
		}
		for _, w := range srv.waiters {
			w <- nil
		}
		delete(p.servers, addr)
		log.WithField("address", addr.String()).Info("dropping connection pool for removed server")
	}
	p.mu.Unlock()

	for _, c := range drop {
		_ = c.Close()
		disposedCounter.WithLabelValues(c.ServerAddress().String(), "retained_out").Inc()
	}
}

// Purge drops the sub-pool for one address, closing its idle connections.
func (p *Pool) Purge(addr db.ServerAddress) {
	var drop []db.Connection
	p.mu.Lock()
	if srv, ok := p.servers[addr]; ok {
		for _, entry := range srv.idle {
			drop = append(drop, entry.conn)
		}
		for _, w := range srv.waiters {
			w <- nil
		}
		delete(p.servers, addr)
	}
	p.mu.Unlock()

	for _, c := range drop {
		_ = c.Close()
		disposedCounter.WithLabelValues(addr.String(), "purged").Inc()
	}
}

func (p *Pool) InUseCount(addr db.ServerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if srv, ok := p.servers[addr]; ok {
		return srv.inUse
	}
	return 0
}

func (p *Pool) IdleCount(addr db.ServerAddress) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if srv, ok := p.servers[addr]; ok {
		return len(srv.idle)
	}
	return 0
}

// Close disposes every idle connection and fails queued and future
// acquisitions fast.
func (p *Pool) Close() error {
	var drop []db.Connection
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, srv := range p.servers {
		for _, entry := range srv.idle {
			drop = append(drop, entry.conn)
		}
		for _, w := range srv.waiters {
			close(w)
		}
		srv.idle, srv.waiters = nil, nil
	}
	p.mu.Unlock()

	for _, c := range drop {
		_ = c.Close()
	}
	return nil
}

func (p *Pool) lease(conn db.Connection) db.Connection {
	return &lease{Connection: conn, pool: p}
}

// lease wraps an acquired connection so that Release returns it to the pool
// exactly once.
type lease struct {
	db.Connection
	pool     *Pool
	released atomic.Bool
}

func (l *lease) Release() error {
	if l.released.CompareAndSwap(false, true) {
		l.pool.release(l.Connection)
	}
	return nil
}
