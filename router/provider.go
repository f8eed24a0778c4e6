package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/arcgraph/arcgraph-go/pool"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// tableCacheSize bounds how many databases keep a cached routing table.
const tableCacheSize = 256

// Provider implements db.ConnectionProvider over a routed cluster: it keeps
// one routing table per database, refreshes a table when it is stale for the
// requested mode (sharing a single in-flight refresh between concurrent
// observers), picks an address through the configured strategy, and feeds
// acquisition failures back into the table and the pool.
type Provider struct {
	pool        *pool.Pool
	strategy    Strategy
	rediscovery *Rediscovery
	ttlFloor    time.Duration
	now         func() time.Time

	mu    sync.Mutex
	cache *lru.Cache[string, *dbRouting]
}

type dbRouting struct {
	table   *Table
	refresh *refreshOp // Non-nil while a refresh is in flight.
}

type refreshOp struct {
	done  chan struct{}
	table *Table
	err   error
}

func NewProvider(p *pool.Pool, strategy Strategy, rediscovery *Rediscovery, ttlFloor time.Duration) *Provider {
	var cache, err = lru.New[string, *dbRouting](tableCacheSize)
	if err != nil {
		panic(err)
	}
	return &Provider{
		pool:        p,
		strategy:    strategy,
		rediscovery: rediscovery,
		ttlFloor:    ttlFloor,
		now:         time.Now,
		cache:       cache,
	}
}

var _ db.ConnectionProvider = (*Provider)(nil)

func (p *Provider) Acquire(ctx context.Context, mode db.AccessMode, database string) (db.Connection, error) {
	var table, err = p.freshTable(ctx, mode, database)
	if err != nil {
		return nil, err
	}

	var addr db.ServerAddress
	var ok bool
	if mode == db.ReadMode {
		addr, ok = p.strategy.SelectReader(table.Readers)
	} else {
		addr, ok = p.strategy.SelectWriter(table.Writers)
	}
	if !ok {
		return nil, &db.SessionExpired{Message: fmt.Sprintf("no servers available for %s mode", mode)}
	}

	conn, err := p.pool.Acquire(ctx, addr)
	if err != nil {
		var unavailable *db.ServiceUnavailable
		if errors.As(err, &unavailable) {
			// The member is unreachable: stop routing to it until the next
			// rediscovery says otherwise.
			p.Forget(database, addr)
		}
		return nil, err
	}
	return conn, nil
}

// freshTable returns a table that was not stale for |mode| when inspected,
// refreshing at most once per call. Concurrent observers of a stale table
// share one in-flight refresh instead of racing their own.
func (p *Provider) freshTable(ctx context.Context, mode db.AccessMode, database string) (*Table, error) {
	p.mu.Lock()
	var rt = p.routingLocked(database)

	if rt.table != nil && !rt.table.IsStaleFor(mode, p.now()) {
		var t = rt.table
		p.mu.Unlock()
		return t, nil
	}

	if rt.refresh != nil {
		var op = rt.refresh
		p.mu.Unlock()
		return p.awaitRefresh(ctx, op)
	}

	var op = &refreshOp{done: make(chan struct{})}
	rt.refresh = op
	var old = rt.table
	p.mu.Unlock()

	op.table, op.err = p.refresh(ctx, database, old)

	p.mu.Lock()
	rt.refresh = nil
	if op.err == nil {
		rt.table = op.table
	}
	p.mu.Unlock()
	close(op.done)

	return op.table, op.err
}

func (p *Provider) awaitRefresh(ctx context.Context, op *refreshOp) (*Table, error) {
	select {
	case <-op.done:
		return op.table, op.err
	case <-ctx.Done():
		return nil, &db.ServiceUnavailable{Message: "awaiting routing table refresh", Cause: ctx.Err()}
	}
}

func (p *Provider) refresh(ctx context.Context, database string, old *Table) (*Table, error) {
	var routers AddressSet
	if old != nil {
		routers = old.Routers.Copy()
	}

	var comp, err = p.rediscovery.Lookup(ctx, routers, database, func(addr db.ServerAddress) {
		p.Forget(database, addr)
	})
	if err != nil {
		refreshCounter.WithLabelValues(database, "error").Inc()
		return nil, err
	}

	var ttl = comp.TTL
	if ttl < p.ttlFloor {
		ttl = p.ttlFloor
	}
	var table = &Table{Database: database, ExpiresAt: p.now().Add(ttl)}
	var removed AddressSet
	if old != nil {
		table.Readers = old.Readers.Copy()
		table.Writers = old.Writers.Copy()
		table.Routers = old.Routers.Copy()
	}
	table.Readers.Update(AddressSet(comp.Readers), &removed)
	table.Writers.Update(AddressSet(comp.Writers), &removed)
	table.Routers.Update(AddressSet(comp.Routers), &removed)

	log.WithFields(log.Fields{
		"database": database,
		"readers":  len(table.Readers),
		"writers":  len(table.Writers),
		"routers":  len(table.Routers),
		"removed":  len(removed),
		"ttl":      ttl.String(),
	}).Info("updated routing table")
	refreshCounter.WithLabelValues(database, "ok").Inc()

	// Drop pools for every address no longer present in any cached table.
	p.mu.Lock()
	p.routingLocked(database).table = table
	var retained = p.allServersLocked()
	p.mu.Unlock()
	p.pool.RetainAll(retained)

	return table, nil
}

func (p *Provider) routingLocked(database string) *dbRouting {
	var rt, ok = p.cache.Get(database)
	if !ok {
		rt = &dbRouting{}
		p.cache.Add(database, rt)
	}
	return rt
}

func (p *Provider) allServersLocked() []db.ServerAddress {
	var seen = make(map[db.ServerAddress]bool)
	var out []db.ServerAddress
	for _, key := range p.cache.Keys() {
		var rt, ok = p.cache.Get(key)
		if !ok || rt.table == nil {
			continue
		}
		for _, a := range rt.table.Servers() {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// Forget drops the address from the database's table and purges its pool.
func (p *Provider) Forget(database string, addr db.ServerAddress) {
	p.mu.Lock()
	if rt, ok := p.cache.Get(database); ok && rt.table != nil {
		rt.table.Forget(addr)
	}
	p.mu.Unlock()
	p.pool.Purge(addr)

	forgottenCounter.WithLabelValues(addr.String(), "all").Inc()
	log.WithFields(log.Fields{
		"address":  addr.String(),
		"database": database,
	}).Info("forgot unreachable server")
}

// RemoveWriter drops the address from the database's writer set. Once the
// writer set is empty, the next write triggers a rediscovery.
func (p *Provider) RemoveWriter(database string, addr db.ServerAddress) {
	p.mu.Lock()
	if rt, ok := p.cache.Get(database); ok && rt.table != nil {
		rt.table.RemoveWriter(addr)
	}
	p.mu.Unlock()

	forgottenCounter.WithLabelValues(addr.String(), "writer").Inc()
	log.WithFields(log.Fields{
		"address":  addr.String(),
		"database": database,
	}).Info("removed server from the writer set")
}

func (p *Provider) VerifyConnectivity(ctx context.Context) error {
	var conn, err = p.Acquire(ctx, db.ReadMode, "")
	if err != nil {
		return err
	}
	return conn.Release()
}

func (p *Provider) Close() error {
	return p.pool.Close()
}
