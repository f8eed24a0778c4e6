package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	log "github.com/sirupsen/logrus"
)

// routingProcedure is the cluster-composition call issued against routers.
const routingProcedure = "CALL dbms.cluster.routing.getRoutingTable($context)"

// Resolver expands one configured address into the concrete addresses to
// contact, e.g. through custom DNS handling. The default resolves to the
// address itself.
type Resolver func(addr db.ServerAddress) []db.ServerAddress

// Rediscovery calls the routing procedure against each known router in
// order until one produces a valid composition, falling back to the
// re-resolved initial seed when every router from the last composition is
// unreachable.
type Rediscovery struct {
	seed           db.ServerAddress
	resolver       Resolver
	routingContext map[string]any
	acquire        func(ctx context.Context, addr db.ServerAddress) (db.Connection, error)
}

func NewRediscovery(
	seed db.ServerAddress,
	resolver Resolver,
	routingContext map[string]any,
	acquire func(ctx context.Context, addr db.ServerAddress) (db.Connection, error),
) *Rediscovery {
	if resolver == nil {
		resolver = func(addr db.ServerAddress) []db.ServerAddress {
			return []db.ServerAddress{addr}
		}
	}
	if routingContext == nil {
		routingContext = map[string]any{}
	}
	return &Rediscovery{
		seed:           seed,
		resolver:       resolver,
		routingContext: routingContext,
		acquire:        acquire,
	}
}

// Lookup walks |routers| in order, then the re-resolved seed. A
// protocol-level client error propagates immediately; transport errors
// invoke |forget| for the failed router and move on. Exhaustion yields
// ServiceUnavailable.
func (r *Rediscovery) Lookup(
	ctx context.Context,
	routers AddressSet,
	database string,
	forget func(addr db.ServerAddress),
) (*Composition, error) {
	var comp, err = r.lookupAll(ctx, routers, database, forget)
	if comp != nil || err != nil {
		return comp, err
	}

	// All known routers are gone. Re-resolve the initial seed and try the
	// resulting addresses before giving up.
	var seeds = AddressSet(r.resolver(r.seed))
	log.WithFields(log.Fields{
		"seed":     r.seed.String(),
		"resolved": len(seeds),
		"database": database,
	}).Info("all routers unreachable, falling back to the initial seed")

	if comp, err = r.lookupAll(ctx, seeds, database, nil); comp != nil || err != nil {
		return comp, err
	}
	return nil, &db.ServiceUnavailable{Message: "could not perform discovery, no routing server available"}
}

func (r *Rediscovery) lookupAll(
	ctx context.Context,
	routers AddressSet,
	database string,
	forget func(addr db.ServerAddress),
) (*Composition, error) {
	for _, router := range routers.Copy() {
		var comp, err = r.lookupOne(ctx, router, database)
		if err == nil && comp != nil {
			return comp, nil
		}
		if err != nil && isFatalDiscoveryError(err) {
			return nil, err
		}
		log.WithFields(log.Fields{
			"router":   router.String(),
			"database": database,
			"error":    err,
		}).Warn("router failed to provide a routing table")
		if forget != nil {
			forget(router)
		}
	}
	return nil, nil
}

func (r *Rediscovery) lookupOne(ctx context.Context, router db.ServerAddress, database string) (*Composition, error) {
	var conn, err = r.acquire(ctx, router)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Release() }()

	var collect = newCompositionCollector()
	err = conn.RunAndFlush(
		db.Command{
			Statement: routingProcedure,
			Params:    map[string]any{"context": r.routingContext},
		},
		db.TxConfig{Mode: db.ReadMode},
		collect.runHandler(),
		collect.pullHandler(),
	)
	if err != nil {
		return nil, err
	}
	records, err := collect.wait(ctx)
	if err != nil {
		return nil, err
	}

	comp, err := parseComposition(records)
	if err != nil {
		// A malformed composition from this router; try the next one.
		log.WithFields(log.Fields{
			"router": router.String(),
			"error":  err,
		}).Warn("discarding invalid cluster composition")
		return nil, nil
	}
	rediscoveryCounter.WithLabelValues(router.String()).Inc()
	return comp, nil
}

// isFatalDiscoveryError decides whether a router's answer ends discovery
// outright: client-level protocol errors (malformed request, failed
// authentication) will not get better from the next router.
func isFatalDiscoveryError(err error) bool {
	var server *db.ServerError
	if errors.As(err, &server) {
		if server.Code == "Neo.ClientError.Procedure.ProcedureNotFound" {
			// The member does not speak routing at all.
			return true
		}
		return server.IsClient() && !server.IsClusterWriteFailure()
	}
	var security *db.SecurityError
	return errors.As(err, &security)
}

func parseComposition(records [][]any) (*Composition, error) {
	if len(records) != 1 {
		return nil, fmt.Errorf("expected a single routing record, got %d", len(records))
	}
	var fields = records[0]
	if len(fields) != 2 {
		return nil, fmt.Errorf("expected routing record of [ttl, servers], got %d fields", len(fields))
	}

	var ttl, ok = fields[0].(int64)
	if !ok {
		return nil, fmt.Errorf("routing record ttl has type %T", fields[0])
	}
	servers, ok := fields[1].([]any)
	if !ok {
		return nil, fmt.Errorf("routing record servers has type %T", fields[1])
	}

	var comp = &Composition{TTL: time.Duration(ttl) * time.Second}
	for _, s := range servers {
		var entry, ok = s.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("routing server entry has type %T", s)
		}
		role, _ := entry["role"].(string)
		rawAddrs, _ := entry["addresses"].([]any)

		var addrs []db.ServerAddress
		for _, ra := range rawAddrs {
			var str, ok = ra.(string)
			if !ok {
				return nil, fmt.Errorf("routing address has type %T", ra)
			}
			addr, err := db.ParseAddress(str)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
		}

		switch role {
		case "READ":
			comp.Readers = append(comp.Readers, addrs...)
		case "WRITE":
			comp.Writers = append(comp.Writers, addrs...)
		case "ROUTE":
			comp.Routers = append(comp.Routers, addrs...)
		default:
			return nil, fmt.Errorf("unknown routing role %q", role)
		}
	}

	// A composition without routers or without a single reader cannot serve
	// the next refresh and is rejected.
	if len(comp.Routers) == 0 || len(comp.Readers) == 0 {
		return nil, fmt.Errorf("composition has %d routers and %d readers", len(comp.Routers), len(comp.Readers))
	}
	return comp, nil
}

// compositionCollector buffers the routing query's records and surfaces its
// terminal outcome.
type compositionCollector struct {
	records [][]any
	err     error
	done    chan struct{}
}

func newCompositionCollector() *compositionCollector {
	return &compositionCollector{done: make(chan struct{})}
}

// runHandler acknowledges the RUN response; failures also reach the pull
// handler as the channel quarantines, so only the pull side resolves done.
func (c *compositionCollector) runHandler() db.ResponseHandler {
	return discardHandler{}
}

func (c *compositionCollector) pullHandler() db.ResponseHandler {
	return (*collectorPull)(c)
}

func (c *compositionCollector) wait(ctx context.Context) ([][]any, error) {
	select {
	case <-c.done:
		return c.records, c.err
	case <-ctx.Done():
		return nil, &db.ServiceUnavailable{Message: "awaiting routing table", Cause: ctx.Err()}
	}
}

type collectorPull compositionCollector

func (c *collectorPull) OnSuccess(map[string]any) { close(c.done) }

func (c *collectorPull) OnFailure(err error) {
	c.err = err
	close(c.done)
}

func (c *collectorPull) OnRecord(fields []any) {
	c.records = append(c.records, fields)
}

type discardHandler struct{}

func (discardHandler) OnSuccess(map[string]any) {}
func (discardHandler) OnFailure(error)          {}
func (discardHandler) OnRecord([]any)           {}
