package router

import (
	"sync/atomic"

	"github.com/arcgraph/arcgraph-go/db"
)

// Strategy picks one address from a non-empty candidate list for an access
// mode. The boolean is false when the list is empty.
type Strategy interface {
	SelectReader(addrs AddressSet) (db.ServerAddress, bool)
	SelectWriter(addrs AddressSet) (db.ServerAddress, bool)
}

// RoundRobin cycles through the candidates with independent reader and
// writer counters. Counter overflow wraps through the modulus.
type RoundRobin struct {
	readers atomic.Uint64
	writers atomic.Uint64
}

func (r *RoundRobin) SelectReader(addrs AddressSet) (db.ServerAddress, bool) {
	return roundRobinNext(&r.readers, addrs)
}

func (r *RoundRobin) SelectWriter(addrs AddressSet) (db.ServerAddress, bool) {
	return roundRobinNext(&r.writers, addrs)
}

func roundRobinNext(counter *atomic.Uint64, addrs AddressSet) (db.ServerAddress, bool) {
	if len(addrs) == 0 {
		return db.ServerAddress{}, false
	}
	var i = counter.Add(1) - 1
	return addrs[i%uint64(len(addrs))], true
}

// ConnectionCounter exposes the pool's view of per-address load.
type ConnectionCounter interface {
	InUseCount(addr db.ServerAddress) int
}

// LeastConnected picks the candidate with the fewest in-use connections in
// this driver's own pool, starting the scan at a round-robin offset so that
// ties rotate.
type LeastConnected struct {
	Counter ConnectionCounter
	rr      RoundRobin
}

func (l *LeastConnected) SelectReader(addrs AddressSet) (db.ServerAddress, bool) {
	return l.pick(&l.rr.readers, addrs)
}

func (l *LeastConnected) SelectWriter(addrs AddressSet) (db.ServerAddress, bool) {
	return l.pick(&l.rr.writers, addrs)
}

func (l *LeastConnected) pick(counter *atomic.Uint64, addrs AddressSet) (db.ServerAddress, bool) {
	if len(addrs) == 0 {
		return db.ServerAddress{}, false
	}
	var start = int((counter.Add(1) - 1) % uint64(len(addrs)))

	var best = addrs[start]
	var bestCount = l.Counter.InUseCount(best)
	for i := 1; i < len(addrs); i++ {
		var candidate = addrs[(start+i)%len(addrs)]
		if n := l.Counter.InUseCount(candidate); n < bestCount {
			best, bestCount = candidate, n
		}
	}
	return best, true
}
