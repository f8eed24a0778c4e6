// Package router maintains the cached cluster-composition tables, refreshes
// them through the routing procedure when stale, and load-balances
// acquisitions over the readers and writers they describe.
package router

import (
	"time"

	"github.com/arcgraph/arcgraph-go/db"
)

// AddressSet is an ordered sequence of unique addresses. Updates preserve
// the insertion order of surviving members and append new ones.
type AddressSet []db.ServerAddress

func (s AddressSet) Contains(addr db.ServerAddress) bool {
	for _, a := range s {
		if a == addr {
			return true
		}
	}
	return false
}

// Update replaces the set's contents with |next|, keeping the existing
// relative order of addresses present in both. Addresses dropped by the
// update are appended to |removed|.
func (s *AddressSet) Update(next AddressSet, removed *AddressSet) {
	var merged = make(AddressSet, 0, len(next))
	for _, a := range *s {
		if next.Contains(a) {
			merged = append(merged, a)
		} else if removed != nil && !removed.Contains(a) {
			*removed = append(*removed, a)
		}
	}
	for _, a := range next {
		if !merged.Contains(a) {
			merged = append(merged, a)
		}
	}
	*s = merged
}

func (s *AddressSet) Remove(addr db.ServerAddress) {
	for i, a := range *s {
		if a == addr {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return
		}
	}
}

func (s AddressSet) Copy() AddressSet {
	var out = make(AddressSet, len(s))
	copy(out, s)
	return out
}

// Table is one cached cluster composition. Writers may be empty during
// transient leaderless states; routers are never empty after a successful
// rediscovery.
type Table struct {
	Readers   AddressSet
	Writers   AddressSet
	Routers   AddressSet
	ExpiresAt time.Time
	Database  string
}

// IsStaleFor reports whether the table can no longer serve |mode|: it is
// stale once expired, once the relevant address set drained, or once there is
// no router left to refresh through.
func (t *Table) IsStaleFor(mode db.AccessMode, now time.Time) bool {
	if t == nil {
		return true
	}
	if !now.Before(t.ExpiresAt) {
		return true
	}
	if len(t.Routers) == 0 {
		return true
	}
	if mode == db.ReadMode {
		return len(t.Readers) == 0
	}
	return len(t.Writers) == 0
}

// Servers returns the union of all three sets.
func (t *Table) Servers() AddressSet {
	var out AddressSet
	for _, set := range []AddressSet{t.Routers, t.Readers, t.Writers} {
		for _, a := range set {
			if !out.Contains(a) {
				out = append(out, a)
			}
		}
	}
	return out
}

// Forget drops the address from every role.
func (t *Table) Forget(addr db.ServerAddress) {
	t.Readers.Remove(addr)
	t.Writers.Remove(addr)
	t.Routers.Remove(addr)
}

// RemoveWriter drops the address from the writer set only, used when a
// member rejects a write but may still serve reads and routing.
func (t *Table) RemoveWriter(addr db.ServerAddress) {
	t.Writers.Remove(addr)
}

// Composition is the decoded result of one routing-procedure call.
type Composition struct {
	TTL     time.Duration
	Readers []db.ServerAddress
	Writers []db.ServerAddress
	Routers []db.ServerAddress
}
