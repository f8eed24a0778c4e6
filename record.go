package arcgraph

// Record is one row of a result stream. Values are opaque: scalars, lists
// and maps decode to their Go shapes, server-side entities stay as tagged
// packstream structures.
type Record struct {
	Keys   []string
	Values []any
}

// Get returns the value of the named column.
func (r *Record) Get(key string) (any, bool) {
	for i, k := range r.Keys {
		if k == key && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}
