package arcgraph

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/arcgraph/arcgraph-go/db"
)

const defaultPort = 7687

// target is the parsed connection URI: one seed address, whether routing is
// enabled, and the routing context drawn from the query string.
type target struct {
	address        db.ServerAddress
	routing        bool
	routingContext map[string]string
}

// parseURI accepts "bolt://host[:port]" for a direct single-server
// connection and "bolt+routing://host[:port][?k=v...]" for a routed one.
func parseURI(uri string) (target, error) {
	var u, err = url.Parse(uri)
	if err != nil {
		return target{}, &db.UsageError{Message: fmt.Sprintf("invalid connection URI %q: %s", uri, err)}
	}

	var t target
	switch u.Scheme {
	case "bolt":
		t.routing = false
	case "bolt+routing":
		t.routing = true
	default:
		return target{}, &db.UsageError{Message: fmt.Sprintf(
			"unsupported URI scheme %q, expected bolt:// or bolt+routing://", u.Scheme)}
	}

	if u.Hostname() == "" {
		return target{}, &db.UsageError{Message: fmt.Sprintf("connection URI %q has no host", uri)}
	}
	var port = defaultPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return target{}, &db.UsageError{Message: fmt.Sprintf("connection URI %q has invalid port: %s", uri, err)}
		}
	}
	t.address = db.Address(u.Hostname(), port)

	var query = u.Query()
	if !t.routing {
		if len(query) > 0 {
			return target{}, &db.UsageError{Message: "routing context is not allowed on a direct bolt:// URI"}
		}
		return t, nil
	}

	t.routingContext = make(map[string]string, len(query))
	for k, vs := range query {
		if len(vs) != 1 {
			return target{}, &db.UsageError{Message: fmt.Sprintf(
				"routing context key %q occurs %d times in the URI", k, len(vs))}
		}
		t.routingContext[k] = vs[0]
	}
	return t, nil
}
