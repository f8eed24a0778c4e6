// Package db holds the types shared between the wire, pool, routing and
// session layers: server addresses, access modes, the connection contract,
// and the driver's error taxonomy.
package db

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// AccessMode advertises whether work routed through a connection intends to
// write. It selects the server role in a clustered deployment.
type AccessMode int

const (
	WriteMode AccessMode = iota
	ReadMode
)

func (m AccessMode) String() string {
	if m == ReadMode {
		return "READ"
	}
	return "WRITE"
}

// ServerAddress identifies one cluster member. It is the pool key, so
// equality is by both fields.
type ServerAddress struct {
	Host string
	Port int
}

func Address(host string, port int) ServerAddress {
	return ServerAddress{Host: host, Port: port}
}

// ParseAddress splits a "host:port" string into a ServerAddress.
func ParseAddress(s string) (ServerAddress, error) {
	var host, port, err = net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("parsing server address %q: %w", s, err)
	}
	var p int
	if p, err = strconv.Atoi(port); err != nil {
		return ServerAddress{}, fmt.Errorf("parsing server address %q: %w", s, err)
	}
	return ServerAddress{Host: host, Port: p}, nil
}

func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Command is one parameterised statement to run.
type Command struct {
	Statement string
	Params    map[string]any
}

// TxConfig carries the metadata sent with RUN (auto-commit) and BEGIN.
type TxConfig struct {
	Mode      AccessMode
	Bookmarks []string
	Metadata  map[string]any
}

// ToMeta renders the config as the extra-metadata map of the wire messages.
func (c TxConfig) ToMeta() map[string]any {
	var meta = map[string]any{}
	if c.Mode == ReadMode {
		meta["mode"] = "r"
	}
	if len(c.Bookmarks) > 0 {
		var bs = make([]any, len(c.Bookmarks))
		for i, b := range c.Bookmarks {
			bs[i] = b
		}
		meta["bookmarks"] = bs
	}
	if len(c.Metadata) > 0 {
		meta["tx_metadata"] = c.Metadata
	}
	return meta
}

// ResponseHandler receives the server's response to one request message.
// Exactly one of OnSuccess or OnFailure terminates the handler; OnRecord may
// be invoked any number of times before that for streaming requests.
//
// Handlers run on the connection's reader goroutine and must not block or
// call back into the driver.
type ResponseHandler interface {
	OnSuccess(meta map[string]any)
	OnFailure(err error)
	OnRecord(fields []any)
}

// Connection is a logical session over one wire channel. All request methods
// are non-blocking submissions; responses arrive asynchronously through the
// registered handlers. A Connection is owned by exactly one pool at a time
// and leased to at most one session.
type Connection interface {
	// RunAndFlush sends RUN+PULL_ALL as one batch, enqueueing exactly two
	// handlers. It succeeds once flushed and does not await responses.
	RunAndFlush(cmd Command, tx TxConfig, run, pull ResponseHandler) error
	// BeginTx, Commit and Rollback send the corresponding transaction
	// control message with a single handler.
	BeginTx(tx TxConfig, h ResponseHandler) error
	Commit(h ResponseHandler) error
	Rollback(h ResponseHandler) error
	// Reset sends RESET and blocks until the server acknowledges it,
	// clearing any server-side stream and pending failure.
	Reset(ctx context.Context) error

	// EnableAutoRead and DisableAutoRead gate the reader between messages,
	// used by cursors for backpressure.
	EnableAutoRead()
	DisableAutoRead()

	IsOpen() bool
	Close() error
	// Release returns the connection to its pool. Idempotent. A connection
	// that is not pooled closes instead.
	Release() error

	ServerAddress() ServerAddress
	ServerVersion() string
}

// ConnectionProvider hands out connections appropriate for an access mode
// and database, and accepts feedback when a member stops being usable.
type ConnectionProvider interface {
	Acquire(ctx context.Context, mode AccessMode, database string) (Connection, error)
	// Forget drops the address from future routing decisions.
	Forget(database string, addr ServerAddress)
	// RemoveWriter drops the address from the writer set only.
	RemoveWriter(database string, addr ServerAddress)
	VerifyConnectivity(ctx context.Context) error
	Close() error
}
