package arcgraph

import (
	"crypto/tls"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
)

// LoadBalancingStrategy selects how routed acquisitions spread over the
// members of a role.
type LoadBalancingStrategy int

const (
	// LoadBalancingLeastConnected picks the member with the fewest in-use
	// connections in this driver's own pool.
	LoadBalancingLeastConnected LoadBalancingStrategy = iota
	// LoadBalancingRoundRobin cycles through the members in table order.
	LoadBalancingRoundRobin
)

// Config tunes one driver instance. The zero value is not usable; obtain
// defaults through NewDriver, which applies defaultConfig before the
// caller's configurers.
type Config struct {
	// Encrypted wraps every connection in TLS. On by default.
	Encrypted bool
	// TLSConfig overrides the TLS client configuration; nil uses the
	// system CA set with the server's host name.
	TLSConfig *tls.Config

	// ConnectTimeout bounds dialing and the protocol handshake.
	ConnectTimeout time.Duration
	// MaxConnectionPoolSize caps connections per server address.
	MaxConnectionPoolSize int
	// ConnectionAcquisitionTimeout bounds how long an acquisition waits
	// for a connection once the pool is at capacity.
	ConnectionAcquisitionTimeout time.Duration
	// ConnectionLivenessCheckTimeout is how long a connection may sit
	// idle before it is probed on acquisition. Zero disables probing.
	ConnectionLivenessCheckTimeout time.Duration

	// MaxTransactionRetryTime is the total budget of a retryable
	// transaction function, measured from its first invocation.
	MaxTransactionRetryTime time.Duration
	// InitialRetryDelay seeds the exponential backoff.
	InitialRetryDelay time.Duration
	// RetryDelayMultiplier grows the delay between attempts.
	RetryDelayMultiplier float64
	// RetryDelayJitter randomises each delay by ±this fraction.
	RetryDelayJitter float64
	// MaxRetryDelay caps the grown delay.
	MaxRetryDelay time.Duration

	// RoutingTTLFloor raises server-provided routing table lifetimes that
	// are shorter than it. Zero keeps the server's TTL.
	RoutingTTLFloor time.Duration
	// AddressResolver expands the initial routing address, e.g. a DNS
	// name fronting several routers. Nil resolves to the address itself.
	AddressResolver func(addr db.ServerAddress) []db.ServerAddress

	// LoadBalancing selects the routed acquisition strategy.
	LoadBalancing LoadBalancingStrategy

	// FetchHighWatermark and FetchLowWatermark bound how many records a
	// cursor buffers before reads are paused and resumed.
	FetchHighWatermark int
	FetchLowWatermark  int

	// UserAgent is announced to the server at connection time.
	UserAgent string
}

func defaultConfig() *Config {
	return &Config{
		Encrypted:                      true,
		ConnectTimeout:                 30 * time.Second,
		MaxConnectionPoolSize:          100,
		ConnectionAcquisitionTimeout:   60 * time.Second,
		ConnectionLivenessCheckTimeout: 0,
		MaxTransactionRetryTime:        30 * time.Second,
		InitialRetryDelay:              time.Second,
		RetryDelayMultiplier:           2.0,
		RetryDelayJitter:               0.2,
		MaxRetryDelay:                  time.Minute,
		LoadBalancing:                  LoadBalancingLeastConnected,
		FetchHighWatermark:             10000,
		FetchLowWatermark:              100,
		UserAgent:                      "arcgraph-go/1.0",
	}
}

// WithoutEncryption disables TLS, for deployments that terminate it
// elsewhere or development setups.
func WithoutEncryption() func(*Config) {
	return func(c *Config) { c.Encrypted = false }
}
