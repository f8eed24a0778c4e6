package wire

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	log "github.com/sirupsen/logrus"
)

// ConnectConfig carries everything needed to establish one authenticated
// connection.
type ConnectConfig struct {
	Address        db.ServerAddress
	Auth           map[string]any
	UserAgent      string
	TLS            *tls.Config // nil for a plaintext connection.
	ConnectTimeout time.Duration
}

// Connection is a logical session over one channel. It implements
// db.Connection.
type Connection struct {
	ch            *Channel
	address       db.ServerAddress
	serverVersion string
}

var _ db.Connection = (*Connection)(nil)

// Connect dials, handshakes and authenticates a new connection. Transport
// faults surface as ServiceUnavailable, TLS faults as SecurityError, and an
// authentication rejection as the server's own error.
func Connect(ctx context.Context, cfg ConnectConfig) (*Connection, error) {
	var dialer = net.Dialer{Timeout: cfg.ConnectTimeout}
	var raw, err = dialer.DialContext(ctx, "tcp", cfg.Address.String())
	if err != nil {
		return nil, &db.ServiceUnavailable{Message: "dialing " + cfg.Address.String(), Cause: err}
	}

	var conn net.Conn = raw
	if cfg.TLS != nil {
		var tlsConn = tls.Client(raw, cfg.TLS)
		if err = tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, &db.SecurityError{Message: "TLS handshake with " + cfg.Address.String(), Cause: err}
		}
		conn = tlsConn
	}

	if _, err = Handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var c = &Connection{ch: newChannel(conn), address: cfg.Address}

	// HELLO merges the auth token into the greeting without clobbering
	// driver-owned keys.
	var hello = map[string]any{"user_agent": cfg.UserAgent}
	for k, v := range cfg.Auth {
		if _, exists := hello[k]; !exists {
			hello[k] = v
		}
	}

	var await = newAwaiter()
	if err = c.ch.sendAndFlush(
		[]message{{tag: msgHello, fields: []any{hello}}},
		[]queuedHandler{{h: await}},
	); err != nil {
		c.ch.Close()
		return nil, err
	}
	meta, err := await.wait(ctx)
	if err != nil {
		c.ch.Close()
		return nil, err
	}
	c.serverVersion = stringOr(meta["server"], "")

	connectionsOpenedCounter.WithLabelValues(cfg.Address.String()).Inc()
	log.WithFields(log.Fields{
		"address": cfg.Address.String(),
		"server":  c.serverVersion,
	}).Debug("connected")

	return c, nil
}

func (c *Connection) RunAndFlush(cmd db.Command, tx db.TxConfig, run, pull db.ResponseHandler) error {
	var params = cmd.Params
	if params == nil {
		params = map[string]any{}
	}
	return c.ch.sendAndFlush(
		[]message{
			{tag: msgRun, fields: []any{cmd.Statement, params, tx.ToMeta()}},
			{tag: msgPullAll},
		},
		[]queuedHandler{{h: run}, {h: pull}},
	)
}

func (c *Connection) BeginTx(tx db.TxConfig, h db.ResponseHandler) error {
	return c.ch.sendAndFlush(
		[]message{{tag: msgBegin, fields: []any{tx.ToMeta()}}},
		[]queuedHandler{{h: h}},
	)
}

func (c *Connection) Commit(h db.ResponseHandler) error {
	return c.ch.sendAndFlush([]message{{tag: msgCommit}}, []queuedHandler{{h: h}})
}

func (c *Connection) Rollback(h db.ResponseHandler) error {
	return c.ch.sendAndFlush([]message{{tag: msgRollback}}, []queuedHandler{{h: h}})
}

// Reset clears the server-side stream and pending failure, unlocking a
// quarantined channel. It blocks until the server acknowledges.
func (c *Connection) Reset(ctx context.Context) error {
	// The reader may be parked by a backpressured cursor that will never
	// drain; a reset abandons that stream, so reads must flow again.
	c.ch.EnableAutoRead()

	var await = newAwaiter()
	if err := c.ch.sendAndFlush(
		[]message{{tag: msgReset}},
		[]queuedHandler{{h: await, reset: true}},
	); err != nil {
		return err
	}
	var _, err = await.wait(ctx)
	return err
}

func (c *Connection) EnableAutoRead()  { c.ch.EnableAutoRead() }
func (c *Connection) DisableAutoRead() { c.ch.DisableAutoRead() }

func (c *Connection) IsOpen() bool { return c.ch.IsOpen() }

func (c *Connection) Close() error {
	c.ch.Close()
	return nil
}

// Release closes an unpooled connection; pooled connections are wrapped by
// the pool with a lease that returns them instead.
func (c *Connection) Release() error { return c.Close() }

func (c *Connection) ServerAddress() db.ServerAddress { return c.address }
func (c *Connection) ServerVersion() string           { return c.serverVersion }

// awaiter is an internal handler that turns one response into a blocking
// wait.
type awaiter struct {
	done chan struct{}
	meta map[string]any
	err  error
}

func newAwaiter() *awaiter {
	return &awaiter{done: make(chan struct{})}
}

func (a *awaiter) OnSuccess(meta map[string]any) {
	a.meta = meta
	close(a.done)
}

func (a *awaiter) OnFailure(err error) {
	a.err = err
	close(a.done)
}

func (a *awaiter) OnRecord([]any) {}

func (a *awaiter) wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-a.done:
		return a.meta, a.err
	case <-ctx.Done():
		return nil, &db.ServiceUnavailable{Message: "awaiting server response", Cause: ctx.Err()}
	}
}
