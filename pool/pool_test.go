package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	addr     db.ServerAddress
	open     atomic.Bool
	resets   atomic.Int32
	resetErr error
}

func newFakeConn(addr db.ServerAddress) *fakeConn {
	var c = &fakeConn{addr: addr}
	c.open.Store(true)
	return c
}

func (c *fakeConn) RunAndFlush(db.Command, db.TxConfig, db.ResponseHandler, db.ResponseHandler) error {
	return nil
}
func (c *fakeConn) BeginTx(db.TxConfig, db.ResponseHandler) error { return nil }
func (c *fakeConn) Commit(db.ResponseHandler) error               { return nil }
func (c *fakeConn) Rollback(db.ResponseHandler) error             { return nil }

func (c *fakeConn) Reset(context.Context) error {
	c.resets.Add(1)
	if c.resetErr != nil {
		return c.resetErr
	}
	return nil
}

func (c *fakeConn) EnableAutoRead()  {}
func (c *fakeConn) DisableAutoRead() {}

func (c *fakeConn) IsOpen() bool { return c.open.Load() }
func (c *fakeConn) Close() error {
	c.open.Store(false)
	return nil
}
func (c *fakeConn) Release() error { return c.Close() }

func (c *fakeConn) ServerAddress() db.ServerAddress { return c.addr }
func (c *fakeConn) ServerVersion() string           { return "fake/1.0" }

// countingConnector tracks created connections per address.
type countingConnector struct {
	mu      sync.Mutex
	created map[db.ServerAddress][]*fakeConn
	err     error
}

func newCountingConnector() *countingConnector {
	return &countingConnector{created: make(map[db.ServerAddress][]*fakeConn)}
}

func (cc *countingConnector) connect(_ context.Context, addr db.ServerAddress) (db.Connection, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.err != nil {
		return nil, cc.err
	}
	var c = newFakeConn(addr)
	cc.created[addr] = append(cc.created[addr], c)
	return c, nil
}

func (cc *countingConnector) count(addr db.ServerAddress) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.created[addr])
}

var addrA = db.Address("a.example", 7687)
var addrB = db.Address("b.example", 7687)

func TestAcquireReusesIdleConnections(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2}, cc.connect)
	defer p.Close()

	var ctx = context.Background()
	conn, err := p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.Equal(t, 1, p.InUseCount(addrA))
	require.Equal(t, 0, p.IdleCount(addrA))

	require.NoError(t, conn.Release())
	require.NoError(t, conn.Release()) // Idempotent.
	require.Equal(t, 0, p.InUseCount(addrA))
	require.Equal(t, 1, p.IdleCount(addrA))

	_, err = p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.Equal(t, 1, cc.count(addrA))
	require.Equal(t, 1, p.InUseCount(addrA))
	require.Equal(t, 0, p.IdleCount(addrA))
}

func TestAcquireRespectsPerAddressCap(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2, AcquisitionTimeout: 50 * time.Millisecond}, cc.connect)
	defer p.Close()

	var ctx = context.Background()
	var c1, err = p.Acquire(ctx, addrA)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.Equal(t, 2, p.InUseCount(addrA))

	// The cap is reached: the third acquisition waits out its budget.
	_, err = p.Acquire(ctx, addrA)
	var usage *db.UsageError
	require.True(t, errors.As(err, &usage))
	require.Contains(t, usage.Message, "connection acquisition timed out")
	require.Equal(t, 2, cc.count(addrA))

	// Invariant: in-use plus idle never exceeds the cap.
	require.LessOrEqual(t, p.InUseCount(addrA)+p.IdleCount(addrA), 2)

	// A release hands the connection to a queued waiter directly.
	var got = make(chan db.Connection, 1)
	go func() {
		var c, err = p.Acquire(ctx, addrA)
		require.NoError(t, err)
		got <- c
	}()
	time.Sleep(20 * time.Millisecond) // Let the waiter queue up.
	require.NoError(t, c1.Release())

	select {
	case c := <-got:
		require.NotNil(t, c)
		require.Equal(t, 2, p.InUseCount(addrA))
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never served")
	}
	require.Equal(t, 2, cc.count(addrA))
}

func TestAcquireConnectFailure(t *testing.T) {
	var cc = newCountingConnector()
	cc.err = &db.ServiceUnavailable{Message: "connection refused"}
	var p = New(Config{MaxSize: 2}, cc.connect)
	defer p.Close()

	var _, err = p.Acquire(context.Background(), addrA)
	var unavailable *db.ServiceUnavailable
	require.True(t, errors.As(err, &unavailable))
	require.Equal(t, 0, p.InUseCount(addrA))
}

func TestLivenessProbeDisposesDeadConnections(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2, LivenessCheckThreshold: time.Nanosecond}, cc.connect)
	defer p.Close()

	var ctx = context.Background()
	conn, err := p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.NoError(t, conn.Release())

	// Make the idle connection stale and failing: the probe disposes it and
	// acquisition falls through to creating a fresh one.
	cc.mu.Lock()
	cc.created[addrA][0].resetErr = &db.ServiceUnavailable{Message: "gone"}
	cc.mu.Unlock()
	time.Sleep(time.Millisecond)

	conn2, err := p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.True(t, conn2.IsOpen())
	require.Equal(t, 2, cc.count(addrA))
	require.False(t, cc.created[addrA][0].IsOpen())
	require.Positive(t, cc.created[addrA][0].resets.Load())
}

func TestLivenessProbeSkippedWhenDisabled(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2}, cc.connect)
	defer p.Close()

	var ctx = context.Background()
	conn, err := p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.NoError(t, conn.Release())
	time.Sleep(time.Millisecond)

	_, err = p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.Zero(t, cc.created[addrA][0].resets.Load())
}

func TestRetainAllDropsRemovedAddresses(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2}, cc.connect)
	defer p.Close()

	var ctx = context.Background()
	for _, addr := range []db.ServerAddress{addrA, addrB} {
		var conn, err = p.Acquire(ctx, addr)
		require.NoError(t, err)
		require.NoError(t, conn.Release())
	}
	require.Equal(t, 1, p.IdleCount(addrA))
	require.Equal(t, 1, p.IdleCount(addrB))

	p.RetainAll([]db.ServerAddress{addrA})
	require.Equal(t, 1, p.IdleCount(addrA))
	require.Equal(t, 0, p.IdleCount(addrB))
	require.False(t, cc.created[addrB][0].IsOpen())
}

func TestReleaseToForgottenAddressDisposes(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2}, cc.connect)
	defer p.Close()

	var ctx = context.Background()
	conn, err := p.Acquire(ctx, addrB)
	require.NoError(t, err)

	p.RetainAll([]db.ServerAddress{addrA})
	require.NoError(t, conn.Release())
	require.Equal(t, 0, p.IdleCount(addrB))
	require.False(t, cc.created[addrB][0].IsOpen())
}

func TestClosedPoolFailsFast(t *testing.T) {
	var cc = newCountingConnector()
	var p = New(Config{MaxSize: 2}, cc.connect)

	var ctx = context.Background()
	conn, err := p.Acquire(ctx, addrA)
	require.NoError(t, err)
	require.NoError(t, conn.Release())

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	require.False(t, cc.created[addrA][0].IsOpen())

	_, err = p.Acquire(ctx, addrA)
	var usage *db.UsageError
	require.True(t, errors.As(err, &usage))
	require.Contains(t, usage.Message, "closed")
}
