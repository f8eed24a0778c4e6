package arcgraph

import (
	"context"
	"testing"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/stretchr/testify/require"
)

// scriptedRun is the server's response to one RUN+PULL_ALL batch.
type scriptedRun struct {
	keys    []string
	records [][]any
	pullMeta map[string]any
	failure error
}

// fakeConn responds to requests synchronously from its scripts. An
// exhausted script answers with an empty success.
type fakeConn struct {
	addr db.ServerAddress
	open bool

	runs      []scriptedRun
	beginErr  error
	commitErr error
	commitMeta map[string]any

	runConfigs []db.TxConfig
	txConfigs  []db.TxConfig
	commits    int
	rollbacks  int
	resets     int
	released   int
}

func newScriptedConn(runs ...scriptedRun) *fakeConn {
	return &fakeConn{addr: db.Address("server1", 7687), open: true, runs: runs}
}

func (c *fakeConn) RunAndFlush(cmd db.Command, tx db.TxConfig, run, pull db.ResponseHandler) error {
	if !c.open {
		return &db.ServiceUnavailable{Message: "connection is closed"}
	}
	c.runConfigs = append(c.runConfigs, tx)

	var script scriptedRun
	if len(c.runs) > 0 {
		script = c.runs[0]
		c.runs = c.runs[1:]
	}
	if script.failure != nil {
		run.OnFailure(script.failure)
		pull.OnFailure(script.failure)
		return nil
	}

	var fields = make([]any, len(script.keys))
	for i, k := range script.keys {
		fields[i] = k
	}
	run.OnSuccess(map[string]any{"fields": fields})
	for _, row := range script.records {
		pull.OnRecord(row)
	}
	var meta = script.pullMeta
	if meta == nil {
		meta = map[string]any{}
	}
	pull.OnSuccess(meta)
	return nil
}

func (c *fakeConn) BeginTx(tx db.TxConfig, h db.ResponseHandler) error {
	c.txConfigs = append(c.txConfigs, tx)
	if c.beginErr != nil {
		h.OnFailure(c.beginErr)
	} else {
		h.OnSuccess(map[string]any{})
	}
	return nil
}

func (c *fakeConn) Commit(h db.ResponseHandler) error {
	c.commits++
	if c.commitErr != nil {
		h.OnFailure(c.commitErr)
		return nil
	}
	var meta = c.commitMeta
	if meta == nil {
		meta = map[string]any{}
	}
	h.OnSuccess(meta)
	return nil
}

func (c *fakeConn) Rollback(h db.ResponseHandler) error {
	c.rollbacks++
	h.OnSuccess(map[string]any{})
	return nil
}

func (c *fakeConn) Reset(context.Context) error {
	c.resets++
	return nil
}

func (c *fakeConn) EnableAutoRead()  {}
func (c *fakeConn) DisableAutoRead() {}

func (c *fakeConn) IsOpen() bool { return c.open }
func (c *fakeConn) Close() error {
	c.open = false
	return nil
}
func (c *fakeConn) Release() error {
	c.released++
	return nil
}

func (c *fakeConn) ServerAddress() db.ServerAddress { return c.addr }
func (c *fakeConn) ServerVersion() string           { return "fake/1.0" }

// fakeProvider hands out scripted connections in order, then empty ones.
type fakeProvider struct {
	conns    []*fakeConn
	acquired int
	err      error

	forgotten      []db.ServerAddress
	removedWriters []db.ServerAddress
}

func (p *fakeProvider) Acquire(context.Context, db.AccessMode, string) (db.Connection, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	if len(p.conns) > 0 {
		var c = p.conns[0]
		p.conns = p.conns[1:]
		return c, nil
	}
	return newScriptedConn(), nil
}

func (p *fakeProvider) Forget(_ string, addr db.ServerAddress) {
	p.forgotten = append(p.forgotten, addr)
}

func (p *fakeProvider) RemoveWriter(_ string, addr db.ServerAddress) {
	p.removedWriters = append(p.removedWriters, addr)
}

func (p *fakeProvider) VerifyConnectivity(context.Context) error { return nil }
func (p *fakeProvider) Close() error                             { return nil }

func testSession(provider db.ConnectionProvider, sc SessionConfig) *Session {
	return newSession(defaultConfig(), provider, sc)
}

var syntaxErr = &db.ServerError{Code: "Neo.ClientError.Statement.SyntaxError", Message: "bad statement"}

func TestSessionRunStreamsRecords(t *testing.T) {
	var conn = newScriptedConn(scriptedRun{
		keys:    []string{"name"},
		records: [][]any{{"Ada"}, {"Grace"}},
	})
	var s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{Mode: AccessModeRead})
	var ctx = context.Background()

	result, err := s.Run(ctx, "MATCH (n) RETURN n.name", nil)
	require.NoError(t, err)
	records, err := result.Collect()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Ada", records[0].Values[0])

	// The READ mode travelled with the statement.
	require.Equal(t, db.ReadMode, conn.runConfigs[0].Mode)
	require.NoError(t, s.Close(ctx))
	require.Equal(t, 1, conn.released)
}

func TestSessionReusesItsConnectionAcrossRuns(t *testing.T) {
	var conn = newScriptedConn(scriptedRun{}, scriptedRun{})
	var provider = &fakeProvider{conns: []*fakeConn{conn}}
	var s = testSession(provider, SessionConfig{})
	var ctx = context.Background()

	var _, err = s.Run(ctx, "RETURN 1", nil)
	require.NoError(t, err)
	_, err = s.Run(ctx, "RETURN 2", nil)
	require.NoError(t, err)
	require.Equal(t, 1, provider.acquired)
}

func TestSessionUnconsumedErrorSurfacesOnNextRun(t *testing.T) {
	var conn = newScriptedConn(
		scriptedRun{failure: syntaxErr},
		scriptedRun{keys: []string{"x"}, records: [][]any{{int64(1)}}},
	)
	var s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	var ctx = context.Background()

	// The first run's cursor is never touched.
	var _, err = s.Run(ctx, "INVALID", nil)
	require.NoError(t, err)

	// The second run surfaces the first's failure to its caller...
	_, err = s.Run(ctx, "RETURN 1", nil)
	var serverErr *db.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, syntaxErr.Code, serverErr.Code)
	require.Positive(t, conn.resets) // The quarantined channel was reset.

	// ...and the session stays usable.
	result, err := s.Run(ctx, "RETURN 1", nil)
	require.NoError(t, err)
	rec, err := result.Single()
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Values[0])
}

func TestSessionCloseDrainsUnseenError(t *testing.T) {
	var conn = newScriptedConn(scriptedRun{failure: syntaxErr})
	var s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	var ctx = context.Background()

	var _, err = s.Run(ctx, "INVALID", nil)
	require.NoError(t, err)

	err = s.Close(ctx)
	var serverErr *db.ServerError
	require.ErrorAs(t, err, &serverErr)

	// A second close is a no-op.
	require.NoError(t, s.Close(ctx))
	require.Equal(t, 1, conn.released)
}

func TestSessionRejectsUseAfterClose(t *testing.T) {
	var s = testSession(&fakeProvider{}, SessionConfig{})
	var ctx = context.Background()
	require.NoError(t, s.Close(ctx))

	var _, err = s.Run(ctx, "RETURN 1", nil)
	var usage *db.UsageError
	require.ErrorAs(t, err, &usage)
	require.Equal(t, "session closed", usage.Message)

	_, err = s.BeginTransaction(ctx)
	require.ErrorAs(t, err, &usage)
}

func TestSessionRejectsRunWithOpenTransaction(t *testing.T) {
	var s = testSession(&fakeProvider{}, SessionConfig{})
	var ctx = context.Background()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)

	_, err = s.Run(ctx, "RETURN 1", nil)
	var usage *db.UsageError
	require.ErrorAs(t, err, &usage)
	require.Equal(t, "statements cannot be run on a session with an open transaction", usage.Message)

	_, err = s.BeginTransaction(ctx)
	require.ErrorAs(t, err, &usage)
	require.Equal(t, "you cannot begin a transaction on a session with an open transaction", usage.Message)

	require.NoError(t, tx.Rollback(ctx))
	_, err = s.Run(ctx, "RETURN 1", nil)
	require.NoError(t, err)
}

func TestTransactionCommitReplacesBookmark(t *testing.T) {
	var conn = newScriptedConn(scriptedRun{})
	conn.commitMeta = map[string]any{"bookmark": "bm:30"}
	var provider = &fakeProvider{conns: []*fakeConn{conn}}
	var s = testSession(provider, SessionConfig{Bookmarks: []string{"bm:7", "bm:12"}})
	var ctx = context.Background()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)

	// Every initial bookmark was sent with BEGIN.
	require.Equal(t, []string{"bm:7", "bm:12"}, conn.txConfigs[0].Bookmarks)

	_, err = tx.Run(ctx, "CREATE (n)", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, 1, conn.commits)
	require.Equal(t, 1, conn.released)

	// The returned bookmark replaced the initial set wholesale.
	require.Equal(t, "bm:30", s.LastBookmark())

	var conn2 = newScriptedConn()
	provider.conns = []*fakeConn{conn2}
	_, err = s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bm:30"}, conn2.txConfigs[0].Bookmarks)
}

func TestTransactionCloseHonoursMarks(t *testing.T) {
	var ctx = context.Background()

	// Marked successful: close commits.
	var conn = newScriptedConn(scriptedRun{})
	var s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.Run(ctx, "CREATE (n)", nil)
	require.NoError(t, err)
	tx.Success()
	require.NoError(t, tx.Close(ctx))
	require.Equal(t, 1, conn.commits)
	require.Zero(t, conn.rollbacks)

	// Failure overrides success: close rolls back.
	conn = newScriptedConn(scriptedRun{})
	s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	tx, err = s.BeginTransaction(ctx)
	require.NoError(t, err)
	tx.Success()
	tx.Failure()
	tx.Success() // Fail-only is sticky.
	require.NoError(t, tx.Close(ctx))
	require.Zero(t, conn.commits)
	require.Equal(t, 1, conn.rollbacks)

	// No mark at all: close rolls back.
	conn = newScriptedConn()
	s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	tx, err = s.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Close(ctx))
	require.Equal(t, 1, conn.rollbacks)
	require.False(t, tx.IsOpen())
	require.NoError(t, tx.Close(ctx)) // Idempotent.
}

func TestTransactionFailedStatementMakesItFailOnly(t *testing.T) {
	var conn = newScriptedConn(scriptedRun{failure: syntaxErr}, scriptedRun{})
	var s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	var ctx = context.Background()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = tx.Run(ctx, "INVALID", nil)
	require.NoError(t, err) // The failure is in the stream, not the flush.

	tx.Success()
	err = tx.Close(ctx)
	var serverErr *db.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Zero(t, conn.commits)
	require.Equal(t, 1, conn.rollbacks)
}

func TestTerminatedTransactionRejectsRuns(t *testing.T) {
	var conn = newScriptedConn()
	var s = testSession(&fakeProvider{conns: []*fakeConn{conn}}, SessionConfig{})
	var ctx = context.Background()

	tx, err := s.BeginTransaction(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))
	require.False(t, tx.IsOpen())

	_, err = tx.Run(ctx, "RETURN 1", nil)
	var usage *db.UsageError
	require.ErrorAs(t, err, &usage)
	require.Equal(t, "cannot run more statements in this transaction, it has been terminated", usage.Message)

	// The session itself went back to a clean state.
	_, err = s.Run(ctx, "RETURN 1", nil)
	require.NoError(t, err)
}

func TestWriterFailureBecomesSessionExpired(t *testing.T) {
	var notALeader = &db.ServerError{Code: "Neo.ClientError.Cluster.NotALeader", Message: "demoted"}
	var conn = newScriptedConn(scriptedRun{failure: notALeader})
	var provider = &fakeProvider{conns: []*fakeConn{conn}}
	var s = testSession(provider, SessionConfig{})
	var ctx = context.Background()

	result, err := s.Run(ctx, "CREATE (n)", nil)
	require.NoError(t, err)

	_, err = result.Next()
	var expired *db.SessionExpired
	require.ErrorAs(t, err, &expired)
	require.Contains(t, expired.Message, "no longer accepts writes")
	require.Equal(t, []db.ServerAddress{conn.addr}, provider.removedWriters)
}

func TestTransportFailureForgetsTheAddress(t *testing.T) {
	var gone = &db.ServiceUnavailable{Message: "connection was closed"}
	var conn = newScriptedConn(scriptedRun{failure: gone})
	var provider = &fakeProvider{conns: []*fakeConn{conn}}
	var s = testSession(provider, SessionConfig{})
	var ctx = context.Background()

	result, err := s.Run(ctx, "RETURN 1", nil)
	require.NoError(t, err)

	_, err = result.Next()
	require.True(t, IsServiceUnavailable(err))
	require.Equal(t, []db.ServerAddress{conn.addr}, provider.forgotten)
}
