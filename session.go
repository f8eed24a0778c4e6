package arcgraph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	log "github.com/sirupsen/logrus"
)

// AccessMode selects the server role a session's work is routed to.
type AccessMode = db.AccessMode

const (
	AccessModeWrite = db.WriteMode
	AccessModeRead  = db.ReadMode
)

// SessionConfig configures a new session; its zero value is a WRITE session
// on the default database with no bookmark.
type SessionConfig struct {
	Mode      AccessMode
	Bookmarks []string
	Database  string
}

// Session is a logical sequence of work against the cluster. It owns at
// most one live cursor, at most one open transaction, and the bookmark
// chaining causally-consistent reads to earlier commits.
//
// Operations on one session are serialised: each observes the completion of
// the previous one, and a new statement is never dispatched before the
// previous cursor's failure has been surfaced to the caller.
type Session struct {
	config   *Config
	provider db.ConnectionProvider
	mode     db.AccessMode
	database string

	mu     sync.Mutex
	open   bool
	conn   db.Connection
	result *Result
	tx     *Transaction

	// bookmark has its own lock: it is replaced from the connection's
	// reader goroutine while session operations may be blocked in mu.
	bmMu     sync.Mutex
	bookmark Bookmark

	// Injectable for retry tests.
	sleep     func(time.Duration)
	now       func() time.Time
	randFloat func() float64
}

func newSession(config *Config, provider db.ConnectionProvider, sc SessionConfig) *Session {
	return &Session{
		config:    config,
		provider:  provider,
		mode:      sc.Mode,
		database:  sc.Database,
		open:      true,
		bookmark:  NewBookmark(sc.Bookmarks...),
		sleep:     time.Sleep,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// Run executes an auto-commit statement and returns its lazy cursor.
func (s *Session) Run(ctx context.Context, statement string, params map[string]any) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, &db.UsageError{Message: "session closed"}
	}
	if s.tx != nil && s.tx.IsOpen() {
		return nil, &db.UsageError{Message: "statements cannot be run on a session with an open transaction"}
	}
	s.tx = nil

	if err := s.drainPreviousLocked(ctx); err != nil {
		return nil, err
	}
	var conn, err = s.connectionLocked(ctx, s.mode)
	if err != nil {
		return nil, err
	}

	var res = newResult(
		conn, statement, params,
		s.config.FetchHighWatermark, s.config.FetchLowWatermark,
		s.translator(conn.ServerAddress()),
		s.replaceBookmark,
	)
	if err = conn.RunAndFlush(
		db.Command{Statement: statement, Params: params},
		db.TxConfig{Mode: s.mode, Bookmarks: s.bookmarkValues()},
		res.runHandler(), res.pullHandler(),
	); err != nil {
		err = s.translator(conn.ServerAddress())(err)
		s.dropConnectionLocked()
		return nil, err
	}
	s.result = res
	return res, nil
}

// BeginTransaction starts an explicit transaction, which holds its
// connection exclusively until closed.
func (s *Session) BeginTransaction(ctx context.Context) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginTxLocked(ctx, s.mode)
}

func (s *Session) beginTxLocked(ctx context.Context, mode db.AccessMode) (*Transaction, error) {
	if !s.open {
		return nil, &db.UsageError{Message: "session closed"}
	}
	if s.tx != nil && s.tx.IsOpen() {
		return nil, &db.UsageError{Message: "you cannot begin a transaction on a session with an open transaction"}
	}
	s.tx = nil

	if err := s.drainPreviousLocked(ctx); err != nil {
		return nil, err
	}
	var conn, err = s.connectionLocked(ctx, mode)
	if err != nil {
		return nil, err
	}
	var translate = s.translator(conn.ServerAddress())

	var a = newAck()
	if err = conn.BeginTx(db.TxConfig{Mode: mode, Bookmarks: s.bookmarkValues()}, a); err != nil {
		err = translate(err)
		s.dropConnectionLocked()
		return nil, err
	}
	if _, err = a.wait(ctx); err != nil {
		err = translate(err)
		if conn.IsOpen() {
			_ = conn.Reset(ctx)
		} else {
			s.dropConnectionLocked()
		}
		return nil, err
	}

	var tx = &Transaction{
		conn:       conn,
		translate:  translate,
		onBookmark: s.replaceBookmark,
		highWater:  s.config.FetchHighWatermark,
		lowWater:   s.config.FetchLowWatermark,
	}
	// The transaction owns the connection until it closes.
	s.conn = nil
	s.tx = tx
	return tx, nil
}

// Close transitions the session to its terminal state. It surfaces the
// previous cursor's unseen failure, rolls back any open transaction
// (logging, not raising, rollback errors), and releases the connection.
// A second Close is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false

	var captured error
	if s.result != nil {
		var res = s.result
		s.result = nil
		captured = res.completeAndTakeFailure()
	}

	if s.tx != nil && s.tx.IsOpen() {
		if err := s.tx.Rollback(ctx); err != nil {
			log.WithField("error", err).Warn("rolling back open transaction while closing session")
		}
	}
	s.tx = nil

	if s.conn != nil {
		if captured != nil && s.conn.IsOpen() {
			_ = s.conn.Reset(ctx)
		}
		_ = s.conn.Release()
		s.conn = nil
	}
	return captured
}

// Reset terminates any open transaction and detaches the session from its
// connection; the next operation acquires anew.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		s.tx.terminate(ctx)
		s.tx = nil
	}
	s.result = nil
	if s.conn != nil {
		if s.conn.IsOpen() {
			_ = s.conn.Reset(ctx)
		}
		_ = s.conn.Release()
		s.conn = nil
	}
	return nil
}

// LastBookmark returns the maximum element of the current bookmark, or ""
// when the session holds none.
func (s *Session) LastBookmark() string {
	s.bmMu.Lock()
	defer s.bmMu.Unlock()
	return s.bookmark.Max()
}

func (s *Session) bookmarkValues() []string {
	s.bmMu.Lock()
	defer s.bmMu.Unlock()
	return s.bookmark.Values()
}

// replaceBookmark installs the single bookmark returned by a commit,
// replacing whatever set was sent.
func (s *Session) replaceBookmark(bm string) {
	s.bmMu.Lock()
	s.bookmark = NewBookmark(bm)
	s.bmMu.Unlock()
}

// drainPreviousLocked awaits the previous cursor's terminal state and
// propagates its unseen failure, so an ignored cursor's error always
// reaches the caller of the next operation.
func (s *Session) drainPreviousLocked(ctx context.Context) error {
	if s.result == nil {
		return nil
	}
	var res = s.result
	s.result = nil

	var err = res.completeAndTakeFailure()
	if err == nil {
		return nil
	}

	// A server failure leaves the channel quarantined; reset it so the
	// connection stays usable, or drop it when the transport is gone.
	if s.conn != nil {
		if s.conn.IsOpen() {
			if rerr := s.conn.Reset(ctx); rerr != nil {
				s.dropConnectionLocked()
			}
		} else {
			s.dropConnectionLocked()
		}
	}
	return err
}

// connectionLocked reuses the held connection when it is still open, and
// acquires from the provider otherwise.
func (s *Session) connectionLocked(ctx context.Context, mode db.AccessMode) (db.Connection, error) {
	if s.conn != nil {
		if s.conn.IsOpen() {
			return s.conn, nil
		}
		_ = s.conn.Release()
		s.conn = nil
	}
	var conn, err = s.provider.Acquire(ctx, mode, s.database)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *Session) dropConnectionLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		_ = s.conn.Release()
		s.conn = nil
	}
}

// translator rewrites failures observed on |addr| with routing feedback
// applied: a member that stopped accepting writes is removed from the
// writer set and the error becomes SessionExpired; unavailable members are
// forgotten entirely.
func (s *Session) translator(addr db.ServerAddress) func(error) error {
	return func(err error) error {
		if err == nil {
			return nil
		}
		var server *db.ServerError
		if errors.As(err, &server) {
			if server.IsClusterWriteFailure() {
				s.provider.RemoveWriter(s.database, addr)
				return &db.SessionExpired{Message: fmt.Sprintf("server at %s no longer accepts writes", addr)}
			}
			if server.IsDatabaseUnavailable() {
				s.provider.Forget(s.database, addr)
			}
			return err
		}
		var unavailable *db.ServiceUnavailable
		if errors.As(err, &unavailable) {
			s.provider.Forget(s.database, addr)
		}
		return err
	}
}
