package arcgraph

import (
	"context"
	"sync"

	"github.com/arcgraph/arcgraph-go/db"
	"go.uber.org/multierr"
)

type txState int

const (
	txActive txState = iota
	txTerminated
	txClosed
)

// Transaction is an explicit transaction over exactly one connection.
// Success and Failure record intent only; Close decides between commit and
// rollback from the marks, and once any statement in the transaction fails
// it becomes fail-only.
type Transaction struct {
	conn       db.Connection
	translate  func(error) error
	onBookmark func(string)
	highWater  int
	lowWater   int

	mu          sync.Mutex
	state       txState
	successMark bool
	failureMark bool
	results     []*Result
}

// Run executes a statement within the transaction and records its cursor
// for draining at close.
func (t *Transaction) Run(ctx context.Context, statement string, params map[string]any) (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case txTerminated:
		return nil, &db.UsageError{Message: "cannot run more statements in this transaction, it has been terminated"}
	case txClosed:
		return nil, &db.UsageError{Message: "cannot run more statements in this transaction, it has been closed"}
	}

	// Surface the previous statement's failure before dispatching another;
	// a failed statement makes the transaction fail-only.
	if n := len(t.results); n > 0 {
		if err := t.results[n-1].completeAndTakeFailure(); err != nil {
			t.failureMark = true
			return nil, err
		}
	}

	var res = newResult(t.conn, statement, params, t.highWater, t.lowWater, t.translate, nil)
	if err := t.conn.RunAndFlush(
		db.Command{Statement: statement, Params: params},
		db.TxConfig{},
		res.runHandler(), res.pullHandler(),
	); err != nil {
		t.failureMark = true
		return nil, t.translate(err)
	}
	t.results = append(t.results, res)
	return res, nil
}

// Success marks the transaction to be committed by Close. A transaction
// already marked failed stays fail-only.
func (t *Transaction) Success() {
	t.mu.Lock()
	if !t.failureMark {
		t.successMark = true
	}
	t.mu.Unlock()
}

// Failure marks the transaction to be rolled back by Close, overriding any
// earlier Success.
func (t *Transaction) Failure() {
	t.mu.Lock()
	t.failureMark = true
	t.successMark = false
	t.mu.Unlock()
}

// Commit drains the transaction's cursors and commits. The session bookmark
// is replaced on success.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case txTerminated:
		return &db.UsageError{Message: "cannot commit this transaction, because it has been terminated"}
	case txClosed:
		return &db.UsageError{Message: "cannot commit this transaction, because it has already been closed"}
	}

	if err := t.drainLocked(); err != nil {
		var rbErr = t.rollbackLocked(ctx)
		return multierr.Append(err, rbErr)
	}
	return t.commitLocked(ctx)
}

// Rollback drains the transaction's cursors and rolls back.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case txTerminated:
		t.state = txClosed
		return nil
	case txClosed:
		return &db.UsageError{Message: "cannot rollback this transaction, because it has already been closed"}
	}

	var drainErr = t.drainLocked()
	var rbErr = t.rollbackLocked(ctx)
	if rbErr != nil {
		return multierr.Append(rbErr, drainErr)
	}
	return nil
}

// Close drains child cursors and then commits when the transaction was
// marked successful and nothing failed, rolling back otherwise. Errors
// during drain are attached to the primary outcome.
func (t *Transaction) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case txClosed:
		return nil
	case txTerminated:
		t.state = txClosed
		return nil
	}

	var drainErr = t.drainLocked()
	if t.successMark && !t.failureMark && drainErr == nil {
		return t.commitLocked(ctx)
	}
	var rbErr = t.rollbackLocked(ctx)
	return multierr.Append(drainErr, rbErr)
}

// IsOpen reports whether the transaction can still run statements.
func (t *Transaction) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == txActive
}

// terminate marks the transaction unusable and detaches its connection,
// invoked by Session.Reset.
func (t *Transaction) terminate(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txActive {
		return
	}
	t.state = txTerminated
	t.results = nil
	if t.conn != nil {
		if t.conn.IsOpen() {
			_ = t.conn.Reset(ctx)
		}
		_ = t.conn.Release()
		t.conn = nil
	}
}

func (t *Transaction) drainLocked() error {
	var first error
	for _, res := range t.results {
		if err := res.completeAndTakeFailure(); err != nil {
			t.failureMark = true
			if first == nil {
				first = err
			} else {
				first = multierr.Append(first, err)
			}
		}
	}
	t.results = nil
	return first
}

func (t *Transaction) commitLocked(ctx context.Context) error {
	var a = newAck()
	if err := t.conn.Commit(a); err != nil {
		t.finishLocked(ctx)
		return t.translate(err)
	}
	meta, err := a.wait(ctx)
	if err != nil {
		err = t.translate(err)
		t.failureMark = true
		t.finishLocked(ctx)
		return err
	}
	if bm, ok := meta["bookmark"].(string); ok && bm != "" && t.onBookmark != nil {
		t.onBookmark(bm)
	}
	t.finishLocked(ctx)
	return nil
}

func (t *Transaction) rollbackLocked(ctx context.Context) error {
	var a = newAck()
	if err := t.conn.Rollback(a); err != nil {
		t.finishLocked(ctx)
		return t.translate(err)
	}
	var _, err = a.wait(ctx)
	if err != nil {
		err = t.translate(err)
	}
	t.finishLocked(ctx)
	return err
}

// finishLocked closes the transaction and returns the connection, resetting
// it first when a failure left the channel quarantined.
func (t *Transaction) finishLocked(ctx context.Context) {
	t.state = txClosed
	if t.conn == nil {
		return
	}
	if t.failureMark && t.conn.IsOpen() {
		_ = t.conn.Reset(ctx)
	}
	_ = t.conn.Release()
	t.conn = nil
}
