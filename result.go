package arcgraph

import (
	"sync"

	"github.com/arcgraph/arcgraph-go/db"
)

// Result is a lazy, single-consumer cursor over one RUN+PULL_ALL pair.
// Records arrive on the connection's reader goroutine and are buffered here;
// the accessors block until the record, terminal success, or failure they
// need is available.
//
// A stream failure is surfaced exactly once: whichever of Next/Peek, Summary
// or completeAndTakeFailure observes it first consumes it. A summary describing the
// failed run remains available afterwards.
type Result struct {
	conn      db.Connection // Non-owning; used for read backpressure only.
	statement string
	params    map[string]any

	// translate rewrites server and transport failures with routing
	// feedback applied; identity when the result is not session-bound.
	translate  func(error) error
	onBookmark func(string)

	highWater int
	lowWater  int

	mu   sync.Mutex
	cond *sync.Cond

	keys    []string
	runMeta map[string]any
	runDone bool

	records []*Record
	next    int

	done      bool
	failure   error // Unconsumed failure, nil once surfaced.
	summary   *ResultSummary
	paused    bool // Reader parked by the high watermark.
	unbounded bool // Drain mode: never park the reader.
}

func newResult(
	conn db.Connection,
	statement string,
	params map[string]any,
	highWater, lowWater int,
	translate func(error) error,
	onBookmark func(string),
) *Result {
	if translate == nil {
		translate = func(err error) error { return err }
	}
	var r = &Result{
		conn:       conn,
		statement:  statement,
		params:     params,
		translate:  translate,
		onBookmark: onBookmark,
		highWater:  highWater,
		lowWater:   lowWater,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Result) runHandler() db.ResponseHandler  { return (*resultRunHandler)(r) }
func (r *Result) pullHandler() db.ResponseHandler { return (*resultPullHandler)(r) }

// resultRunHandler captures the column keys and availability time.
type resultRunHandler Result

func (h *resultRunHandler) OnSuccess(meta map[string]any) {
	var r = (*Result)(h)
	r.mu.Lock()
	r.runMeta = meta
	if fields, ok := meta["fields"].([]any); ok {
		for _, f := range fields {
			if s, ok := f.(string); ok {
				r.keys = append(r.keys, s)
			}
		}
	}
	r.runDone = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (h *resultRunHandler) OnFailure(err error) {
	var r = (*Result)(h)
	r.mu.Lock()
	if r.failure == nil && !r.done {
		// Translate on first sight only: the pipelined PULL_ALL receives
		// the same failure, and routing feedback must not double-fire.
		r.failure = r.translate(err)
	}
	r.runDone = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (h *resultRunHandler) OnRecord([]any) {}

// resultPullHandler buffers records, emits the summary, and applies the
// backpressure watermarks.
type resultPullHandler Result

func (h *resultPullHandler) OnRecord(fields []any) {
	var r = (*Result)(h)
	r.mu.Lock()
	r.records = append(r.records, &Record{Keys: r.keys, Values: fields})
	if !r.unbounded && !r.paused && r.conn != nil && len(r.records)-r.next > r.highWater {
		r.paused = true
		r.conn.DisableAutoRead()
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (h *resultPullHandler) OnSuccess(meta map[string]any) {
	var r = (*Result)(h)
	r.mu.Lock()
	r.done = true
	r.summary = newSummary(r.statement, r.params, r.serverInfo(), r.runMeta, meta)
	r.resumeLocked()
	r.cond.Broadcast()
	r.mu.Unlock()

	if bm, ok := meta["bookmark"].(string); ok && bm != "" && r.onBookmark != nil {
		r.onBookmark(bm)
	}
}

func (h *resultPullHandler) OnFailure(err error) {
	var r = (*Result)(h)
	r.mu.Lock()
	if r.failure == nil {
		r.failure = r.translate(err)
	}
	r.done = true
	// The summary of a failed run still describes statement and server.
	r.summary = newSummary(r.statement, r.params, r.serverInfo(), r.runMeta, nil)
	r.resumeLocked()
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Result) serverInfo() ServerInfo {
	if r.conn == nil {
		return ServerInfo{}
	}
	return ServerInfo{Address: r.conn.ServerAddress(), Version: r.conn.ServerVersion()}
}

func (r *Result) resumeLocked() {
	if r.paused {
		r.paused = false
		if r.conn != nil {
			r.conn.EnableAutoRead()
		}
	}
}

// Keys returns the column names, blocking until the statement is accepted.
// A failed run reports its failure here without consuming it.
func (r *Result) Keys() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.runDone && !r.done {
		r.cond.Wait()
	}
	if r.failure != nil {
		return nil, r.failure
	}
	return r.keys, nil
}

// Next returns the next record, or (nil, nil) at the clean end of the
// stream. An unconsumed stream failure is returned, and thereby consumed,
// once all records before it were delivered.
func (r *Result) Next() (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.next < len(r.records) {
			var rec = r.records[r.next]
			r.next++
			if r.paused && len(r.records)-r.next < r.lowWater {
				r.resumeLocked()
			}
			return rec, nil
		}
		if r.done {
			return nil, r.takeFailureLocked()
		}
		r.cond.Wait()
	}
}

// Peek returns the next record without dequeuing it.
func (r *Result) Peek() (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.next < len(r.records) {
			return r.records[r.next], nil
		}
		if r.done {
			return nil, r.takeFailureLocked()
		}
		r.cond.Wait()
	}
}

// Single returns the only record of the stream, failing with
// NoSuchRecordError when the stream is empty or longer than one.
func (r *Result) Single() (*Record, error) {
	var rec, err = r.Next()
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &db.NoSuchRecordError{Empty: true}
	}
	extra, err := r.Next()
	if err != nil {
		return nil, err
	}
	if extra != nil {
		return nil, &db.NoSuchRecordError{Empty: false}
	}
	return rec, nil
}

// Collect drains the stream into a slice.
func (r *Result) Collect() ([]*Record, error) {
	var out []*Record
	for {
		var rec, err = r.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return out, nil
		}
		out = append(out, rec)
	}
}

// ForEach applies |fn| to each remaining record; an error from |fn| stops
// the iteration and is returned.
func (r *Result) ForEach(fn func(*Record) error) error {
	for {
		var rec, err = r.Next()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		if err = fn(rec); err != nil {
			return err
		}
	}
}

// Consume drains and discards the remainder of the stream and returns the
// summary.
func (r *Result) Consume() (*ResultSummary, error) {
	for {
		var rec, err = r.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
	}
	return r.Summary()
}

// Summary blocks until the stream terminates. An unconsumed failure is
// returned, and consumed, here; afterwards the summary of the failed run is
// still returned.
func (r *Result) Summary() (*ResultSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.done {
		r.cond.Wait()
	}
	if err := r.takeFailureLocked(); err != nil {
		return nil, err
	}
	return r.summary, nil
}

func (r *Result) takeFailureLocked() error {
	var err = r.failure
	r.failure = nil
	return err
}

// completeAndTakeFailure buffers the rest of the stream without watermarks,
// waits for the terminal response, and consumes any unseen failure. The
// session uses it to guarantee that an abandoned cursor's error reaches the
// caller of the next operation.
func (r *Result) completeAndTakeFailure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbounded = true
	r.resumeLocked()
	for !r.done {
		r.cond.Wait()
	}
	return r.takeFailureLocked()
}
