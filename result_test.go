package arcgraph

import (
	"testing"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/stretchr/testify/require"
)

func feedRecords(r *Result, keys []string, rows ...[]any) {
	var run = r.runHandler()
	var fields = make([]any, len(keys))
	for i, k := range keys {
		fields[i] = k
	}
	run.OnSuccess(map[string]any{"fields": fields, "result_available_after": int64(7)})

	var pull = r.pullHandler()
	for _, row := range rows {
		pull.OnRecord(row)
	}
}

func TestResultNextPeekAndKeys(t *testing.T) {
	var r = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
	feedRecords(r, []string{"x"}, []any{int64(1)}, []any{int64(2)})
	r.pullHandler().OnSuccess(map[string]any{"type": "r"})

	keys, err := r.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, keys)

	rec, err := r.Peek()
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, rec.Values)

	rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, rec.Values)
	var v, ok = rec.Get("x")
	require.True(t, ok)
	require.Equal(t, int64(1), v)

	rec, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, []any{int64(2)}, rec.Values)

	rec, err = r.Next()
	require.NoError(t, err)
	require.Nil(t, rec)

	summary, err := r.Summary()
	require.NoError(t, err)
	require.Equal(t, StatementTypeReadOnly, summary.Type)
	require.Equal(t, int64(7), summary.ResultAvailableAfter.Milliseconds())
}

func TestResultSingle(t *testing.T) {
	var one = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
	feedRecords(one, []string{"x"}, []any{int64(1)})
	one.pullHandler().OnSuccess(map[string]any{})
	var rec, err = one.Single()
	require.NoError(t, err)
	require.Equal(t, []any{int64(1)}, rec.Values)

	var empty = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
	feedRecords(empty, []string{"x"})
	empty.pullHandler().OnSuccess(map[string]any{})
	_, err = empty.Single()
	var noRecord *db.NoSuchRecordError
	require.ErrorAs(t, err, &noRecord)
	require.True(t, noRecord.Empty)

	var many = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
	feedRecords(many, []string{"x"}, []any{int64(1)}, []any{int64(2)})
	many.pullHandler().OnSuccess(map[string]any{})
	_, err = many.Single()
	require.ErrorAs(t, err, &noRecord)
	require.False(t, noRecord.Empty)
}

func TestResultCollectAndForEach(t *testing.T) {
	var r = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
	feedRecords(r, []string{"x"}, []any{int64(1)}, []any{int64(2)}, []any{int64(3)})
	r.pullHandler().OnSuccess(map[string]any{})

	var seen []int64
	require.NoError(t, r.ForEach(func(rec *Record) error {
		seen = append(seen, rec.Values[0].(int64))
		return nil
	}))
	require.Equal(t, []int64{1, 2, 3}, seen)

	records, err := r.Collect()
	require.NoError(t, err)
	require.Empty(t, records) // Already drained.
}

func TestResultFailureIsSurfacedExactlyOnce(t *testing.T) {
	var syntax = &db.ServerError{Code: "Neo.ClientError.Statement.SyntaxError", Message: "bad"}

	var r = newResult(nil, "INVALID", nil, 1000, 100, nil, nil)
	r.runHandler().OnFailure(syntax)
	r.pullHandler().OnFailure(syntax)

	var _, err = r.Next()
	require.Equal(t, syntax, err)

	// The failure was consumed: the stream now reads as exhausted, and the
	// summary still describes the failed run.
	rec, err := r.Next()
	require.NoError(t, err)
	require.Nil(t, rec)

	summary, err := r.Summary()
	require.NoError(t, err)
	require.Equal(t, "INVALID", summary.Statement)
}

func TestResultSummaryConsumesUnseenFailure(t *testing.T) {
	var boom = &db.ServerError{Code: "Neo.TransientError.General.Unknown", Message: "boom"}
	var r = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
	feedRecords(r, []string{"x"}, []any{int64(1)})
	r.pullHandler().OnFailure(boom)

	var _, err = r.Summary()
	require.Equal(t, boom, err)

	// Second look: failure gone, failed-run summary available.
	summary, err := r.Summary()
	require.NoError(t, err)
	require.NotNil(t, summary)
}

func TestResultConsumeSummaryCommute(t *testing.T) {
	var build = func() *Result {
		var r = newResult(nil, "RETURN 1", nil, 1000, 100, nil, nil)
		feedRecords(r, []string{"x"}, []any{int64(1)}, []any{int64(2)})
		r.pullHandler().OnSuccess(map[string]any{"type": "r", "result_consumed_after": int64(3)})
		return r
	}

	var a = build()
	s1, err := a.Consume()
	require.NoError(t, err)
	s2, err := a.Summary()
	require.NoError(t, err)
	require.Equal(t, s1, s2)

	var b = build()
	s3, err := b.Summary()
	require.NoError(t, err)
	_, err = b.Consume()
	require.NoError(t, err)
	require.Equal(t, s1, s3)
}

// gateConn records auto-read toggles.
type gateConn struct {
	fakeConn
	disabled int
	enabled  int
}

func (c *gateConn) DisableAutoRead() { c.disabled++ }
func (c *gateConn) EnableAutoRead()  { c.enabled++ }

func TestResultBackpressureWatermarks(t *testing.T) {
	var conn = &gateConn{}
	var r = newResult(conn, "RETURN 1", nil, 2, 1, nil, nil)
	feedRecords(r, []string{"x"})

	var pull = r.pullHandler()
	pull.OnRecord([]any{int64(1)})
	pull.OnRecord([]any{int64(2)})
	require.Zero(t, conn.disabled)

	// Crossing the high watermark parks the reader.
	pull.OnRecord([]any{int64(3)})
	require.Equal(t, 1, conn.disabled)
	require.Zero(t, conn.enabled)

	// Draining below the low watermark resumes it.
	for i := 0; i < 3; i++ {
		var _, err = r.Next()
		require.NoError(t, err)
	}
	require.Equal(t, 1, conn.enabled)
}
