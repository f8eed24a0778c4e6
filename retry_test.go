package arcgraph

import (
	"context"
	"testing"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	"github.com/stretchr/testify/require"
)

// retrySession builds a session whose clock and sleep are controlled.
func retrySession(provider db.ConnectionProvider) (*Session, *[]time.Duration) {
	var s = testSession(provider, SessionConfig{})
	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }
	s.randFloat = func() float64 { return 0.5 } // No jitter.
	return s, &slept
}

func TestRetryReturnsAfterTransientFailures(t *testing.T) {
	var provider = &fakeProvider{}
	var s, slept = retrySession(provider)
	var ctx = context.Background()

	var invocations = 0
	result, err := s.WriteTransaction(ctx, func(tx *Transaction) (any, error) {
		invocations++
		if invocations <= 2 {
			return nil, &db.ServiceUnavailable{Message: "member went away"}
		}
		var _, err = tx.Run(ctx, "CREATE (n)", nil)
		return "done", err
	})
	require.NoError(t, err)
	require.Equal(t, "done", result)
	require.Equal(t, 3, invocations)

	// Exponential backoff between the attempts.
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestRetryFatalErrorRunsExactlyOnce(t *testing.T) {
	var s, slept = retrySession(&fakeProvider{})
	var ctx = context.Background()

	var fatal = &db.UsageError{Message: "broken work"}
	var invocations = 0
	var _, err = s.ReadTransaction(ctx, func(*Transaction) (any, error) {
		invocations++
		return nil, fatal
	})

	// The error is rethrown unchanged after a single execution.
	require.Same(t, error(fatal), err)
	require.Equal(t, 1, invocations)
	require.Empty(t, *slept)
}

func TestRetryStopsAtTheTimeBudget(t *testing.T) {
	var s, slept = retrySession(&fakeProvider{})
	var ctx = context.Background()

	// The clock jumps past the budget during the first backoff, so the second
	// attempt is the last.
	var elapsed = time.Duration(0)
	var base = time.Now()
	s.now = func() time.Time { return base.Add(elapsed) }
	s.sleep = func(time.Duration) { elapsed += 31 * time.Second }

	var invocations = 0
	var _, err = s.WriteTransaction(ctx, func(*Transaction) (any, error) {
		invocations++
		return nil, &db.SessionExpired{Message: "leaderless"}
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "retries exhausted")
	require.Contains(t, err.Error(), "leaderless")
	require.Equal(t, 2, invocations)
	_ = slept
}

func TestRetryCommitFailureIsRetried(t *testing.T) {
	var broken = newScriptedConn(scriptedRun{})
	broken.commitErr = &db.ServiceUnavailable{Message: "lost during commit"}
	var healthy = newScriptedConn(scriptedRun{})
	healthy.commitMeta = map[string]any{"bookmark": "bm:1"}

	var provider = &fakeProvider{conns: []*fakeConn{broken, healthy}}
	var s, _ = retrySession(provider)
	var ctx = context.Background()

	var invocations = 0
	var _, err = s.WriteTransaction(ctx, func(tx *Transaction) (any, error) {
		invocations++
		var _, err = tx.Run(ctx, "CREATE (n)", nil)
		return nil, err
	})
	require.NoError(t, err)
	require.Equal(t, 2, invocations)
	require.Equal(t, 1, broken.commits)
	require.Equal(t, 1, healthy.commits)
	require.Equal(t, "bm:1", s.LastBookmark())
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, IsRetryable(&db.ServiceUnavailable{Message: "x"}))
	require.True(t, IsRetryable(&db.SessionExpired{Message: "x"}))
	require.True(t, IsRetryable(&db.ServerError{Code: "Neo.TransientError.Transaction.DeadlockDetected"}))
	require.True(t, IsRetryable(&db.ServerError{Code: "Neo.TransientError.General.DatabaseUnavailable"}))

	// The transient classification lies for client-terminated work.
	require.False(t, IsRetryable(&db.ServerError{Code: "Neo.TransientError.Transaction.Terminated"}))
	require.False(t, IsRetryable(&db.ServerError{Code: "Neo.TransientError.Transaction.LockClientStopped"}))

	require.False(t, IsRetryable(&db.ServerError{Code: "Neo.ClientError.Statement.SyntaxError"}))
	require.False(t, IsRetryable(&db.UsageError{Message: "x"}))
	require.False(t, IsRetryable(nil))
}
