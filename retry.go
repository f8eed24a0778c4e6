package arcgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/arcgraph/arcgraph-go/db"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// TransactionWork is a unit of work executed inside a managed transaction.
// It must be idempotent: retryable failures re-execute it against another
// member after the previous attempt rolled back.
type TransactionWork func(tx *Transaction) (any, error)

// ReadTransaction executes |work| in a READ transaction with retries.
func (s *Session) ReadTransaction(ctx context.Context, work TransactionWork) (any, error) {
	return s.retry(ctx, db.ReadMode, work)
}

// WriteTransaction executes |work| in a WRITE transaction with retries.
func (s *Session) WriteTransaction(ctx context.Context, work TransactionWork) (any, error) {
	return s.retry(ctx, db.WriteMode, work)
}

// retry re-executes |work| under an exponential backoff budget. A fatal
// error from the first attempt is rethrown unchanged; once the budget is
// spent, the last retryable error carries all prior ones attached.
//
// Backoff sleeps happen on the calling goroutine, never on a connection's
// reader goroutine, and a cancelled context ends the loop at the next
// attempt boundary.
func (s *Session) retry(ctx context.Context, mode db.AccessMode, work TransactionWork) (any, error) {
	var (
		start      = s.now()
		delay      = s.config.InitialRetryDelay
		suppressed []error
	)

	for {
		var result, err = s.attempt(ctx, mode, work)
		if err == nil {
			return result, nil
		}
		if !db.IsRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		if elapsed := s.now().Sub(start); elapsed >= s.config.MaxTransactionRetryTime {
			return nil, fmt.Errorf("transaction retries exhausted after %s: %w",
				elapsed.Truncate(time.Millisecond), multierr.Append(err, multierr.Combine(suppressed...)))
		}
		suppressed = append(suppressed, err)

		// Jitter spreads simultaneous retries of many sessions apart.
		var factor = 1 + s.config.RetryDelayJitter*(2*s.randFloat()-1)
		var sleepFor = time.Duration(float64(delay) * factor)
		log.WithFields(log.Fields{
			"mode":  mode.String(),
			"delay": sleepFor.String(),
			"error": err,
		}).Warn("retryable transaction failed, backing off")
		s.sleep(sleepFor)

		delay = time.Duration(float64(delay) * s.config.RetryDelayMultiplier)
		if delay > s.config.MaxRetryDelay {
			delay = s.config.MaxRetryDelay
		}
	}
}

func (s *Session) attempt(ctx context.Context, mode db.AccessMode, work TransactionWork) (any, error) {
	s.mu.Lock()
	var tx, err = s.beginTxLocked(ctx, mode)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err := work(tx)
	if err != nil {
		// Roll back best-effort; the work's error is the one that matters.
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.WithField("error", rbErr).Debug("rollback after failed transaction work")
		}
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
