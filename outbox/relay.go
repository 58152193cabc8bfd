package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// RunResult summarises one relay pass.
type RunResult struct {
	Processed int
	Retried   int
	Dead      int
}

// Relay moves pending outbox rows to a Publisher. Delivery is at least once:
// a crash between Publish and commit republishes the batch.
type Relay struct {
	pool        TxBeginner
	store       Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	interval    time.Duration
	backoff     time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher) *Relay {
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   50,
		maxAttempts: 5,
		interval:    2 * time.Second,
		backoff:     5 * time.Second,
		maxBackoff:  5 * time.Minute,
		now:         time.Now,
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// WithBackoff sets the retry delay after the first failed delivery. Each
// further failure doubles it, up to ceiling.
func (r *Relay) WithBackoff(base, ceiling time.Duration) *Relay {
	if base > 0 {
		r.backoff = base
	}
	if ceiling >= r.backoff {
		r.maxBackoff = ceiling
	}
	return r
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// RunOnce claims one batch and publishes it.
func (r *Relay) RunOnce(ctx context.Context) (RunResult, error) {
	var res RunResult

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now().UTC()
	msgs, err := r.store.ClaimPending(ctx, tx, r.batchSize, now)
	if err != nil {
		return res, err
	}
	if len(msgs) == 0 {
		return res, nil
	}

	for _, m := range msgs {
		pubErr := r.publisher.Publish(ctx, m)
		if pubErr == nil {
			if err := r.store.MarkProcessed(ctx, tx, m.ID, r.now().UTC()); err != nil {
				return RunResult{}, err
			}
			res.Processed++
			continue
		}
		if errors.Is(pubErr, context.Canceled) || errors.Is(pubErr, context.DeadlineExceeded) {
			return RunResult{}, pubErr
		}

		dead := m.Attempts+1 >= r.maxAttempts
		retryAt := now.Add(r.retryDelay(m.Attempts + 1))
		if err := r.store.MarkFailed(ctx, tx, m.ID, pubErr.Error(), dead, retryAt); err != nil {
			return RunResult{}, err
		}
		if dead {
			res.Dead++
			log.Printf("outbox: message=%s topic=%s dead after %d attempts: %v", m.ID, m.Topic, m.Attempts+1, pubErr)
		} else {
			res.Retried++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RunResult{}, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return res, nil
}

// retryDelay is the wait after the given number of failed attempts.
func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.backoff
	for i := 1; i < attempts && d < r.maxBackoff; i++ {
		d *= 2
	}
	return min(d, r.maxBackoff)
}

// Run polls until ctx is cancelled. A batch delivered in full is followed
// immediately by another pass; failures wait for the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		res, err := r.RunOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Printf("outbox: relay pass failed: %v", err)
		case res.Processed == r.batchSize:
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
