package fee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key templates
const (
	RetryQueueKeyFmt = "fee:retry:%s" // %s = CAIP-2 network
	DLQKeyFmt        = "fee:dlq:%s"
)

// Job is one pending fee collection.
type Job struct {
	ID         string `json:"id"`
	Merchant   string `json:"merchant"`
	Network    string `json:"network"`
	Amount     string `json:"amount"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func newJob(merchant, network string, amount *big.Int, lastErr string) Job {
	return Job{
		ID:         uuid.NewString(),
		Merchant:   merchant,
		Network:    network,
		Amount:     amount.String(),
		Attempts:   1,
		LastError:  lastErr,
		EnqueuedAt: time.Now().Unix(),
	}
}

func (m *Module) enqueue(ctx context.Context, j Job) error {
	if m.rdb == nil || m.maxAttempts <= 0 {
		return nil
	}
	if j.Attempts >= m.maxAttempts {
		return m.deadLetter(ctx, j)
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return m.rdb.RPush(ctx, fmt.Sprintf(RetryQueueKeyFmt, j.Network), raw).Err()
}

func (m *Module) deadLetter(ctx context.Context, j Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return err
	}
	m.log.Error("fee: retries exhausted, moved to DLQ",
		zap.String("job", j.ID),
		zap.String("network", j.Network),
		zap.String("merchant", j.Merchant),
		zap.Int("attempts", j.Attempts),
		zap.String("last_error", j.LastError),
	)
	return m.rdb.RPush(ctx, fmt.Sprintf(DLQKeyFmt, j.Network), raw).Err()
}

// RunRetryWorker drains the retry queues of the given networks until ctx is
// done: BLPOP → collect → re-queue or dead-letter.
func (m *Module) RunRetryWorker(ctx context.Context, networks []string) {
	if m.rdb == nil || m.maxAttempts <= 0 || len(networks) == 0 {
		return
	}
	keys := make([]string, len(networks))
	for i, n := range networks {
		keys[i] = fmt.Sprintf(RetryQueueKeyFmt, n)
	}

	m.log.Info("fee retry worker started", zap.Strings("queues", keys))

	for {
		if ctx.Err() != nil {
			m.log.Info("fee retry worker stopped")
			return
		}

		// BLPOP blocks until an item appears or timeout
		results, err := m.rdb.BLPop(ctx, m.retryInterval, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.log.Error("fee retry: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		if !m.processJob(ctx, results[1]) {
			sleep(ctx, m.retryInterval)
		}
	}
}

// processJob attempts one queued collection and reports whether it succeeded.
func (m *Module) processJob(ctx context.Context, raw string) bool {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		m.log.Error("fee retry: unmarshal job", zap.String("raw", raw), zap.Error(err))
		return true
	}
	amount, ok := new(big.Int).SetString(j.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		m.log.Error("fee retry: bad amount", zap.String("job", j.ID), zap.String("amount", j.Amount))
		_ = m.deadLetter(ctx, j)
		return true
	}

	res := m.collect(ctx, j.Merchant, j.Network, amount)
	if res.Collected {
		m.log.Info("fee retry succeeded",
			zap.String("job", j.ID),
			zap.String("tx", res.TxHash),
			zap.Int("attempts", j.Attempts+1),
		)
		return true
	}

	j.Attempts++
	j.LastError = res.Error
	if err := m.enqueue(ctx, j); err != nil {
		m.log.Error("fee retry: re-queue", zap.String("job", j.ID), zap.Error(err))
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// DeadLetters returns up to limit jobs from the DLQ of network, oldest first.
func (m *Module) DeadLetters(ctx context.Context, network string, limit int64) ([]Job, error) {
	if m.rdb == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	raws, err := m.rdb.LRange(ctx, fmt.Sprintf(DLQKeyFmt, network), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			m.log.Warn("fee: skipping malformed DLQ entry", zap.String("network", network), zap.Error(err))
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
