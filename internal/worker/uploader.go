package worker

import (
	"context"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/storage"

	"github.com/rs/zerolog/log"
)

// Uploader 는 Store.Put 에 시도당 timeout 과 재시도(exponential backoff)를 입힌다.
//
//   - 각 시도는 PutTimeout 으로 제한
//   - 실패 시 backoff 를 두 배씩 늘리고 BackoffMax 로 제한
//   - shutdown-safe: ctx.Done() 이면 즉시 중단
//
// timeout 초과도 일시 장애로 보고 같은 재시도 정책을 적용한다.
type Uploader struct {
	store       storage.Store
	metrics     *metrics.Metrics
	maxAttempts int
	putTimeout  time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewUploader(store storage.Store, m *metrics.Metrics, cfg SinkConfig) *Uploader {
	cfg.setDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Uploader{
		store:       store,
		metrics:     m,
		maxAttempts: cfg.MaxAttempts,
		putTimeout:  cfg.PutTimeout,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
		sleep:       sleepCtx,
	}
}

// PutWithRetry 는 같은 오브젝트(같은 키, 같은 바이트)를 최대 maxAttempts 번 기록 시도한다.
func (u *Uploader) PutWithRetry(ctx context.Context, obj model.StorageObject) error {
	var lastErr error
	backoff := u.backoffBase

	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := u.putOnce(ctx, obj); err == nil {
			return nil
		} else {
			lastErr = err
			atomic.AddInt64(&u.metrics.SinkPutErrorsTotal, 1)
			log.Warn().Err(err).Str("key", obj.Key).Int("attempt", attempt).Msg("storage put failed")
		}

		if attempt == u.maxAttempts {
			break
		}
		if err := u.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > u.backoffMax {
			backoff = u.backoffMax
		}
	}
	return lastErr
}

func (u *Uploader) putOnce(ctx context.Context, obj model.StorageObject) error {
	if u.putTimeout <= 0 {
		return u.store.Put(ctx, obj)
	}
	ctx2, cancel := context.WithTimeout(ctx, u.putTimeout)
	defer cancel()
	return u.store.Put(ctx2, obj)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
