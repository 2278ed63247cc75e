package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// CredentialResolver 는 credential 참조를 값으로 바꾼다 (*credentials.Resolver).
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// StatusError 는 2xx 가 아닌 응답.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook responded %d", e.Code) }

// DispatchOptions 는 전송 재시도 정책.
type DispatchOptions struct {
	MaxAttempts int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Dispatcher 는 알림 본문을 목적지로 POST 한다.
//
//   - 시도마다 Timeout
//   - 네트워크 오류 또는 2xx 이외 응답은 재시도 (MaxAttempts 까지, exponential backoff)
//   - Basic 인증 비밀은 전송 시점에 credential 참조에서 읽는다
//   - 목적지별 rate limiter
type Dispatcher struct {
	client   *http.Client
	resolver CredentialResolver
	opts     DispatchOptions
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(client *http.Client, resolver CredentialResolver, opts DispatchOptions, m *metrics.Metrics) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 8 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		client:   client,
		resolver: resolver,
		opts:     opts,
		metrics:  m,
		sleep:    sleepCtx,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send 는 body 를 dest 로 전송한다. 반환값 attempts 는 실제 시도 횟수.
func (d *Dispatcher) Send(ctx context.Context, dest model.Destination, body []byte) (attempts int, err error) {
	backoff := d.opts.BackoffBase

	for attempts = 1; attempts <= d.opts.MaxAttempts; attempts++ {
		if lim := d.limiter(dest); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return attempts - 1, err
			}
		}

		atomic.AddInt64(&d.metrics.RouterDispatchAttemptsTotal, 1)
		err = d.sendOnce(ctx, dest, body)
		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}

		log.Warn().Err(err).Str("destination", dest.Name).Int("attempt", attempts).Msg("webhook dispatch failed")
		if attempts == d.opts.MaxAttempts {
			break
		}
		if serr := d.sleep(ctx, backoff); serr != nil {
			return attempts, serr
		}
		if backoff *= 2; backoff > d.opts.BackoffMax {
			backoff = d.opts.BackoffMax
		}
	}
	return d.opts.MaxAttempts, err
}

func (d *Dispatcher) sendOnce(ctx context.Context, dest model.Destination, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if dest.Auth == model.AuthBasic {
		secret, err := d.resolver.Resolve(ctx, dest.CredentialRef)
		if err != nil {
			return fmt.Errorf("resolve credential for %s: %w", dest.Name, err)
		}
		req.SetBasicAuth(dest.Username, secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (d *Dispatcher) limiter(dest model.Destination) *rate.Limiter {
	if dest.RatePerSecond <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	lim, ok := d.limiters[dest.Name]
	if !ok {
		burst := int(dest.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(dest.RatePerSecond), burst)
		d.limiters[dest.Name] = lim
	}
	return lim
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
