package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"pii-sentinel/internal/model"

	"github.com/rs/zerolog/log"
)

// ErrBusClosed 는 Close 이후 Publish.
var ErrBusClosed = errors.New("events: bus closed")

// Handler 는 이벤트 하나를 처리한다. 오류를 반환하면 다시 전달된다.
type Handler func(ctx context.Context, ev model.FindingEvent) error

// BusOptions 는 Bus 설정.
type BusOptions struct {
	Capacity    int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Bus 는 프로세스 내 이벤트 스트림 (at-least-once).
//
// 문서는 EventBridge 형식으로 인코딩된 채 큐에 들어가고, 전달 시 디코딩된다.
// 핸들러가 오류를 반환하면 MaxAttempts 까지 다시 전달한다.
type Bus struct {
	opts BusOptions
	ch   chan []byte

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

func NewBus(opts BusOptions) *Bus {
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Bus{opts: opts, ch: make(chan []byte, opts.Capacity)}
}

// Publish 는 이벤트를 큐에 넣는다. 큐가 가득 차면 ctx 가 끝날 때까지 기다린다.
func (b *Bus) Publish(ctx context.Context, ev model.FindingEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 은 큐를 비울 때까지 handler 로 전달한다. Close 후 남은 이벤트까지 전달하고 반환한다.
func (b *Bus) Run(ctx context.Context, handler Handler) {
	b.wg.Add(1)
	defer b.wg.Done()

	for data := range b.ch {
		ev, err := Decode(data)
		if err != nil {
			log.Error().Err(err).Msg("dropping undecodable event")
			continue
		}
		b.deliver(ctx, handler, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, handler Handler, ev model.FindingEvent) {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, ev)
		if err == nil {
			return
		}
		if attempt >= b.opts.MaxAttempts {
			log.Error().Err(err).Str("event_id", ev.ID).Int("attempts", attempt).Msg("event handler failed; giving up")
			return
		}
		log.Warn().Err(err).Str("event_id", ev.ID).Int("attempt", attempt).Msg("event handler failed; redelivering")

		t := time.NewTimer(b.opts.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// Close 는 새 Publish 를 막고, Run 이 남은 이벤트를 전달하고 끝날 때까지 기다린다.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	b.mu.Unlock()

	b.wg.Wait()
}
