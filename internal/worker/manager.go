// Package worker 는 Log Buffer 의 레코드를 배치로 묶어 스토리지에 기록하는 Batch Delivery Sink 다.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/envelope"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/storage"

	"github.com/rs/zerolog/log"
)

// Source 는 Sink 가 소비하는 버퍼. *buffer.Buffer 가 구현한다.
type Source interface {
	Read(ctx context.Context, after int64, max int) ([]buffer.Entry, error)
	Commit(ctx context.Context, seq int64) error
	Offset() int64
}

// SinkConfig 는 배치/재시도 파라미터.
type SinkConfig struct {
	Prefix        string
	BatchMaxBytes int
	FlushInterval time.Duration

	PutTimeout  time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	ReadBatch int
}

func (c *SinkConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "fn-logs"
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 100 * 1024 * 1024
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Second
	}
	if c.ReadBatch <= 0 {
		c.ReadBatch = 256
	}
}

// sealedBatch 는 키가 확정된 배치. 재시도는 항상 같은 키/같은 바이트로 한다.
type sealedBatch struct {
	key   string
	plain []byte
	obj   *model.StorageObject // 암호화 성공 후 채워짐
	model.Batch
}

// Sink 는 파이프라인:
//
//	readLoop    : Buffer.Read → entryCh
//	collectLoop : entryCh → 배치 인코딩, 크기 임계치 또는 FlushInterval 에 봉인 → uploadCh
//	uploadLoop  : 암호화 + Put(재시도) → 성공 시 Buffer.Commit
//
// uploadLoop 가 보류(held) 배치를 재시도하는 동안 collectLoop 는 uploadCh 에서 막히고,
// readLoop 도 멈추므로 버퍼가 차서 Append 쪽으로 backpressure 가 전달된다.
// consumed offset 은 스토리지 기록이 성공한 배치의 마지막 seq 까지만 전진한다.
type Sink struct {
	cfg      SinkConfig
	src      Source
	sealer   *envelope.Sealer
	uploader *Uploader
	keys     *KeyGen
	metrics  *metrics.Metrics

	// 테스트에서 시간 흐름을 제어하기 위한 주입 지점
	now        func() time.Time
	flushAfter func(time.Duration) <-chan time.Time
	retryAfter func(time.Duration) <-chan time.Time

	// OnFlush 는 배치가 기록되고 commit 된 뒤 호출된다 (optional).
	OnFlush func(model.StorageObject)

	entryCh  chan buffer.Entry
	uploadCh chan *sealedBatch

	readCtx    context.Context
	stopRead   context.CancelFunc
	uploadCtx  context.Context
	stopUpload context.CancelFunc

	pending int64 // 열린 배치의 레코드 수
	readPos int64 // collectLoop 로 넘긴 마지막 seq
	held    int32

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink 는 Sink 를 구성한다. Start 전까지 goroutine 은 없다.
func NewSink(cfg SinkConfig, src Source, store storage.Store, sealer *envelope.Sealer, m *metrics.Metrics) *Sink {
	cfg.setDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Sink{
		cfg:        cfg,
		src:        src,
		sealer:     sealer,
		uploader:   NewUploader(store, m, cfg),
		keys:       NewKeyGen(cfg.Prefix),
		metrics:    m,
		now:        time.Now,
		flushAfter: time.After,
		retryAfter: time.After,
		entryCh:    make(chan buffer.Entry, cfg.ReadBatch),
		uploadCh:   make(chan *sealedBatch),
	}
}

// Keys 는 이 Sink 의 키 생성기 (분류 범위 prefix 계산용).
func (s *Sink) Keys() *KeyGen { return s.keys }

// Pending 은 아직 봉인되지 않은 열린 배치의 레코드 수.
func (s *Sink) Pending() int { return int(atomic.LoadInt64(&s.pending)) }

// ReadOffset 은 버퍼에서 읽어 배치 쪽으로 넘긴 마지막 seq.
func (s *Sink) ReadOffset() int64 { return atomic.LoadInt64(&s.readPos) }

// Held 는 재시도 예산을 소진해 보류 중인 배치가 있는지.
func (s *Sink) Held() bool { return atomic.LoadInt32(&s.held) == 1 }

// Start 는 세 goroutine 을 실행한다.
func (s *Sink) Start() {
	s.readCtx, s.stopRead = context.WithCancel(context.Background())
	s.uploadCtx, s.stopUpload = context.WithCancel(context.Background())

	s.wg.Add(3)
	go s.readLoop()
	go s.collectLoop()
	go s.uploadLoop()
}

// Shutdown 은 읽기를 멈추고 열린 배치를 마지막으로 flush 한다.
// ctx 가 먼저 끝나면 진행 중 업로드를 중단한다. 기록되지 못한 레코드는
// consumed offset 이 전진하지 않았으므로 다음 기동 시 다시 읽힌다.
func (s *Sink) Shutdown(ctx context.Context) error {
	if s.stopRead == nil {
		// Start 전이면 멈출 goroutine 이 없다.
		return nil
	}
	s.stopOnce.Do(func() { s.stopRead() })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopUpload()
		return nil
	case <-ctx.Done():
		s.stopUpload()
		<-done
		return ctx.Err()
	}
}

// readLoop 는 consumed offset 이후 레코드를 순서대로 entryCh 로 보낸다.
func (s *Sink) readLoop() {
	defer s.wg.Done()
	defer close(s.entryCh)

	pos := s.src.Offset()
	atomic.StoreInt64(&s.readPos, pos)
	for {
		entries, err := s.src.Read(s.readCtx, pos, s.cfg.ReadBatch)
		if err != nil {
			if s.readCtx.Err() != nil || errors.Is(err, buffer.ErrClosed) {
				return
			}
			log.Error().Err(err).Int64("after", pos).Msg("buffer read failed")
			if sleepCtx(s.readCtx, s.cfg.BackoffMax) != nil {
				return
			}
			continue
		}

		for _, e := range entries {
			select {
			case s.entryCh <- e:
				pos = e.Seq
				atomic.StoreInt64(&s.readPos, pos)
			case <-s.readCtx.Done():
				return
			}
		}
	}
}

// collectLoop 는 entryCh 의 레코드를 열린 배치에 인코딩한다.
// 첫 레코드가 들어올 때 FlushInterval 타이머가 시작되고,
// 압축 크기가 BatchMaxBytes 에 도달하거나 타이머가 만료되면 봉인한다.
func (s *Sink) collectLoop() {
	defer s.wg.Done()
	defer close(s.uploadCh)

	var (
		enc   *batchEncoder
		timer <-chan time.Time
	)

	flush := func() bool {
		if enc == nil {
			return true
		}
		b, err := s.seal(enc)
		enc, timer = nil, nil
		atomic.StoreInt64(&s.pending, 0)
		if err != nil {
			// gzip 종료 실패는 메모리 버퍼 위에서는 일어나지 않는다.
			log.Error().Err(err).Msg("batch encode failed")
			return true
		}

		select {
		case s.uploadCh <- b:
			return true
		case <-s.uploadCtx.Done():
			return false
		}
	}

	for {
		select {
		case e, ok := <-s.entryCh:
			if !ok {
				flush()
				return
			}
			if enc == nil {
				enc = newBatchEncoder(s.now())
				timer = s.flushAfter(s.cfg.FlushInterval)
			}
			if err := enc.Add(e); err != nil {
				log.Error().Err(err).Int64("seq", e.Seq).Msg("record encode failed")
				continue
			}
			atomic.AddInt64(&s.pending, 1)

			if enc.Size() >= s.cfg.BatchMaxBytes {
				if !flush() {
					return
				}
			}

		case <-timer:
			if !flush() {
				return
			}
		}
	}
}

// seal 은 열린 배치를 닫고 오브젝트 키를 확정한다.
func (s *Sink) seal(enc *batchEncoder) (*sealedBatch, error) {
	plain, err := enc.Close()
	if err != nil {
		return nil, err
	}
	return &sealedBatch{
		key:   s.keys.Next(s.now()),
		plain: plain,
		Batch: model.Batch{
			Count:    enc.records,
			FirstSeq: enc.firstSeq,
			LastSeq:  enc.lastSeq,
			OpenedAt: enc.opened,
		},
	}, nil
}

// uploadLoop 는 봉인된 배치를 순서대로 기록한다.
// 한 배치가 끝나기 전에는 다음 배치를 받지 않으므로 flush 순서 = 기록 순서다.
func (s *Sink) uploadLoop() {
	defer s.wg.Done()

	for b := range s.uploadCh {
		s.deliver(b)
	}
	log.Info().Msg("sink uploader exiting")
}

// deliver 는 배치가 기록될 때까지 반복한다.
// 재시도 예산이 소진되면 배치를 보류하고 다음 trigger(FlushInterval)에 같은 키로 다시 시도한다.
func (s *Sink) deliver(b *sealedBatch) {
	for {
		err := s.deliverOnce(b)
		if err == nil {
			atomic.StoreInt32(&s.held, 0)
			return
		}
		if s.uploadCtx.Err() != nil {
			log.Warn().Str("key", b.key).Int("records", b.Count).
				Msg("shutdown with unstored batch; records stay in buffer")
			return
		}

		atomic.StoreInt32(&s.held, 1)
		atomic.AddInt64(&s.metrics.SinkHeldBatchesTotal, 1)
		log.Error().Err(err).
			Str("key", b.key).
			Int("records", b.Count).
			Int64("first_seq", b.FirstSeq).
			Int64("last_seq", b.LastSeq).
			Msg("batch flush exhausted retries; holding batch")

		select {
		case <-s.retryAfter(s.cfg.FlushInterval):
		case <-s.uploadCtx.Done():
			log.Warn().Str("key", b.key).Msg("shutdown with held batch; records stay in buffer")
			return
		}
	}
}

func (s *Sink) deliverOnce(b *sealedBatch) error {
	ctx := s.uploadCtx

	if b.obj == nil {
		sealed, err := s.sealer.Seal(ctx, b.plain)
		if err != nil {
			return fmt.Errorf("seal %s: %w", b.key, err)
		}
		b.obj = &model.StorageObject{
			Key:      b.key,
			Body:     sealed.Ciphertext,
			Metadata: sealed.Metadata(),
			Records:  b.Count,
		}
		b.obj.Metadata[model.MetaEncoding] = "jsonl+gzip"
	}

	if err := s.uploader.PutWithRetry(ctx, *b.obj); err != nil {
		return err
	}

	atomic.AddInt64(&s.metrics.SinkFlushesTotal, 1)
	atomic.AddInt64(&s.metrics.SinkRecordsStoredTotal, int64(b.Count))

	// 기록은 끝났으므로 commit 실패는 재기록이 아니라 commit 재시도로 처리한다.
	backoff := s.cfg.BackoffBase
	for {
		err := s.src.Commit(ctx, b.LastSeq)
		if err == nil {
			break
		}
		log.Error().Err(err).Int64("seq", b.LastSeq).Msg("buffer commit failed")
		if sleepCtx(ctx, backoff) != nil {
			return nil
		}
		if backoff *= 2; backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}

	log.Debug().Str("key", b.key).Int("records", b.Count).Int("bytes", len(b.obj.Body)).Msg("batch stored")
	if s.OnFlush != nil {
		s.OnFlush(*b.obj)
	}
	b.plain = nil
	return nil
}
