package classification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/envelope"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/storage"
	"pii-sentinel/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// LocalConfig 는 LocalService 설정.
type LocalConfig struct {
	// Bucket 은 이 서비스가 스캔할 수 있는 유일한 버킷. 다른 버킷 요청은 ErrInvalidScope.
	Bucket     string
	Source     string // FindingEvent.source (기본 "pii-scanner")
	DetailType string // FindingEvent.detail-type (기본 "Finding")
}

// LocalService 는 프로세스 내 분류 서비스.
//
// CreateJob 은 레지스트리에 작업을 기록하고 즉시 반환하며,
// 스캔은 별도 goroutine 에서 실행된다. 완료되면 OnComplete 가 호출된다.
type LocalService struct {
	cfg       LocalConfig
	registry  *Registry
	store     storage.Store
	sealer    *envelope.Sealer
	scanner   *Scanner
	publisher Publisher
	metrics   *metrics.Metrics

	mu         sync.RWMutex
	onComplete CompletionFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalService(cfg LocalConfig, reg *Registry, store storage.Store, sealer *envelope.Sealer, pub Publisher, m *metrics.Metrics) *LocalService {
	if cfg.Source == "" {
		cfg.Source = "pii-scanner"
	}
	if cfg.DetailType == "" {
		cfg.DetailType = "Finding"
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalService{
		cfg:       cfg,
		registry:  reg,
		store:     store,
		sealer:    sealer,
		scanner:   NewScanner(nil),
		publisher: pub,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnComplete 는 완료 콜백을 등록한다 (scheduler.Complete 연결용).
func (s *LocalService) OnComplete(fn CompletionFunc) {
	s.mu.Lock()
	s.onComplete = fn
	s.mu.Unlock()
}

// Resume 은 이전 프로세스에서 끝나지 못한 작업을 다시 실행한다.
// 발행은 at-least-once 이므로 같은 finding 이 한 번 더 나갈 수 있다.
func (s *LocalService) Resume(ctx context.Context) error {
	jobs, err := s.registry.Running(ctx)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		log.Info().Str("job_id", j.ID).Str("token", j.Token).Msg("resuming classification job")
		s.start(j)
	}
	return nil
}

func (s *LocalService) CreateJob(ctx context.Context, req JobRequest) (string, error) {
	if req.Token == "" {
		return "", errors.New("classification: empty token")
	}
	if req.Scope.Bucket == "" || req.Scope.Bucket != s.cfg.Bucket {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidScope, req.Scope.Bucket)
	}
	if req.Mode != model.RunInitialBackfill && req.Mode != model.RunScheduledIncremental {
		return "", fmt.Errorf("%w: run mode %q", ErrInvalidScope, req.Mode)
	}

	job, created, err := s.registry.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if created {
		log.Info().Str("job_id", job.ID).Str("token", job.Token).Str("mode", string(job.Mode)).Msg("classification job created")
		s.start(job)
	} else {
		atomic.AddInt64(&s.metrics.ClassifierDuplicateTokensTotal, 1)
		log.Debug().Str("job_id", job.ID).Str("token", job.Token).Msg("classification job already exists for token")
	}
	return job.ID, nil
}

func (s *LocalService) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	j, err := s.registry.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// Close 는 실행 중 스캔을 취소하고 끝날 때까지 기다린다.
// 취소된 작업은 RUNNING 으로 남아 다음 기동 시 Resume 된다.
func (s *LocalService) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait 는 실행 중 스캔이 모두 끝날 때까지 기다린다 (테스트용).
func (s *LocalService) Wait() { s.wg.Wait() }

func (s *LocalService) start(job model.ClassificationJob) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(job)
	}()
}

func (s *LocalService) run(job model.ClassificationJob) {
	ctx := s.ctx
	status := model.JobComplete

	n, err := s.scan(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("job_id", job.ID).Msg("classification job failed")
		status = model.JobFailed
	}

	if err := s.registry.SetStatus(context.Background(), job.ID, status); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("update job status failed")
	}
	log.Info().Str("job_id", job.ID).Str("status", string(status)).Int("findings", n).Msg("classification job finished")

	s.mu.RLock()
	fn := s.onComplete
	s.mu.RUnlock()
	if fn != nil {
		fn(job.ID, status)
	}
}

// scan 은 범위 내 오브젝트를 순서대로 열어 탐지기를 돌리고,
// 탐지 결과가 있는 오브젝트마다 FindingEvent 하나를 발행한다.
func (s *LocalService) scan(ctx context.Context, job model.ClassificationJob) (int, error) {
	infos, err := s.store.List(ctx, job.Scope.Prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", job.Scope.Prefix, err)
	}

	findings := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return findings, err
		}
		if job.Mode == model.RunScheduledIncremental && !job.Since.IsZero() && !writtenAfter(info, job.Since) {
			continue
		}

		res, err := s.scanObject(ctx, info.Key)
		if err != nil {
			atomic.AddInt64(&s.metrics.ClassifierObjectErrorsTotal, 1)
			log.Warn().Err(err).Str("job_id", job.ID).Str("key", info.Key).Msg("object scan failed")
			continue
		}
		atomic.AddInt64(&s.metrics.ClassifierObjectsScannedTotal, 1)
		if res.Total() == 0 {
			continue
		}

		ev := model.FindingEvent{
			ID:          uuid.NewString(),
			Source:      s.cfg.Source,
			DetailType:  s.cfg.DetailType,
			Time:        time.Now().UTC(),
			JobID:       job.ID,
			Severity:    res.Severity().String(),
			FindingType: res.FindingType(),
			Bucket:      job.Scope.Bucket,
			ObjectKey:   info.Key,
			Count:       res.Total(),
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			return findings, fmt.Errorf("publish finding for %s: %w", info.Key, err)
		}
		findings++
		atomic.AddInt64(&s.metrics.ClassifierFindingsTotal, 1)
		log.Info().
			Str("job_id", job.ID).
			Str("key", info.Key).
			Str("severity", ev.Severity).
			Strs("detectors", res.Names()).
			Int("count", ev.Count).
			Msg("sensitive data found")
	}
	return findings, nil
}

func (s *LocalService) scanObject(ctx context.Context, key string) (*Result, error) {
	obj, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	res := newResult()
	err = worker.WalkObject(ctx, s.sealer, obj, func(l worker.Line) error {
		s.scanner.Scan(l.Text(), res)
		return nil
	})
	return res, err
}

// writtenAfter 는 스토어가 오브젝트를 받아들인 시각 기준.
// 키의 flush 시각은 봉인 시점이라 재시도로 늦게 저장된 배치를 놓친다.
func writtenAfter(info model.ObjectInfo, since time.Time) bool {
	return info.CreatedAt.After(since)
}
