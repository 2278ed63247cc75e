// Package scheduler 는 분류 작업을 고정 주기로 제출하는 Classification Scheduler 다.
//
// 한 slot 은 한 번에 하나의 작업만 가진다.
//
//	Idle ──tick──▶ Requesting ──CreateJob 성공──▶ Submitted ──완료──▶ Idle
//	                    └──재시도 소진──▶ Idle
//
// Submitted 상태에서 다시 tick 이 오면 overlap 정책을 적용한다.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/classification"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	"github.com/rs/zerolog/log"
)

// ErrSubmitExhausted 는 제출 재시도 예산이 소진되었을 때.
var ErrSubmitExhausted = errors.New("scheduler: submission retries exhausted")

// OverlapPolicy 는 이전 작업이 끝나기 전에 tick 이 왔을 때의 동작.
type OverlapPolicy string

const (
	// OverlapSkip: 이번 tick 을 버린다 (기본값).
	OverlapSkip OverlapPolicy = "skip"
	// OverlapQueue: 완료 후 한 번 실행한다. 여러 tick 은 하나로 합친다.
	OverlapQueue OverlapPolicy = "queue"
)

// Config 는 slot 하나의 스케줄 설정.
type Config struct {
	Slot       string
	JobName    string
	Cadence    time.Duration
	Scope      model.Scope
	InitialRun bool
	Overlap    OverlapPolicy

	SubmitRetries int
	SubmitTimeout time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Scheduler 는 tick 처리기. Tick 과 Complete 는 직렬화된다.
type Scheduler struct {
	cfg     Config
	svc     classification.Service
	store   SlotStore
	lock    TickLock
	metrics *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
}

func New(cfg Config, svc classification.Service, store SlotStore, lock TickLock, m *metrics.Metrics) (*Scheduler, error) {
	if cfg.Cadence <= 0 {
		return nil, fmt.Errorf("scheduler: cadence must be positive, got %s", cfg.Cadence)
	}
	if cfg.Slot == "" {
		return nil, errors.New("scheduler: empty slot name")
	}
	switch cfg.Overlap {
	case "":
		cfg.Overlap = OverlapSkip
	case OverlapSkip, OverlapQueue:
	default:
		return nil, fmt.Errorf("scheduler: unknown overlap policy %q", cfg.Overlap)
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if lock == nil {
		lock = NoopLock{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Scheduler{
		cfg:     cfg,
		svc:     svc,
		store:   store,
		lock:    lock,
		metrics: m,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Run 은 활성화 즉시 한 번, 이후 Cadence 마다 Tick 한다.
// ErrInvalidScope 는 치명적 오류로 반환하고, 그 외 오류는 기록만 한다.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Str("slot", s.cfg.Slot).Dur("cadence", s.cfg.Cadence).Bool("initial_run", s.cfg.InitialRun).
		Str("overlap", string(s.cfg.Overlap)).Msg("scheduler started")

	if err := s.tickAndReport(ctx, s.now()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("slot", s.cfg.Slot).Msg("scheduler stopped")
			return nil
		case t := <-ticker.C:
			if err := s.tickAndReport(ctx, t); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) tickAndReport(ctx context.Context, now time.Time) error {
	err := s.Tick(ctx, now)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, classification.ErrInvalidScope):
		return err
	case ctx.Err() != nil:
		return nil
	default:
		log.Error().Err(err).Str("slot", s.cfg.Slot).Msg("scheduled tick failed")
		return nil
	}
}

// Tick 은 시각 now 의 tick 하나를 처리한다.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	atomic.AddInt64(&s.metrics.SchedulerTicksTotal, 1)

	slot, err := s.store.Load(ctx, s.cfg.Slot)
	if err != nil {
		return err
	}
	if slot.ActivatedAt.IsZero() {
		slot.ActivatedAt = now.UTC()
	}

	// 제출 도중 프로세스가 죽었다면 같은 토큰으로 마저 제출한다.
	if slot.State == StateRequesting {
		log.Warn().Str("slot", slot.Name).Str("token", slot.Token).Msg("resuming interrupted submission")
		if slot, err = s.submitLocked(ctx, slot, now); err != nil {
			return err
		}
	}

	if slot.State == StateSubmitted {
		st, err := s.svc.JobStatus(ctx, slot.JobID)
		switch {
		case err == nil && st.Terminal():
			log.Info().Str("slot", slot.Name).Str("job_id", slot.JobID).Str("status", string(st)).Msg("previous job finished")
			slot.State = StateIdle
			slot.Deferred = false
		case errors.Is(err, classification.ErrUnknownJob):
			// 서비스가 잊은 작업은 다시 끝나지 않는다. 슬롯을 비우고 이번 tick 을 제출한다.
			log.Warn().Err(err).Str("slot", slot.Name).Str("job_id", slot.JobID).Msg("previous job unknown to service, releasing slot")
			slot.State = StateIdle
			slot.Deferred = false
		default:
			if err != nil {
				log.Warn().Err(err).Str("job_id", slot.JobID).Msg("job status poll failed")
			}
			return s.overlapLocked(ctx, slot, now)
		}
	}

	token := TokenFor(now, s.cfg.Cadence)
	ok, err := s.lock.Acquire(ctx, s.cfg.Slot+":"+token, s.cfg.Cadence)
	if err != nil {
		// 토큰이 멱등이므로 잠금 장애 시에도 제출은 진행한다.
		log.Warn().Err(err).Str("token", token).Msg("tick lock unavailable")
	} else if !ok {
		log.Info().Str("slot", slot.Name).Str("token", token).Msg("tick owned by another replica")
		return s.store.Save(ctx, slot)
	}

	slot.State = StateRequesting
	slot.Token = token
	slot.Mode = s.modeFor(slot)
	if err := s.store.Save(ctx, slot); err != nil {
		return err
	}

	_, err = s.submitLocked(ctx, slot, now)
	return err
}

// Complete 는 작업 완료 통지. 현재 slot 의 작업이 아니면 무시한다.
// 미뤄둔 tick 이 있으면 바로 제출한다.
func (s *Scheduler) Complete(ctx context.Context, jobID string, status model.JobStatus) error {
	if !status.Terminal() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot, err := s.store.Load(ctx, s.cfg.Slot)
	if err != nil {
		return err
	}
	if slot.State != StateSubmitted || slot.JobID != jobID {
		log.Debug().Str("job_id", jobID).Str("current", slot.JobID).Msg("stale completion ignored")
		return nil
	}

	log.Info().Str("slot", slot.Name).Str("job_id", jobID).Str("status", string(status)).Msg("classification job completed")
	slot.State = StateIdle

	if !slot.Deferred {
		return s.store.Save(ctx, slot)
	}

	at := slot.DeferredAt
	slot.Deferred = false
	slot.State = StateRequesting
	slot.Token = TokenFor(at, s.cfg.Cadence)
	slot.Mode = s.modeFor(slot)
	if err := s.store.Save(ctx, slot); err != nil {
		return err
	}
	log.Info().Str("slot", slot.Name).Str("token", slot.Token).Msg("running deferred tick")
	_, err = s.submitLocked(ctx, slot, at)
	return err
}

// Slot 은 현재 slot 상태 (운영/테스트용).
func (s *Scheduler) Slot(ctx context.Context) (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Load(ctx, s.cfg.Slot)
}

func (s *Scheduler) modeFor(slot Slot) model.RunMode {
	if s.cfg.InitialRun && !slot.BackfillDone {
		return model.RunInitialBackfill
	}
	return model.RunScheduledIncremental
}

func (s *Scheduler) overlapLocked(ctx context.Context, slot Slot, now time.Time) error {
	switch s.cfg.Overlap {
	case OverlapQueue:
		if !slot.Deferred {
			slot.Deferred = true
			slot.DeferredAt = now.UTC()
		}
		atomic.AddInt64(&s.metrics.SchedulerOverlapQueuedTotal, 1)
		log.Info().Str("slot", slot.Name).Str("job_id", slot.JobID).Msg("previous job still running; tick queued")
	default:
		atomic.AddInt64(&s.metrics.SchedulerOverlapSkippedTotal, 1)
		log.Info().Str("slot", slot.Name).Str("job_id", slot.JobID).Msg("previous job still running; tick skipped")
	}
	return s.store.Save(ctx, slot)
}

// submitLocked 는 slot.Token 으로 작업을 제출한다. 재시도는 항상 같은 토큰을 쓴다.
func (s *Scheduler) submitLocked(ctx context.Context, slot Slot, at time.Time) (Slot, error) {
	req := classification.JobRequest{
		Token:    slot.Token,
		Name:     s.cfg.JobName,
		Scope:    s.cfg.Scope,
		Schedule: s.cfg.Cadence,
		Mode:     slot.Mode,
	}
	if slot.Mode == model.RunScheduledIncremental {
		req.Since = slot.LastSubmitted
		if req.Since.IsZero() {
			req.Since = slot.ActivatedAt
		}
	}

	var lastErr error
	backoff := s.cfg.BackoffBase

	for attempt := 1; attempt <= s.cfg.SubmitRetries; attempt++ {
		jobID, err := s.createOnce(ctx, req)
		if err == nil {
			slot.State = StateSubmitted
			slot.JobID = jobID
			slot.LastSubmitted = at.UTC()
			if slot.Mode == model.RunInitialBackfill {
				slot.BackfillDone = true
			}
			atomic.AddInt64(&s.metrics.SchedulerJobsSubmittedTotal, 1)
			log.Info().Str("slot", slot.Name).Str("token", slot.Token).Str("job_id", jobID).
				Str("mode", string(slot.Mode)).Msg("classification job submitted")
			return slot, s.store.Save(ctx, slot)
		}

		if errors.Is(err, classification.ErrInvalidScope) {
			atomic.AddInt64(&s.metrics.SchedulerSubmitFailuresTotal, 1)
			slot.State = StateIdle
			_ = s.store.Save(ctx, slot)
			log.Error().Err(err).Str("slot", slot.Name).Str("bucket", req.Scope.Bucket).Msg("classification scope rejected")
			return slot, err
		}

		lastErr = err
		log.Warn().Err(err).Str("token", slot.Token).Int("attempt", attempt).Msg("job submission failed")
		if attempt == s.cfg.SubmitRetries {
			break
		}
		atomic.AddInt64(&s.metrics.SchedulerSubmitRetriesTotal, 1)
		if err := s.sleep(ctx, backoff); err != nil {
			return slot, err
		}
		if backoff *= 2; backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}

	atomic.AddInt64(&s.metrics.SchedulerSubmitFailuresTotal, 1)
	slot.State = StateIdle
	if err := s.store.Save(ctx, slot); err != nil {
		return slot, err
	}
	return slot, fmt.Errorf("%w: token %s: %v", ErrSubmitExhausted, slot.Token, lastErr)
}

func (s *Scheduler) createOnce(ctx context.Context, req classification.JobRequest) (string, error) {
	if s.cfg.SubmitTimeout <= 0 {
		return s.svc.CreateJob(ctx, req)
	}
	ctx2, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	return s.svc.CreateJob(ctx2, req)
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
