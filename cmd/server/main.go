package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/classification"
	"pii-sentinel/internal/config"
	"pii-sentinel/internal/credentials"
	"pii-sentinel/internal/envelope"
	"pii-sentinel/internal/events"
	"pii-sentinel/internal/logger"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/router"
	"pii-sentinel/internal/scheduler"
	"pii-sentinel/internal/server"
	"pii-sentinel/internal/storage"
	"pii-sentinel/internal/worker"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/macie2"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"
)

// publisher 는 finding 이벤트를 내보내는 쪽 (Bus 또는 SQS).
type publisher interface {
	Publish(ctx context.Context, ev model.FindingEvent) error
}

func main() {

	// ====================================================================
	// CPU 설정 (Fargate vCPU 특성 대응)
	// ====================================================================
	// Fargate 는 vCPU 단위로 CPU share 가 제한되므로 GOMAXPROCS 를 vCPU 수에 맞춘다.
	// Task Definition 환경변수 GOMAXPROCS 로 재정의 가능.
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	// 필수 env 누락 시 부분 기동하지 않고 즉시 종료한다.
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg)
	m := metrics.New()

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	awsCfg, err := loadAWS(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load aws config")
	}

	var sm credentials.SecretsManagerAPI
	if awsCfg != nil {
		sm = secretsmanager.NewFromConfig(*awsCfg)
	}
	resolver := credentials.NewResolver(sm)

	// ====================================================================
	// 봉투 암호화 + 스토리지
	// ====================================================================
	sealer, err := newSealer(rootCtx, cfg, awsCfg, resolver)
	if err != nil {
		log.Fatal().Err(err).Msg("init key provider")
	}

	policy := storage.Normalize(model.RetentionPolicy{
		Prefix:  cfg.ObjectPrefix + "-",
		HotDays: cfg.RetentionHotDays,
		Profile: model.RetentionProfile(cfg.RetentionProfile),
	})

	var store storage.Store
	var memStore *storage.MemoryStore
	switch cfg.StorageBackend {
	case "memory":
		memStore = storage.NewMemoryStore()
		store = memStore
	default:
		s3Store := storage.NewS3Store(storage.NewS3Client(*awsCfg, storage.S3Options{Bucket: cfg.Bucket, Endpoint: cfg.S3Endpoint}), cfg.Bucket)
		if cfg.ApplyRetention {
			if err := s3Store.ApplyRetention(rootCtx, policy); err != nil {
				log.Fatal().Err(err).Str("bucket", cfg.Bucket).Msg("apply retention")
			}
		}
		store = s3Store
	}

	// ====================================================================
	// Log Buffer + Batch Delivery Sink
	// ====================================================================
	buf, err := buffer.Open(cfg.BufferPath, buffer.Options{
		Capacity:     cfg.BufferCapacity,
		Policy:       buffer.Policy(cfg.BufferPolicy),
		BlockTimeout: cfg.BufferBlockTimeout,
		Metrics:      m,
	})
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.BufferPath).Msg("open log buffer")
	}

	sink := worker.NewSink(worker.SinkConfig{
		Prefix:        cfg.ObjectPrefix,
		BatchMaxBytes: cfg.BatchMaxBytes,
		FlushInterval: cfg.FlushInterval,
		PutTimeout:    cfg.S3Timeout,
		MaxAttempts:   cfg.S3AppRetries,
	}, buf, store, sealer, m)
	sink.OnFlush = func(obj model.StorageObject) {
		log.Debug().Str("key", obj.Key).Int("records", obj.Records).Int("bytes", len(obj.Body)).Msg("batch stored")
	}
	sink.Start()

	// ====================================================================
	// 이벤트 스트림 (finding → router)
	// ====================================================================
	var (
		bus *events.Bus
		pub publisher
		sub *events.SQSSubscriber
	)
	switch cfg.EventSource {
	case "sqs":
		client := sqs.NewFromConfig(*awsCfg)
		pub = events.NewSQSPublisher(client, cfg.SQSQueueURL)
		sub = events.NewSQSSubscriber(client, cfg.SQSQueueURL)
	default:
		bus = events.NewBus(events.BusOptions{})
		pub = bus
	}

	// ====================================================================
	// Classification service + Scheduler
	// ====================================================================
	var (
		svc      classification.Service
		local    *classification.LocalService
		registry *classification.Registry
	)
	switch cfg.ClassifierBackend {
	case "macie":
		svc = classification.NewMacieService(macie2.NewFromConfig(*awsCfg), cfg.AWSAccountID)
	default:
		registry, err = classification.OpenRegistry(cfg.JobStorePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.JobStorePath).Msg("open job registry")
		}
		local = classification.NewLocalService(classification.LocalConfig{
			Bucket:     bucketName(cfg),
			Source:     cfg.FindingSource,
			DetailType: cfg.FindingDetailType,
		}, registry, store, sealer, pub, m)
		svc = local
	}

	slots, err := scheduler.OpenSlotStore(cfg.JobStorePath + "-slots")
	if err != nil {
		log.Fatal().Err(err).Msg("open slot store")
	}

	var lock scheduler.TickLock = scheduler.NoopLock{}
	var redisLock *scheduler.RedisTickLock
	if cfg.RedisAddr != "" {
		redisLock = scheduler.NewRedisTickLock(cfg.RedisAddr, cfg.InstanceID)
		lock = redisLock
	}

	sched, err := scheduler.New(scheduler.Config{
		Slot:          cfg.JobName,
		JobName:       cfg.JobName,
		Cadence:       cfg.Cadence,
		Scope:         model.Scope{Bucket: bucketName(cfg), Prefix: cfg.ObjectPrefix + "-"},
		InitialRun:    cfg.InitialRun,
		Overlap:       scheduler.OverlapPolicy(cfg.OverlapPolicy),
		SubmitRetries: cfg.SubmitRetries,
		SubmitTimeout: cfg.SubmitTimeout,
	}, svc, slots, lock, m)
	if err != nil {
		log.Fatal().Err(err).Msg("init scheduler")
	}

	if local != nil {
		local.OnComplete(func(jobID string, status model.JobStatus) {
			if err := sched.Complete(rootCtx, jobID, status); err != nil {
				log.Error().Err(err).Str("job_id", jobID).Msg("scheduler completion failed")
			}
		})
		if err := local.Resume(rootCtx); err != nil {
			log.Error().Err(err).Msg("resume running jobs")
		}
	}

	// ====================================================================
	// Finding Router
	// ====================================================================
	routes, err := router.LoadOrDefault(&cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load routes")
	}
	deadLetter, err := router.NewDeadLetter(cfg.DeadLetterDir, cfg.InstanceID, cfg.DeadLetterMaxBytes, cfg.DeadLetterMaxAge, m)
	if err != nil {
		log.Fatal().Err(err).Msg("init dead-letter")
	}
	dispatcher := router.NewDispatcher(&http.Client{}, resolver, router.DispatchOptions{
		MaxAttempts: cfg.DispatchRetries,
		Timeout:     cfg.DispatchTimeout,
	}, m)
	rt, err := router.New(routes, router.RenderOptions{Region: cfg.AWSRegion, IssueBoardURL: cfg.IssueBoardURL}, dispatcher, deadLetter, m)
	if err != nil {
		log.Fatal().Err(err).Msg("init router")
	}

	// ====================================================================
	// 백그라운드 goroutine
	// ====================================================================
	var wg sync.WaitGroup
	schedCtx, stopSched := context.WithCancel(rootCtx)
	routerCtx, stopRouter := context.WithCancel(rootCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(schedCtx); err != nil {
			// 잘못된 scope 는 설정 오류이므로 기동 상태를 유지하지 않는다.
			log.Error().Err(err).Msg("scheduler terminated")
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if sub != nil {
			if err := sub.Run(routerCtx, rt.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("sqs subscriber terminated")
			}
			return
		}
		bus.Run(routerCtx, rt.Handle)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		housekeeping(schedCtx, deadLetter, memStore, policy)
	}()

	// ====================================================================
	// HTTP 서버
	// ====================================================================
	h := server.NewHandler(cfg, m, buf)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown (ECS/Fargate scale-in 대응)
	// ====================================================================
	// SIGTERM 수신 시 (30초 grace period 안에서):
	//   1) HTTP 서버 종료 (새 레코드 받지 않음)
	//   2) scheduler 중지
	//   3) sink drain (열린 배치 final flush, 저장되지 못한 레코드는 버퍼에 남음)
	//   4) 로컬 스캔 중지 + router 구독 중지
	//   5) 버퍼 / 저장소 close
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		case <-rootCtx.Done():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.StorageBackend).Str("classifier", cfg.ClassifierBackend).
		Str("events", cfg.EventSource).Msg("pii-sentinel listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server terminated")
	}

	stopSched()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 20*time.Second)
	if err := sink.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("sink drain incomplete; remaining records stay in buffer")
	}
	cancelDrain()

	if local != nil {
		local.Close()
	}
	if bus != nil {
		bus.Close()
	}
	stopRouter()
	wg.Wait()

	if err := buf.Close(); err != nil {
		log.Error().Err(err).Msg("close buffer")
	}
	_ = slots.Close()
	if registry != nil {
		_ = registry.Close()
	}
	if redisLock != nil {
		_ = redisLock.Close()
	}
	log.Info().Msg("shutdown complete")
}

// loadAWS 는 AWS 를 쓰지 않는 로컬 구성(memory + local + bus + static 키)에서는 nil.
func loadAWS(ctx context.Context, cfg config.Config) (*aws.Config, error) {
	needAWS := cfg.StorageBackend != "memory" ||
		cfg.ClassifierBackend == "macie" ||
		cfg.EventSource == "sqs" ||
		kindOf(cfg.KeyRef) == "kms" ||
		cfg.AWSRegion != ""
	if !needAWS {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &awsCfg, nil
}

func newSealer(ctx context.Context, cfg config.Config, awsCfg *aws.Config, resolver *credentials.Resolver) (*envelope.Sealer, error) {
	kind, id := envelope.ParseRef(cfg.KeyRef)
	switch kind {
	case "kms":
		return envelope.NewSealer(envelope.NewKMSKeyProvider(kms.NewFromConfig(*awsCfg)), cfg.KeyRef), nil
	default:
		hexKey, err := resolver.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		p, err := envelope.NewStaticKeyProvider(hexKey)
		if err != nil {
			return nil, err
		}
		return envelope.NewSealer(p, cfg.KeyRef), nil
	}
}

func kindOf(ref string) string {
	kind, _ := envelope.ParseRef(ref)
	return kind
}

func bucketName(cfg config.Config) string {
	if cfg.Bucket != "" {
		return cfg.Bucket
	}
	return "local"
}

// housekeeping 은 dead-letter TTL 정리와 (memory 모드) 보존 정책 적용을 주기적으로 수행한다.
func housekeeping(ctx context.Context, dl *router.DeadLetter, mem *storage.MemoryStore, policy model.RetentionPolicy) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := dl.Sweep(); n > 0 {
				log.Info().Int("removed", n).Msg("dead-letter sweep")
			}
			if mem != nil {
				expired, moved := mem.Sweep(now, policy)
				if expired+moved > 0 {
					log.Info().Int("expired", expired).Int("transitioned", moved).Msg("retention sweep")
				}
			}
		}
	}
}
