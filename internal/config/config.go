// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config
//
// 서비스 실행 시 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 Load() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
type Config struct {

	// ---------------------------
	// 서비스 식별자 / 운영 환경
	// ---------------------------

	Stage       string // 배포 stage 이름 (예: dev, prod) (필수)
	ServiceName string // 로그 공통 필드 service
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	HTTPAddr    string // ingest HTTP bind 주소
	MaxBodySize int64  // /ingest 요청 body 최대 크기

	LogLevel   string
	LogPretty  bool
	LogSampleN uint32

	// ---------------------------
	// AWS / 스토리지
	// ---------------------------

	AWSRegion      string
	AWSAccountID   string
	StorageBackend string // "s3" | "memory"
	Bucket         string // 로그 배치가 저장될 버킷
	ObjectPrefix   string // 오브젝트 키 prefix (키 = <prefix>-<epoch-millis>)
	S3Endpoint     string // MinIO / LocalStack 용 (옵션)

	RetentionHotDays int
	RetentionProfile string // "expire" | "archive"
	ApplyRetention   bool

	// KeyRef 는 봉투 암호화 키 참조.
	//   - "kms:<key-arn>"         → AWS KMS data key
	//   - "static:<credential>"   → credential 참조에서 읽은 hex AES-256 마스터 키
	KeyRef string

	// ---------------------------
	// Log Buffer
	// ---------------------------

	BufferPath         string
	BufferCapacity     int
	BufferPolicy       string // "block" | "fail"
	BufferBlockTimeout time.Duration

	// ---------------------------
	// Batch Delivery Sink
	// ---------------------------
	// SDK retry 는 0 으로 고정하고, 재시도는 애플리케이션 레벨(S3AppRetries)만 사용한다.

	BatchMaxBytes int
	FlushInterval time.Duration
	S3Timeout     time.Duration
	S3AppRetries  int

	// ---------------------------
	// Classification
	// ---------------------------

	ClassifierBackend string // "local" | "macie"
	JobStorePath      string
	JobName           string
	Cadence           time.Duration
	InitialRun        bool
	OverlapPolicy     string // "skip" | "queue"
	SubmitRetries     int
	SubmitTimeout     time.Duration
	RedisAddr         string // 설정 시 tick lock 사용

	// ---------------------------
	// Finding events / Router
	// ---------------------------

	EventSource       string // "bus" | "sqs"
	SQSQueueURL       string
	FindingSource     string
	FindingDetailType string

	WebhookURL           string
	WebhookUsername      string
	WebhookCredentialRef string
	WebhookFormat        string
	IssueBoardURL        string
	RoutesFile           string
	DispatchRetries      int
	DispatchTimeout      time.Duration

	DeadLetterDir      string
	DeadLetterMaxAge   time.Duration
	DeadLetterMaxBytes int64
}

// Load
//
// 환경 변수 기반으로 Config 값을 초기화한다.
// 필수 env 가 비어있거나 형식이 잘못되면 모든 오류를 모아서 반환하며,
// 호출자(main)는 이 경우 즉시 종료해야 한다 (fail-fast, 부분 기동 금지).
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	e := &env{get: getenv}

	cfg := Config{
		Stage:       e.must("STAGE"),
		ServiceName: e.str("SERVICE_NAME", "pii-sentinel"),
		InstanceID:  fallbackInstanceID(),
		HTTPAddr:    e.str("HTTP_ADDR", ":8080"),
		MaxBodySize: e.int64("MAX_BODY_SIZE", 1<<20),

		LogLevel:   e.str("LOG_LEVEL", "info"),
		LogPretty:  e.bool("LOG_PRETTY", false),
		LogSampleN: uint32(e.int("LOG_SAMPLE_N", 0)),

		AWSRegion:      e.str("AWS_REGION", ""),
		AWSAccountID:   e.str("AWS_ACCOUNT_ID", ""),
		StorageBackend: e.str("STORAGE_BACKEND", "s3"),
		Bucket:         e.str("LOGS_BUCKET", ""),
		ObjectPrefix:   e.str("OBJECT_PREFIX", "fn-logs"),
		S3Endpoint:     e.str("S3_ENDPOINT", ""),

		RetentionHotDays: e.int("RETENTION_HOT_DAYS", 7),
		RetentionProfile: e.str("RETENTION_PROFILE", "expire"),
		ApplyRetention:   e.bool("APPLY_RETENTION", false),

		KeyRef: e.must("KEY_REF"),

		BufferPath:         e.str("BUFFER_PATH", "data/buffer.db"),
		BufferCapacity:     e.int("BUFFER_CAPACITY", 100_000),
		BufferPolicy:       e.str("BUFFER_POLICY", "block"),
		BufferBlockTimeout: e.dur("BUFFER_BLOCK_TIMEOUT", 2*time.Second),

		BatchMaxBytes: e.int("BATCH_MAX_BYTES", 100<<20),
		FlushInterval: e.dur("FLUSH_INTERVAL", 60*time.Second),
		S3Timeout:     e.dur("S3_TIMEOUT", 5*time.Second),
		S3AppRetries:  e.int("S3_APP_RETRIES", 3),

		ClassifierBackend: e.str("CLASSIFIER_BACKEND", "local"),
		JobStorePath:      e.str("JOB_STORE_PATH", "data/jobs.db"),
		Cadence:           e.mustDur("CLASSIFY_CADENCE"),
		InitialRun:        e.mustBool("INITIAL_RUN"),
		OverlapPolicy:     e.str("OVERLAP_POLICY", "skip"),
		SubmitRetries:     e.int("SUBMIT_RETRIES", 4),
		SubmitTimeout:     e.dur("SUBMIT_TIMEOUT", 10*time.Second),
		RedisAddr:         e.str("REDIS_ADDR", ""),

		EventSource:       e.str("EVENT_SOURCE", "bus"),
		SQSQueueURL:       e.str("SQS_QUEUE_URL", ""),
		FindingSource:     e.str("FINDING_SOURCE", "pii-scanner"),
		FindingDetailType: e.str("FINDING_DETAIL_TYPE", "Finding"),

		WebhookURL:           e.must("WEBHOOK_URL"),
		WebhookUsername:      e.str("WEBHOOK_USERNAME", ""),
		WebhookCredentialRef: e.str("WEBHOOK_CREDENTIAL_REF", ""),
		WebhookFormat:        e.str("WEBHOOK_FORMAT", "alert"),
		IssueBoardURL:        e.str("ISSUE_BOARD_URL", ""),
		RoutesFile:           e.str("ROUTES_FILE", ""),
		DispatchRetries:      e.int("DISPATCH_RETRIES", 5),
		DispatchTimeout:      e.dur("DISPATCH_TIMEOUT", 10*time.Second),

		DeadLetterDir:      e.str("DEAD_LETTER_DIR", "data/dead-letter"),
		DeadLetterMaxAge:   e.dur("DEAD_LETTER_MAX_AGE", 7*24*time.Hour),
		DeadLetterMaxBytes: e.int64("DEAD_LETTER_MAX_BYTES", 64<<20),
	}

	cfg.JobName = e.str("JOB_NAME", "Function-Logs-PII-"+cfg.Stage)
	cfg.validate(e)

	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return cfg, nil
}

// validate 는 값 사이의 조건을 검사한다.
// 예: s3 backend 인데 버킷이 없는 경우 → 기동 실패.
func (c *Config) validate(e *env) {
	if c.WebhookURL != "" {
		if u, err := url.Parse(c.WebhookURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			e.fail("invalid WEBHOOK_URL %q", c.WebhookURL)
		}
	}

	switch c.StorageBackend {
	case "s3":
		if c.Bucket == "" {
			e.fail("missing required env: LOGS_BUCKET (STORAGE_BACKEND=s3)")
		}
		if c.AWSRegion == "" {
			e.fail("missing required env: AWS_REGION (STORAGE_BACKEND=s3)")
		}
	case "memory":
		if c.Bucket == "" {
			c.Bucket = "local-logs-" + c.Stage
		}
	default:
		e.fail("invalid STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.ClassifierBackend {
	case "local":
	case "macie":
		if c.AWSAccountID == "" {
			e.fail("missing required env: AWS_ACCOUNT_ID (CLASSIFIER_BACKEND=macie)")
		}
		// Macie finding 은 EventBridge → SQS 로만 들어오고, 스캔 대상은 실제 버킷이어야 한다.
		if c.StorageBackend != "s3" || c.EventSource != "sqs" {
			e.fail("CLASSIFIER_BACKEND=macie requires STORAGE_BACKEND=s3 and EVENT_SOURCE=sqs")
		}
	default:
		e.fail("invalid CLASSIFIER_BACKEND %q", c.ClassifierBackend)
	}

	switch c.EventSource {
	case "bus":
	case "sqs":
		if c.SQSQueueURL == "" {
			e.fail("missing required env: SQS_QUEUE_URL (EVENT_SOURCE=sqs)")
		}
	default:
		e.fail("invalid EVENT_SOURCE %q", c.EventSource)
	}

	if c.BufferPolicy != "block" && c.BufferPolicy != "fail" {
		e.fail("invalid BUFFER_POLICY %q", c.BufferPolicy)
	}
	if c.OverlapPolicy != "skip" && c.OverlapPolicy != "queue" {
		e.fail("invalid OVERLAP_POLICY %q", c.OverlapPolicy)
	}
	if c.RetentionProfile != "expire" && c.RetentionProfile != "archive" {
		e.fail("invalid RETENTION_PROFILE %q", c.RetentionProfile)
	}
	if !strings.HasPrefix(c.KeyRef, "kms:") && !strings.HasPrefix(c.KeyRef, "static:") && c.KeyRef != "" {
		e.fail("invalid KEY_REF %q (want kms:<arn> or static:<credential-ref>)", c.KeyRef)
	}
	if c.Cadence < 0 || (c.Cadence > 0 && c.Cadence < time.Minute) {
		e.fail("CLASSIFY_CADENCE must be >= 1m, got %s", c.Cadence)
	}
	if c.BatchMaxBytes <= 0 || c.BufferCapacity <= 0 || c.S3AppRetries <= 0 || c.DispatchRetries <= 0 || c.SubmitRetries <= 0 {
		e.fail("batch/buffer/retry sizes must be positive")
	}
}

// env
//
// 공통 패턴.
// 필수 환경변수가 없거나 형식이 잘못되면 오류를 누적한다.
// 런타임 중 설정 오류를 겪지 않도록 하기 위한 보호 전략.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) fail(format string, args ...any) {
	e.errs = append(e.errs, fmt.Errorf(format, args...))
}

func (e *env) must(key string) string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		e.fail("missing required env: %s", key)
	}
	return v
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func (e *env) int64(key string, def int64) int64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func (e *env) mustBool(key string) bool {
	v := e.must(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

func (e *env) dur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

func (e *env) mustDur(key string) time.Duration {
	v := e.must(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// fallbackInstanceID
//
// 이 프로세스 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (ECS/Fargate에서는 task-id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
