// Package classification 은 스토리지 오브젝트를 대상으로 민감 데이터 분류 작업을 실행하는 서비스다.
//
// 두 구현이 있다.
//   - LocalService: 프로세스 안에서 직접 오브젝트를 열어 PII 탐지기를 돌린다.
//   - MacieService: Amazon Macie 에 분류 작업을 생성한다.
//
// 어느 쪽이든 같은 Token 으로 두 번 요청하면 같은 작업 ID 가 돌아온다.
package classification

import (
	"context"
	"errors"
	"time"

	"pii-sentinel/internal/model"
)

var (
	// ErrInvalidScope 는 서비스가 스캔 범위를 거부했을 때. 재시도 대상이 아니다.
	ErrInvalidScope = errors.New("classification: invalid scope")
	// ErrUnknownJob 은 존재하지 않는 작업 ID 조회.
	ErrUnknownJob = errors.New("classification: unknown job")
)

// JobRequest 는 분류 작업 1회 요청.
type JobRequest struct {
	Token    string
	Name     string
	Scope    model.Scope
	Schedule time.Duration
	Mode     model.RunMode
	// Since 는 incremental 모드에서 "이 시각 이후 기록된 오브젝트만" 의 기준.
	Since time.Time
}

// Service 는 분류 작업 생성/조회.
type Service interface {
	CreateJob(ctx context.Context, req JobRequest) (string, error)
	JobStatus(ctx context.Context, jobID string) (model.JobStatus, error)
}

// Publisher 는 FindingEvent 를 이벤트 스트림에 발행한다.
type Publisher interface {
	Publish(ctx context.Context, ev model.FindingEvent) error
}

// CompletionFunc 는 작업이 종료 상태가 되었을 때 호출된다.
type CompletionFunc func(jobID string, status model.JobStatus)
