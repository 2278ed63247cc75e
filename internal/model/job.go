// internal/model/job.go
package model

import "time"

// RunMode 는 분류 작업의 실행 모드.
// 런타임에 추론하지 않고, 작업 생성 시 명시적으로 전달되는 플래그다.
type RunMode string

const (
	// RunInitialBackfill: 현재 존재하는 모든 오브젝트를 스캔.
	RunInitialBackfill RunMode = "initial-backfill"
	// RunScheduledIncremental: 직전 실행 이후 추가된 오브젝트만 스캔.
	RunScheduledIncremental RunMode = "scheduled-incremental"
)

// JobStatus 는 분류 작업 상태.
type JobStatus string

const (
	JobRunning   JobStatus = "RUNNING"
	JobComplete  JobStatus = "COMPLETE"
	JobCancelled JobStatus = "CANCELLED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal 은 더 이상 상태가 바뀌지 않는지 여부.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobCancelled || s == JobFailed
}

// Scope 는 스캔 대상 스토리지 위치.
type Scope struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// ClassificationJob
// ------------------------------------------------------------
// 예약된 스캔 1회를 나타낸다.
// 같은 Token 으로는 정확히 하나의 작업만 생성된다.
type ClassificationJob struct {
	ID        string        `json:"job_id"`
	Token     string        `json:"token"`
	Scope     Scope         `json:"scope"`
	Mode      RunMode       `json:"mode"`
	Cadence   time.Duration `json:"cadence"`
	Since     time.Time     `json:"since"`
	Status    JobStatus     `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}
