// internal/model/finding.go
package model

import "time"

// FindingEvent
// ------------------------------------------------------------
// 완료된 분류 작업이 민감 데이터를 발견했을 때 비동기로 발행하는 이벤트.
// 하위 이벤트 소스는 at-least-once 로 전달하므로 같은 이벤트가 두 번 올 수 있다.
type FindingEvent struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	DetailType  string    `json:"detail_type"`
	Time        time.Time `json:"time"`
	JobID       string    `json:"job_id"`
	Severity    string    `json:"severity"`     // 예: Low / Medium / High
	FindingType string    `json:"finding_type"` // 예: SensitiveData:S3Object/Personal
	Bucket      string    `json:"bucket"`
	ObjectKey   string    `json:"object_key"`
	Count       int       `json:"count"`
}

// Link 는 알림 페이로드의 링크 항목.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// AlertPayload 는 웹훅으로 전송되는 렌더링 결과 (저장하지 않음).
type AlertPayload struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Text        string `json:"text"`
	Severity    string `json:"severity"`
	JobID       string `json:"jobId"`
	FindingType string `json:"findingType"`
	Links       []Link `json:"links"`
}

// AuthScheme 는 Destination 인증 방식.
type AuthScheme string

const (
	AuthNone  AuthScheme = "none"
	AuthBasic AuthScheme = "basic"
)

// PayloadFormat 은 Destination 이 받는 문서 형식.
type PayloadFormat string

const (
	FormatAlert       PayloadFormat = "alert"
	FormatMessageCard PayloadFormat = "messagecard"
)

// Destination 은 외부 HTTP(S) 엔드포인트 + 인증 방식.
// CredentialRef 는 비밀 값 자체가 아니라 참조다 (예: env:WEBHOOK_PASSWORD).
type Destination struct {
	Name          string        `yaml:"name"`
	Endpoint      string        `yaml:"endpoint"`
	Format        PayloadFormat `yaml:"format"`
	Auth          AuthScheme    `yaml:"auth"`
	Username      string        `yaml:"username"`
	CredentialRef string        `yaml:"credential_ref"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

// RoutingRule 은 source + detail-type 정확 일치로 이벤트를 Destination 에 묶는다.
type RoutingRule struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	DetailType  string `yaml:"detail_type"`
	Destination string `yaml:"destination"`
}

// Matches 는 정확 일치 여부 (와일드카드 없음).
func (r RoutingRule) Matches(ev FindingEvent) bool {
	return ev.Source == r.Source && ev.DetailType == r.DetailType
}
