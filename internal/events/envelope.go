// Package events 는 FindingEvent 스트림이다.
//
// 문서 형식은 EventBridge 이벤트와 같다. Macie 가 EventBridge 로 보내는 "Macie Finding" 과
// 로컬 스캐너가 보내는 "Finding" 이 같은 코덱으로 읽힌다.
package events

import (
	"errors"
	"fmt"
	"time"

	"pii-sentinel/internal/model"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ErrMalformed 는 필수 필드(source, detail-type)가 없는 문서.
var ErrMalformed = errors.New("events: malformed event")

// Envelope 는 EventBridge 이벤트 문서.
type Envelope struct {
	Version    string    `json:"version"`
	ID         string    `json:"id"`
	DetailType string    `json:"detail-type"`
	Source     string    `json:"source"`
	Account    string    `json:"account,omitempty"`
	Time       time.Time `json:"time"`
	Region     string    `json:"region,omitempty"`
	Resources  []string  `json:"resources"`
	Detail     Detail    `json:"detail"`
}

// Detail 은 Macie finding 의 필요한 부분만.
type Detail struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Count    int    `json:"count,omitempty"`
	Severity struct {
		Score       int    `json:"score,omitempty"`
		Description string `json:"description"`
	} `json:"severity"`
	ClassificationDetails struct {
		JobID string `json:"jobId"`
	} `json:"classificationDetails"`
	ResourcesAffected struct {
		S3Bucket struct {
			Name string `json:"name"`
		} `json:"s3Bucket"`
		S3Object struct {
			Key string `json:"key"`
		} `json:"s3Object"`
	} `json:"resourcesAffected"`
}

var severityScore = map[string]int{"Low": 1, "Medium": 2, "High": 3}

// Encode 는 FindingEvent 를 EventBridge 문서로 만든다.
func Encode(ev model.FindingEvent) ([]byte, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	env := Envelope{
		Version:    "0",
		ID:         ev.ID,
		DetailType: ev.DetailType,
		Source:     ev.Source,
		Time:       ev.Time.UTC(),
		Resources:  []string{},
	}
	if ev.Bucket != "" {
		env.Resources = append(env.Resources, "arn:aws:s3:::"+ev.Bucket)
	}
	d := &env.Detail
	d.ID = ev.ID
	d.Type = ev.FindingType
	d.Count = ev.Count
	d.Severity.Description = ev.Severity
	d.Severity.Score = severityScore[ev.Severity]
	d.ClassificationDetails.JobID = ev.JobID
	d.ResourcesAffected.S3Bucket.Name = ev.Bucket
	d.ResourcesAffected.S3Object.Key = ev.ObjectKey

	return json.Marshal(env)
}

// Decode 는 EventBridge 문서를 FindingEvent 로 읽는다.
// detail 의 필드가 빠져 있어도 오류가 아니다 (렌더링 단계에서 판단한다).
func Decode(data []byte) (model.FindingEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.FindingEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Source == "" || env.DetailType == "" {
		return model.FindingEvent{}, fmt.Errorf("%w: missing source or detail-type", ErrMalformed)
	}
	return model.FindingEvent{
		ID:          env.ID,
		Source:      env.Source,
		DetailType:  env.DetailType,
		Time:        env.Time,
		JobID:       env.Detail.ClassificationDetails.JobID,
		Severity:    env.Detail.Severity.Description,
		FindingType: env.Detail.Type,
		Bucket:      env.Detail.ResourcesAffected.S3Bucket.Name,
		ObjectKey:   env.Detail.ResourcesAffected.S3Object.Key,
		Count:       env.Detail.Count,
	}, nil
}
