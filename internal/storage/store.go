// Package storage 는 배치 오브젝트가 기록되는 cold storage 계층이다.
// 오브젝트는 한번 기록되면 변경되지 않으며, 분류 스캐너와 재시도 경로가 동시에 읽어도 안전하다.
package storage

import (
	"context"
	"errors"

	"pii-sentinel/internal/model"
)

// ErrNotFound 는 키에 해당하는 오브젝트가 없을 때.
var ErrNotFound = errors.New("storage: object not found")

// Store 는 Sink 가 쓰고 분류 스캐너가 읽는 오브젝트 저장소.
type Store interface {
	Put(ctx context.Context, obj model.StorageObject) error
	Get(ctx context.Context, key string) (model.StorageObject, error)
	// List 는 prefix 로 시작하는 오브젝트를 키 순서로 반환한다.
	List(ctx context.Context, prefix string) ([]model.ObjectInfo, error)
}

// Normalize 는 보관 정책의 기본값을 채운다.
func Normalize(p model.RetentionPolicy) model.RetentionPolicy {
	if p.HotDays <= 0 {
		p.HotDays = 7
	}
	if p.Profile == "" {
		p.Profile = model.RetentionExpire
	}
	if p.ArchiveDays <= 0 {
		p.ArchiveDays = 30
	}
	if p.DeepDays <= 0 {
		p.DeepDays = 90
	}
	return p
}
