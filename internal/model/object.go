// internal/model/object.go
package model

import "time"

// 스토리지 오브젝트 메타데이터 키.
// 봉투 암호화에 필요한 값은 모두 오브젝트 메타데이터로 함께 저장된다.
const (
	MetaKeyRef      = "key-ref"
	MetaWrappedKey  = "wrapped-key"
	MetaNonce       = "nonce"
	MetaRecordCount = "record-count"
	MetaEncoding    = "content-encoding"
)

// StorageObject
// ------------------------------------------------------------
// flush 된 Batch 하나를 나타내는 내구성 있는 결과물.
// 생성 이후 제자리 변경(mutate)은 없으며 tier 전환만 일어난다.
type StorageObject struct {
	Key       string            // "<prefix>-<epoch-millis>"
	Body      []byte            // gzip → 봉투 암호화된 바이트
	Metadata  map[string]string // key-ref, wrapped-key, nonce, record-count
	CreatedAt time.Time         // 스토어가 오브젝트를 받아들인 시각. Put 이 채운다.
	Records   int
}

// ObjectInfo 는 목록 조회 결과 (본문 제외).
type ObjectInfo struct {
	Key       string
	Size      int64
	CreatedAt time.Time
}

// RetentionProfile 은 hot 보관 기간 이후의 처리 방식.
type RetentionProfile string

const (
	// RetentionExpire: HotDays 경과 후 삭제.
	RetentionExpire RetentionProfile = "expire"
	// RetentionArchive: 30일 GLACIER, 90일 DEEP_ARCHIVE 로 tiering.
	RetentionArchive RetentionProfile = "archive"
)

// RetentionPolicy 는 스토리지 오브젝트의 보관/tiering 정책.
type RetentionPolicy struct {
	Prefix      string
	HotDays     int
	Profile     RetentionProfile
	ArchiveDays int // 기본 30
	DeepDays    int // 기본 90
}
