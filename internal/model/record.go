// internal/model/record.go
package model

import "time"

// LogRecord
// ------------------------------------------------------------
// 외부 애플리케이션이 내보낸 단일 로그 레코드.
// 파이프라인에서 모든 데이터의 "기본 단위"가 된다.
// Buffer → Sink → Encoder → Storage 까지 그대로 전달되며,
// 한번 생성된 이후에는 변경하지 않는다(immutable).
type LogRecord struct {
	Ts      time.Time `json:"ts"`      // 레코드 발생 시각 (UTC)
	Source  string    `json:"source"`  // 발생 소스 식별자 (함수명, 호스트 등)
	Payload []byte    `json:"payload"` // 원본 로그 바이트
}

// Batch
// ------------------------------------------------------------
// 바이트 임계치 또는 시간 창으로 묶인 LogRecord 의 순서 있는 묶음.
// 레코드는 열린 동안 인코더로 바로 흘려보내므로 여기에는 범위와 개수만 남는다.
// 하나의 단위로 압축·암호화되며, 스토리지에는 원자적으로(통째로) 기록된다.
//
// FirstSeq / LastSeq 는 Log Buffer 의 시퀀스 범위이며,
// 업로드 성공 후 LastSeq 까지 consumed offset 을 전진시킨다.
type Batch struct {
	Count    int
	FirstSeq int64
	LastSeq  int64
	OpenedAt time.Time
}
