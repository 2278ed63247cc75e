package scheduler

import "time"

// TokenFor 는 tick 시각 t 의 멱등 토큰.
//
// t 를 UTC epoch 기준으로 cadence 단위 절사한 뒤,
//   - cadence >= 24h : "2006-01-02"
//   - 그 외           : "2006-01-02T15:04Z"
//
// 같은 tick 을 다시 처리해도(재시도, 재기동, 다른 replica) 같은 토큰이 나온다.
func TokenFor(t time.Time, cadence time.Duration) string {
	tt := t.UTC()
	if cadence > 0 {
		tt = tt.Truncate(cadence)
	}
	if cadence >= 24*time.Hour {
		return tt.Format("2006-01-02")
	}
	return tt.Format("2006-01-02T15:04Z")
}
