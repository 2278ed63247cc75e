package worker

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// keys.go
// ------------------------------------------------------------
// 스토리지 오브젝트 키 규칙:
//
//	<prefix>-<epoch-millis>
//
// 예:
//
//	fn-logs-1764721594123
//
// epoch millis 는 13자리로 고정되므로 문자열 정렬 = 시간 정렬이다.
// 같은 millisecond 에 두 번 flush 되면 1ms 씩 밀어서 단조 증가를 보장한다.
// 키는 배치를 봉인(seal)하는 시점에 한 번만 정해지며, 재시도는 같은 키에 다시 쓴다.

// KeyGen 은 단조 증가 오브젝트 키 생성기.
type KeyGen struct {
	prefix string

	mu   sync.Mutex
	last int64
}

func NewKeyGen(prefix string) *KeyGen {
	return &KeyGen{prefix: strings.TrimSuffix(prefix, "-")}
}

// Next 는 flush 시각 t 로부터 키를 만든다.
func (g *KeyGen) Next(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := t.UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return fmt.Sprintf("%s-%d", g.prefix, ms)
}

// ListPrefix 는 이 생성기가 만든 키만 고르는 List prefix.
func (g *KeyGen) ListPrefix() string { return g.prefix + "-" }
