package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pii-sentinel/internal/model"
)

// Tier 는 MemoryStore 가 흉내내는 storage class.
type Tier string

const (
	TierStandard    Tier = "STANDARD"
	TierGlacier     Tier = "GLACIER"
	TierDeepArchive Tier = "DEEP_ARCHIVE"
)

type memObject struct {
	obj  model.StorageObject
	tier Tier
}

// MemoryStore 는 프로세스 내 Store. 로컬 실행과 테스트에서 사용한다.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memObject), now: time.Now}
}

// SetClock 은 Put 이 기록하는 저장 시각의 시계를 바꾼다. 테스트용.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Put(_ context.Context, obj model.StorageObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := obj
	cp.Body = append([]byte(nil), obj.Body...)
	cp.Metadata = make(map[string]string, len(obj.Metadata))
	for k, v := range obj.Metadata {
		cp.Metadata[k] = v
	}
	// S3 LastModified 와 같이 저장 시각은 항상 스토어가 정한다.
	cp.CreatedAt = m.now()
	m.objects[obj.Key] = &memObject{obj: cp, tier: TierStandard}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (model.StorageObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objects[key]
	if !ok {
		return model.StorageObject{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return o.obj, nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]model.ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ObjectInfo, 0, len(m.objects))
	for k, o := range m.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out = append(out, model.ObjectInfo{Key: k, Size: int64(len(o.obj.Body)), CreatedAt: o.obj.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len 은 저장된 오브젝트 수.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Tier 는 오브젝트의 현재 storage class.
func (m *MemoryStore) Tier(key string) (Tier, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	if !ok {
		return "", false
	}
	return o.tier, true
}

// Sweep 은 보관 정책을 now 기준으로 적용한다.
// S3 lifecycle 과 같은 규칙: expire 는 삭제, archive 는 tier 전환.
func (m *MemoryStore) Sweep(now time.Time, policy model.RetentionPolicy) (expired, transitioned int) {
	policy = Normalize(policy)
	day := 24 * time.Hour

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, o := range m.objects {
		if !strings.HasPrefix(k, policy.Prefix) {
			continue
		}
		age := now.Sub(o.obj.CreatedAt)

		switch policy.Profile {
		case model.RetentionArchive:
			next := o.tier
			if age >= time.Duration(policy.DeepDays)*day {
				next = TierDeepArchive
			} else if age >= time.Duration(policy.ArchiveDays)*day {
				next = TierGlacier
			}
			if next != o.tier {
				o.tier = next
				transitioned++
			}
		default:
			if age >= time.Duration(policy.HotDays)*day {
				delete(m.objects, k)
				expired++
			}
		}
	}
	return expired, transitioned
}

// bytesReader 는 재시도마다 새 reader 를 만들기 위한 헬퍼.
func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
