package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"pii-sentinel/internal/model"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// State 는 slot 상태.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateSubmitted  State = "submitted"
)

// Slot 은 스케줄 하나의 영속 상태.
type Slot struct {
	Name  string        `json:"name"`
	State State         `json:"state"`
	Token string        `json:"token,omitempty"`
	Mode  model.RunMode `json:"mode,omitempty"`
	JobID string        `json:"job_id,omitempty"`

	// ActivatedAt 은 slot 이 처음 tick 된 시각. 첫 incremental 실행의 기준점.
	ActivatedAt time.Time `json:"activated_at"`
	// LastSubmitted 는 마지막으로 제출에 성공한 tick 시각. 다음 incremental 의 Since.
	LastSubmitted time.Time `json:"last_submitted,omitempty"`
	// BackfillDone 은 initial-backfill 이 한 번 제출되었는지.
	BackfillDone bool `json:"backfill_done"`

	// Deferred 는 overlap=queue 에서 미뤄둔 tick 이 있는지 (여러 개여도 하나로 합친다).
	Deferred   bool      `json:"deferred"`
	DeferredAt time.Time `json:"deferred_at,omitempty"`
}

// SlotStore 는 slot 상태 저장소. 없는 slot 은 Idle 로 돌려준다.
type SlotStore interface {
	Load(ctx context.Context, name string) (Slot, error)
	Save(ctx context.Context, slot Slot) error
}

// ------------------------------------------------------------
// memory
// ------------------------------------------------------------

type MemorySlotStore struct {
	mu    sync.Mutex
	slots map[string]Slot
}

func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{slots: make(map[string]Slot)}
}

func (m *MemorySlotStore) Load(_ context.Context, name string) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[name]; ok {
		return s, nil
	}
	return Slot{Name: name, State: StateIdle}, nil
}

func (m *MemorySlotStore) Save(_ context.Context, slot Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot.Name] = slot
	return nil
}

// ------------------------------------------------------------
// sqlite
// ------------------------------------------------------------

// SQLiteSlotStore 는 slot 을 JSON 문서로 한 행에 저장한다.
type SQLiteSlotStore struct {
	db *sql.DB
}

func OpenSlotStore(path string) (*SQLiteSlotStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open slot store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteSlotStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteSlotStore(db *sql.DB) (*SQLiteSlotStore, error) {
	if _, err := db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS slots (
		name       TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`); err != nil {
		return nil, fmt.Errorf("migrate slots: %w", err)
	}
	return &SQLiteSlotStore{db: db}, nil
}

func (s *SQLiteSlotStore) Load(ctx context.Context, name string) (Slot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM slots WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Slot{Name: name, State: StateIdle}, nil
	}
	if err != nil {
		return Slot{}, fmt.Errorf("load slot %s: %w", name, err)
	}

	var slot Slot
	if err := json.Unmarshal(data, &slot); err != nil {
		return Slot{}, fmt.Errorf("decode slot %s: %w", name, err)
	}
	return slot, nil
}

func (s *SQLiteSlotStore) Save(ctx context.Context, slot Slot) error {
	data, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("encode slot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO slots (name, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		slot.Name, data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save slot %s: %w", slot.Name, err)
	}
	return nil
}

func (s *SQLiteSlotStore) Close() error { return s.db.Close() }
