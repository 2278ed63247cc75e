// Package buffer 는 로그 레코드를 받아두는 durable, bounded 큐(Log Buffer)다.
//
// Append 는 레코드가 SQLite 에 commit 된 후에만 반환하므로,
// 프로세스가 재시작되어도 "append 성공" 으로 응답한 레코드는 Sink 가 다시 읽을 수 있다.
// consumed offset(cursor)은 Sink 가 스토리지 업로드에 성공한 후 Commit 으로만 전진한다.
package buffer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrBufferSaturated 는 용량 초과로 Append 를 받을 수 없을 때 반환된다.
	ErrBufferSaturated = errors.New("buffer: saturated")
	// ErrClosed 는 Close 이후 호출 시 반환된다.
	ErrClosed = errors.New("buffer: closed")
)

// Policy 는 버퍼가 가득 찼을 때 Append 의 동작.
type Policy string

const (
	// PolicyBlock: BlockTimeout 까지 대기 후 ErrBufferSaturated (기본값)
	PolicyBlock Policy = "block"
	// PolicyFail: 즉시 ErrBufferSaturated
	PolicyFail Policy = "fail"
)

const cursorName = "sink"

// Options 는 버퍼 용량/정책.
type Options struct {
	Capacity     int
	Policy       Policy
	BlockTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Entry 는 시퀀스 번호가 붙은 레코드.
type Entry struct {
	Seq    int64
	Record model.LogRecord
}

// Buffer 는 SQLite 위의 durable 큐.
//
// 시퀀스는 AUTOINCREMENT 로 전역 단조 증가하므로,
// 같은 source 에서 순서대로 호출된 Append 는 같은 순서로 Read 된다.
type Buffer struct {
	db   *sql.DB
	opts Options

	mu        sync.Mutex
	pending   int
	committed int64
	closed    bool

	// 상태 변화 알림: close 후 새 채널로 교체하는 broadcast 방식
	dataCh  chan struct{}
	spaceCh chan struct{}
}

// Open 은 path 의 SQLite 파일을 열어 버퍼를 복원한다.
func Open(path string, opts Options) (*Buffer, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open buffer db: %w", err)
	}
	// SQLite 는 writer 가 하나뿐이므로 연결도 하나로 고정한다.
	db.SetMaxOpenConns(1)

	b, err := New(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// New 는 이미 열린 db 위에 버퍼를 구성한다 (스키마 생성 + offset 복원).
func New(db *sql.DB, opts Options) (*Buffer, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("buffer: capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	b := &Buffer{
		db:      db,
		opts:    opts,
		dataCh:  make(chan struct{}),
		spaceCh: make(chan struct{}),
	}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	if err := b.recover(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Buffer) migrate() error {
	ctx := context.Background()
	if _, err := b.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS records (
		seq     INTEGER PRIMARY KEY AUTOINCREMENT,
		ts      INTEGER NOT NULL,
		source  TEXT NOT NULL,
		payload BLOB NOT NULL
	);`); err != nil {
		return fmt.Errorf("migrate records: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS cursor (
		name TEXT PRIMARY KEY,
		seq  INTEGER NOT NULL
	);`); err != nil {
		return fmt.Errorf("migrate cursor: %w", err)
	}
	return nil
}

// recover 는 마지막 consumed offset 을 읽고, 그 이후 레코드 수를 센다.
// Commit 도중 크래시로 남은 consumed 레코드가 있으면 여기서 정리한다.
func (b *Buffer) recover() error {
	ctx := context.Background()

	var committed int64
	err := b.db.QueryRowContext(ctx, `SELECT seq FROM cursor WHERE name = ?`, cursorName).Scan(&committed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read cursor: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE seq <= ?`, committed); err != nil {
		return fmt.Errorf("purge consumed: %w", err)
	}

	var pending int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE seq > ?`, committed).Scan(&pending); err != nil {
		return fmt.Errorf("count pending: %w", err)
	}

	b.committed = committed
	b.pending = pending
	atomic.StoreInt64(&b.opts.Metrics.BufferDepth, int64(pending))
	return nil
}

// Append 는 레코드를 durable 하게 enqueue 한다.
// 가득 찬 경우 Policy 에 따라 대기하거나 즉시 ErrBufferSaturated 를 반환한다.
func (b *Buffer) Append(ctx context.Context, rec model.LogRecord) error {
	var deadline <-chan time.Time
	if b.opts.Policy == PolicyBlock && b.opts.BlockTimeout > 0 {
		t := time.NewTimer(b.opts.BlockTimeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}

		if b.pending < b.opts.Capacity {
			err := b.insertLocked(ctx, rec)
			b.mu.Unlock()
			if err != nil {
				return err
			}
			atomic.AddInt64(&b.opts.Metrics.BufferAppendedTotal, 1)
			return nil
		}

		space := b.spaceCh
		b.mu.Unlock()

		if b.opts.Policy == PolicyFail {
			atomic.AddInt64(&b.opts.Metrics.BufferSaturatedTotal, 1)
			return ErrBufferSaturated
		}

		select {
		case <-space:
			// 공간 확보 → 다시 시도
		case <-deadline:
			atomic.AddInt64(&b.opts.Metrics.BufferSaturatedTotal, 1)
			return ErrBufferSaturated
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Buffer) insertLocked(ctx context.Context, rec model.LogRecord) error {
	ts := rec.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO records (ts, source, payload) VALUES (?, ?, ?)`,
		ts.UTC().UnixNano(), rec.Source, payload,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	b.pending++
	atomic.StoreInt64(&b.opts.Metrics.BufferDepth, int64(b.pending))

	close(b.dataCh)
	b.dataCh = make(chan struct{})
	return nil
}

// Read 는 seq > after 인 레코드를 최대 max 개 반환한다.
// 해당 레코드가 없으면 새 Append 또는 ctx 취소까지 대기한다.
func (b *Buffer) Read(ctx context.Context, after int64, max int) ([]Entry, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		// 조회 전에 채널을 잡아야 조회와 대기 사이의 Append 를 놓치지 않는다.
		wait := b.dataCh
		b.mu.Unlock()

		entries, err := b.query(ctx, after, max)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Buffer) query(ctx context.Context, after int64, max int) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, ts, source, payload FROM records WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, max,
	)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Record.Source, &e.Record.Payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		e.Record.Ts = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Commit 은 consumed offset 을 seq 까지 전진시키고 소비된 레코드를 삭제한다.
// 이미 commit 된 offset 이하로는 되돌아가지 않는다.
func (b *Buffer) Commit(ctx context.Context, seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if seq <= b.committed {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cursor (name, seq) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET seq = excluded.seq`,
		cursorName, seq,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit cursor: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE seq <= ?`, seq)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("commit purge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	n, _ := res.RowsAffected()
	b.committed = seq
	b.pending -= int(n)
	if b.pending < 0 {
		b.pending = 0
	}
	atomic.StoreInt64(&b.opts.Metrics.BufferDepth, int64(b.pending))

	close(b.spaceCh)
	b.spaceCh = make(chan struct{})
	return nil
}

// Offset 은 현재 consumed offset.
func (b *Buffer) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed
}

// Depth 는 아직 소비되지 않은 레코드 수.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Close 는 대기 중인 Append/Read 를 깨우고 db 를 닫는다.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.dataCh)
	close(b.spaceCh)
	b.mu.Unlock()

	return b.db.Close()
}
