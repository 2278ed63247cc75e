package classification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pii-sentinel/internal/model"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Registry 는 SQLite 위의 분류 작업 목록.
// token 컬럼의 UNIQUE 제약이 "같은 토큰 = 같은 작업" 을 보장한다.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// OpenRegistry 는 path 의 SQLite 파일을 연다.
func OpenRegistry(path string) (*Registry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job registry: %w", err)
	}
	db.SetMaxOpenConns(1)

	r, err := NewRegistry(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewRegistry 는 열린 db 위에 스키마를 준비한다.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db, now: time.Now}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		token      TEXT NOT NULL UNIQUE,
		bucket     TEXT NOT NULL,
		prefix     TEXT NOT NULL,
		mode       TEXT NOT NULL,
		cadence    INTEGER NOT NULL,
		since      INTEGER NOT NULL,
		status     TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	return nil
}

// Create 는 토큰에 해당하는 작업을 만들거나, 이미 있으면 기존 작업을 반환한다.
// created 는 이번 호출에서 새로 만들어졌는지 여부.
func (r *Registry) Create(ctx context.Context, req JobRequest) (job model.ClassificationJob, created bool, err error) {
	id := uuid.NewString()
	res, err := r.db.ExecContext(ctx, `
	INSERT INTO jobs (id, token, bucket, prefix, mode, cadence, since, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(token) DO NOTHING`,
		id, req.Token, req.Scope.Bucket, req.Scope.Prefix, string(req.Mode),
		int64(req.Schedule), unixNano(req.Since), string(model.JobRunning), r.now().UTC().UnixNano(),
	)
	if err != nil {
		return model.ClassificationJob{}, false, fmt.Errorf("insert job: %w", err)
	}
	n, _ := res.RowsAffected()

	job, err = r.scanOne(ctx, `WHERE token = ?`, req.Token)
	if err != nil {
		return model.ClassificationJob{}, false, err
	}
	return job, n == 1, nil
}

// Get 은 작업 ID 로 조회한다.
func (r *Registry) Get(ctx context.Context, id string) (model.ClassificationJob, error) {
	return r.scanOne(ctx, `WHERE id = ?`, id)
}

// SetStatus 는 작업 상태를 갱신한다.
func (r *Registry) SetStatus(ctx context.Context, id string, status model.JobStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return nil
}

// Running 은 RUNNING 상태로 남아있는 작업 (재기동 시 이어서 실행할 대상).
func (r *Registry) Running(ctx context.Context) ([]model.ClassificationJob, error) {
	return r.scanAll(ctx, `WHERE status = ? ORDER BY created_at`, string(model.JobRunning))
}

func (r *Registry) Close() error { return r.db.Close() }

const jobColumns = `SELECT id, token, bucket, prefix, mode, cadence, since, status, created_at FROM jobs `

func (r *Registry) scanOne(ctx context.Context, where string, args ...any) (model.ClassificationJob, error) {
	jobs, err := r.scanAll(ctx, where, args...)
	if err != nil {
		return model.ClassificationJob{}, err
	}
	if len(jobs) == 0 {
		return model.ClassificationJob{}, ErrUnknownJob
	}
	return jobs[0], nil
}

func (r *Registry) scanAll(ctx context.Context, where string, args ...any) ([]model.ClassificationJob, error) {
	rows, err := r.db.QueryContext(ctx, jobColumns+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ClassificationJob
	for rows.Next() {
		var (
			j                         model.ClassificationJob
			mode, status              string
			cadence, since, createdAt int64
		)
		if err := rows.Scan(&j.ID, &j.Token, &j.Scope.Bucket, &j.Scope.Prefix, &mode, &cadence, &since, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Mode = model.RunMode(mode)
		j.Cadence = time.Duration(cadence)
		if since > 0 {
			j.Since = time.Unix(0, since).UTC()
		}
		j.Status = model.JobStatus(status)
		j.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, j)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}
