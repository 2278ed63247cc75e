package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/envelope"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Line 은 스토리지 오브젝트 안의 JSONL 한 줄.
// UTF-8 payload 는 Message 에 문자열로, 그 밖의 바이트열은 Raw 에 base64 로 기록한다.
// JSON 문자열로 쓰면 잘못된 바이트가 U+FFFD 로 바뀌기 때문.
type Line struct {
	Seq     int64     `json:"seq"`
	Ts      time.Time `json:"ts"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Raw     []byte    `json:"raw,omitempty"`
}

// Payload 는 수집된 원본 바이트.
func (l Line) Payload() []byte {
	if l.Raw != nil {
		return l.Raw
	}
	return []byte(l.Message)
}

// Text 는 스캐너에 넘길 문자열.
func (l Line) Text() string {
	if l.Raw != nil {
		return string(l.Raw)
	}
	return l.Message
}

// batchEncoder 는 열린 배치 하나를 JSONL → gzip 스트림으로 점진 인코딩한다.
//
// 레코드가 들어올 때마다 gzip writer 에 바로 쓰기 때문에,
// 배치 크기(Size)는 "지금까지 압축되어 나온 바이트 수" 이다.
// deflate 블록 단위로 증가하므로 임계치 판정은 블록 크기만큼의 오차를 가진다.
type batchEncoder struct {
	buf *bytes.Buffer
	gz  *gzip.Writer
	enc *json.Encoder

	records  int
	firstSeq int64
	lastSeq  int64
	opened   time.Time
}

func newBatchEncoder(now time.Time) *batchEncoder {
	// 배치 결과 버퍼는 최대 BatchMaxBytes 까지 커지므로 풀을 쓰지 않는다.
	buf := bytes.NewBuffer(make([]byte, 0, 64*1024))

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	return &batchEncoder{
		buf:    buf,
		gz:     gz,
		enc:    json.NewEncoder(gz),
		opened: now,
	}
}

// Add 는 레코드 한 줄을 인코딩한다. 호출 순서 = 오브젝트 안의 줄 순서.
func (e *batchEncoder) Add(ent buffer.Entry) error {
	l := Line{Seq: ent.Seq, Ts: ent.Record.Ts, Source: ent.Record.Source}
	if p := ent.Record.Payload; utf8.Valid(p) {
		l.Message = string(p)
	} else {
		l.Raw = p
	}
	if err := e.enc.Encode(l); err != nil {
		return err
	}
	if e.records == 0 {
		e.firstSeq = ent.Seq
	}
	e.lastSeq = ent.Seq
	e.records++
	return nil
}

// Size 는 지금까지 압축된 바이트 수.
func (e *batchEncoder) Size() int { return e.buf.Len() }

// Close 는 gzip footer 까지 기록하고 결과를 반환한다.
// gzip.Writer 는 풀로 돌려보낸다.
func (e *batchEncoder) Close() ([]byte, error) {
	err := e.gz.Close()
	pool.GzipPool.Put(e.gz)
	e.gz = nil
	if err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// ------------------------------------------------------------
// 읽기 경로 (분류 스캐너, 테스트)
// ------------------------------------------------------------

// OpenObject 는 오브젝트를 복호화 → gzip 해제 → JSONL 파싱한다.
func OpenObject(ctx context.Context, sealer *envelope.Sealer, obj model.StorageObject) ([]Line, error) {
	var lines []Line
	err := WalkObject(ctx, sealer, obj, func(l Line) error {
		lines = append(lines, l)
		return nil
	})
	return lines, err
}

// WalkObject 는 오브젝트의 각 줄에 fn 을 호출한다.
func WalkObject(ctx context.Context, sealer *envelope.Sealer, obj model.StorageObject, fn func(Line) error) error {
	sealed, err := envelope.FromObject(obj)
	if err != nil {
		return err
	}
	plain, err := sealer.Open(ctx, sealed)
	if err != nil {
		return fmt.Errorf("open %s: %w", obj.Key, err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(plain))
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", obj.Key, err)
	}
	defer gz.Close()

	// 압축 해제 결과는 풀 버퍼에 모은다. 줄 단위 디코딩은 값을 복사하므로 반환 후 재사용해도 안전하다.
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if _, err := io.Copy(buf, gz); err != nil {
		return fmt.Errorf("gunzip %s: %w", obj.Key, err)
	}

	data := buf.Bytes()
	for len(data) > 0 {
		raw := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			raw, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("decode line in %s: %w", obj.Key, err)
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}
