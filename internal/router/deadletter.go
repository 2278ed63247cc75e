package router

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// DeadRecord 는 모든 재시도 후에도 전달하지 못한 알림 1건.
type DeadRecord struct {
	Rule        string             `json:"rule"`
	Destination string             `json:"destination"`
	Endpoint    string             `json:"endpoint"`
	Event       model.FindingEvent `json:"event"`
	Payload     model.AlertPayload `json:"payload"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error"`
	FailedAt    time.Time          `json:"failed_at"`
}

// DeadLetter 는 전달 실패 알림을 로컬 디스크에 남긴다. 운영자 확인용이며 자동 재전송하지 않는다.
//
//   - 파일명: "<unix>_<instance>_<counter>.json.gz" (문자열 정렬 = 시간 정렬)
//   - 메타:   같은 이름 + ".meta.json" (destination / attempts)
//   - 용량:   MaxBytes 초과 시 가장 오래된 파일부터 삭제
//   - TTL:    파일명 prefix 의 unix 시각 기준, MaxAge 초과 시 Sweep 에서 삭제
type DeadLetter struct {
	dir      string
	instance string
	maxBytes int64
	maxAge   time.Duration
	metrics  *metrics.Metrics

	counter   uint64
	sizeBytes int64
	now       func() time.Time
}

// NewDeadLetter 는 디렉터리를 준비하고 기존 파일을 스캔해 크기/개수를 복원한다.
// data 없이 남은 meta 파일은 정리한다.
func NewDeadLetter(dir, instance string, maxBytes int64, maxAge time.Duration, m *metrics.Metrics) (*DeadLetter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("dead-letter dir: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}
	d := &DeadLetter{dir: dir, instance: instance, maxBytes: maxBytes, maxAge: maxAge, metrics: m, now: time.Now}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan dead-letter dir: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".meta.json") {
			if _, err := os.Stat(filepath.Join(dir, strings.TrimSuffix(name, ".meta.json"))); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(dir, name))
			}
			continue
		}
		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	d.sizeBytes = total
	atomic.StoreInt64(&m.DeadLetterSizeBytes, total)
	atomic.StoreInt64(&m.DeadLetterFilesCurrent, count)
	return d, nil
}

// Save 는 레코드 1건을 gzip JSON 으로 기록한다.
func (d *DeadLetter) Save(rec DeadRecord) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(rec); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	size := int64(buf.Len())
	if !d.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Str("destination", rec.Destination).Msg("dead-letter full; dropping record")
		atomic.AddInt64(&d.metrics.DeadLetterDroppedTotal, 1)
		return nil
	}

	name := d.newFilename()
	dataPath := filepath.Join(d.dir, name)
	if err := os.WriteFile(dataPath, buf.Bytes(), 0o600); err != nil {
		return err
	}
	meta := []byte(fmt.Sprintf(`{"destination":%q,"attempts":%d}`, rec.Destination, rec.Attempts))
	_ = os.WriteFile(dataPath+".meta.json", meta, 0o600)

	atomic.AddInt64(&d.sizeBytes, size)
	atomic.AddInt64(&d.metrics.DeadLetterSizeBytes, size)
	atomic.AddInt64(&d.metrics.DeadLetterFilesCurrent, 1)
	return nil
}

// List 는 레코드 파일 이름을 오래된 순으로 반환한다.
func (d *DeadLetter) List() []string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".meta.json") || name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

// Read 는 레코드 1건을 읽는다.
func (d *DeadLetter) Read(name string) (DeadRecord, error) {
	f, err := os.Open(filepath.Join(d.dir, name))
	if err != nil {
		return DeadRecord{}, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return DeadRecord{}, fmt.Errorf("dead-letter %s: %w", name, err)
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return DeadRecord{}, fmt.Errorf("dead-letter %s: %w", name, err)
	}
	var rec DeadRecord
	if err := json.Unmarshal(bytes.TrimSpace(line), &rec); err != nil {
		return DeadRecord{}, fmt.Errorf("dead-letter %s: %w", name, err)
	}
	return rec, nil
}

// Sweep 은 MaxAge 를 넘긴 파일을 삭제하고 삭제 수를 반환한다.
func (d *DeadLetter) Sweep() int {
	if d.maxAge <= 0 {
		return 0
	}
	nowSec := d.now().Unix()
	removed := 0
	for _, name := range d.List() {
		sec, ok := extractUnixFromFilename(name)
		if !ok {
			continue
		}
		age := time.Duration(nowSec-sec) * time.Second
		if age <= d.maxAge {
			// 정렬되어 있으므로 이후 파일은 모두 더 새롭다.
			break
		}
		d.remove(name)
		removed++
		log.Info().Str("file", name).Dur("age", age).Msg("dead-letter record expired")
	}
	return removed
}

// ensureCapacity 는 maxBytes 를 넘지 않도록 가장 오래된 파일부터 삭제한다.
// 더 지울 파일이 없으면 false.
func (d *DeadLetter) ensureCapacity(incoming int64) bool {
	if d.maxBytes <= 0 {
		return true
	}
	for atomic.LoadInt64(&d.sizeBytes)+incoming > d.maxBytes {
		files := d.List()
		if len(files) == 0 {
			return false
		}
		d.remove(files[0])
		log.Warn().Str("file", files[0]).Msg("dead-letter capacity; removed oldest")
	}
	return true
}

func (d *DeadLetter) remove(name string) {
	dataPath := filepath.Join(d.dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.sizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DeadLetterSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + ".meta.json")
	atomic.AddInt64(&d.metrics.DeadLetterFilesCurrent, -1)
}

func (d *DeadLetter) newFilename() string {
	n := atomic.AddUint64(&d.counter, 1)
	return fmt.Sprintf("%d_%s_%06d.json.gz", d.now().Unix(), d.instance, n)
}

// extractUnixFromFilename 은 "<unix>_<instance>_<counter>.json.gz" 에서 unix 초를 읽는다.
func extractUnixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
