package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/buffer"
	"pii-sentinel/internal/config"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"
	"pii-sentinel/internal/pool"

	"github.com/rs/zerolog/log"
)

// Appender 는 레코드를 durable 하게 받아두는 쪽 (*buffer.Buffer).
type Appender interface {
	Append(ctx context.Context, rec model.LogRecord) error
}

type Handler struct {
	cfg     config.Config
	metrics *metrics.Metrics
	buf     Appender
	now     func() time.Time
}

func NewHandler(cfg config.Config, m *metrics.Metrics, buf Appender) *Handler {
	return &Handler{
		cfg:     cfg,
		metrics: m,
		buf:     buf,
		now:     time.Now,
	}
}

// Routes 는 /ingest, /metrics, /health 를 등록한 mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", h.HandleIngest)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// HandleIngest
//
// POST body 의 비어 있지 않은 줄 하나가 LogRecord 하나다.
//
//  1. 요청 길이 제한(MaxBodySize) → 413
//  2. BodyPool 기반 메모리 재사용
//  3. 줄마다 buffer.Append (durable 하게 기록된 후 반환)
//  4. 버퍼 포화 → 503, 나머지 → 202
//
// 503 응답에도 X-Accepted-Records 로 이미 받아들인 앞쪽 줄 수를 알려준다.
// 클라이언트는 그 다음 줄부터 다시 보내면 된다.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	atomic.AddInt64(&h.metrics.HTTPRequestsTotal, 1)

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.cfg.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			atomic.AddInt64(&h.metrics.HTTPRejectedBodyTooLargeTotal, 1)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	source := recordSource(r)
	ts := h.now().UTC()
	accepted := 0

	data := buf.Bytes()
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		rec := model.LogRecord{
			Ts:      ts,
			Source:  source,
			Payload: append([]byte(nil), line...), // buf 는 풀로 돌아간다
		}
		if err := h.buf.Append(r.Context(), rec); err != nil {
			w.Header().Set("X-Accepted-Records", strconv.Itoa(accepted))
			if errors.Is(err, buffer.ErrBufferSaturated) || errors.Is(err, buffer.ErrClosed) {
				atomic.AddInt64(&h.metrics.HTTPRejectedSaturatedTotal, 1)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			log.Error().Err(err).Str("source", source).Msg("buffer append failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		accepted++
		atomic.AddInt64(&h.metrics.HTTPRecordsAcceptedTotal, 1)
	}

	w.Header().Set("X-Accepted-Records", strconv.Itoa(accepted))
	w.WriteHeader(http.StatusAccepted)
}

// HandleMetrics 는 내부 카운터를 text 로 출력한다.
func (h *Handler) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.metrics.String())
}
