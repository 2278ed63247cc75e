package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 파이프라인 상태를 나타내는 카운터 모음이다.
// Prometheus 용이 아니라 운영자가 장애 원인을 볼 때 쓰는 내부 카운터이며,
// 재시도 예산이 소진된 실패는 모두 여기와 error 로그에 동시에 드러난다.
type Metrics struct {
	// ======================
	// HTTP ingest
	// ======================

	// HTTPRequestsTotal
	// - /ingest 로 들어온 요청 수 (메서드 검사 통과 기준).
	HTTPRequestsTotal int64

	// HTTPRecordsAcceptedTotal
	// - 요청 body 에서 분리되어 버퍼에 들어간 레코드(줄) 수.
	HTTPRecordsAcceptedTotal int64

	// HTTPRejectedBodyTooLargeTotal
	// - MaxBodySize 초과로 413 을 반환한 요청 수.
	HTTPRejectedBodyTooLargeTotal int64

	// HTTPRejectedSaturatedTotal
	// - 버퍼 포화로 503 을 반환한 요청 수.
	HTTPRejectedSaturatedTotal int64

	// ======================
	// Log Buffer
	// ======================

	// BufferAppendedTotal
	// - durable 하게 enqueue 된 레코드 수 (Append 가 nil 을 반환한 횟수).
	BufferAppendedTotal int64

	// BufferSaturatedTotal
	// - 버퍼가 가득 차 ErrBufferSaturated 로 거절된 Append 수.
	// - 지속 증가 = Sink 가 스토리지 쓰기를 따라가지 못한다는 신호.
	BufferSaturatedTotal int64

	// BufferDepth
	// - 아직 consumed offset 이 전진하지 않은 레코드 수 (gauge).
	BufferDepth int64

	// ======================
	// Batch Delivery Sink
	// ======================

	// SinkFlushesTotal
	// - 스토리지에 성공적으로 기록된 배치(오브젝트) 수.
	SinkFlushesTotal int64

	// SinkRecordsStoredTotal
	// - 성공 저장된 레코드 수 ("배치 수"가 아니라 "레코드 수").
	SinkRecordsStoredTotal int64

	// SinkPutErrorsTotal
	// - PutObject 실패 "시도(attempt)" 횟수. 재시도마다 증가한다.
	SinkPutErrorsTotal int64

	// SinkHeldBatchesTotal
	// - 재시도 예산 소진으로 보류(hold)된 배치 횟수.
	// - 보류된 배치는 버리지 않고 다음 trigger 에서 다시 flush 한다.
	SinkHeldBatchesTotal int64

	// ======================
	// Classification Scheduler
	// ======================

	SchedulerTicksTotal          int64
	SchedulerJobsSubmittedTotal  int64
	SchedulerOverlapSkippedTotal int64
	SchedulerOverlapQueuedTotal  int64
	SchedulerSubmitRetriesTotal  int64
	SchedulerSubmitFailuresTotal int64

	// ======================
	// Classification (local scanner)
	// ======================

	ClassifierObjectsScannedTotal int64
	ClassifierFindingsTotal       int64
	ClassifierObjectErrorsTotal   int64

	// ClassifierDuplicateTokensTotal
	// - 이미 존재하는 token 으로 들어온 CreateJob 수 (재시도/replay 가 흡수된 횟수).
	ClassifierDuplicateTokensTotal int64

	// ======================
	// Finding Router
	// ======================

	RouterEventsTotal           int64
	RouterMatchedTotal          int64
	RouterRenderErrorsTotal     int64
	RouterDispatchAttemptsTotal int64
	RouterDeliveredTotal        int64

	// RouterDeliveryFailuresTotal
	// - 모든 재시도 후에도 전달 실패한 알림 수.
	// - 0 이 아니면 외부 웹훅이 장시간 다운되었을 가능성이 높다.
	RouterDeliveryFailuresTotal int64

	DeadLetterFilesCurrent int64
	DeadLetterSizeBytes    int64
	DeadLetterDroppedTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	write := func(name string, v *int64) {
		fmt.Fprintf(&sb, "%s=%d\n", name, atomic.LoadInt64(v))
	}

	write("http_requests_total", &m.HTTPRequestsTotal)
	write("http_records_accepted_total", &m.HTTPRecordsAcceptedTotal)
	write("http_rejected_body_too_large_total", &m.HTTPRejectedBodyTooLargeTotal)
	write("http_rejected_saturated_total", &m.HTTPRejectedSaturatedTotal)

	write("buffer_appended_total", &m.BufferAppendedTotal)
	write("buffer_saturated_total", &m.BufferSaturatedTotal)
	write("buffer_depth", &m.BufferDepth)

	write("sink_flushes_total", &m.SinkFlushesTotal)
	write("sink_records_stored_total", &m.SinkRecordsStoredTotal)
	write("sink_put_errors_total", &m.SinkPutErrorsTotal)
	write("sink_held_batches_total", &m.SinkHeldBatchesTotal)

	write("scheduler_ticks_total", &m.SchedulerTicksTotal)
	write("scheduler_jobs_submitted_total", &m.SchedulerJobsSubmittedTotal)
	write("scheduler_overlap_skipped_total", &m.SchedulerOverlapSkippedTotal)
	write("scheduler_overlap_queued_total", &m.SchedulerOverlapQueuedTotal)
	write("scheduler_submit_retries_total", &m.SchedulerSubmitRetriesTotal)
	write("scheduler_submit_failures_total", &m.SchedulerSubmitFailuresTotal)

	write("classifier_objects_scanned_total", &m.ClassifierObjectsScannedTotal)
	write("classifier_findings_total", &m.ClassifierFindingsTotal)
	write("classifier_object_errors_total", &m.ClassifierObjectErrorsTotal)
	write("classifier_duplicate_tokens_total", &m.ClassifierDuplicateTokensTotal)

	write("router_events_total", &m.RouterEventsTotal)
	write("router_matched_total", &m.RouterMatchedTotal)
	write("router_render_errors_total", &m.RouterRenderErrorsTotal)
	write("router_dispatch_attempts_total", &m.RouterDispatchAttemptsTotal)
	write("router_delivered_total", &m.RouterDeliveredTotal)
	write("router_delivery_failures_total", &m.RouterDeliveryFailuresTotal)

	write("dead_letter_files_current", &m.DeadLetterFilesCurrent)
	write("dead_letter_size_bytes", &m.DeadLetterSizeBytes)
	write("dead_letter_dropped_total", &m.DeadLetterDroppedTotal)

	return sb.String()
}
