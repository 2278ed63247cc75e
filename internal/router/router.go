// Package router 는 분류 finding 이벤트를 규칙에 따라 외부 웹훅으로 보낸다 (Finding Router).
//
// 흐름: 이벤트 → 규칙 정확 일치 → Render → 목적지 형식 본문 → Dispatch(재시도) → 실패 시 dead-letter.
// 렌더링 실패는 재시도하지 않는다. 전달 실패는 지표 + error 로그 + dead-letter 로 남기고 자동 재전송하지 않는다.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"pii-sentinel/internal/config"
	"pii-sentinel/internal/metrics"
	"pii-sentinel/internal/model"

	"github.com/rs/zerolog/log"
)

// Sender 는 목적지 1곳으로 본문을 전달한다 (*Dispatcher).
type Sender interface {
	Send(ctx context.Context, dest model.Destination, body []byte) (int, error)
}

// DeadLetterSink 는 전달 실패 기록 저장소 (*DeadLetter).
type DeadLetterSink interface {
	Save(rec DeadRecord) error
}

// Router 는 규칙/목적지/렌더링 옵션을 묶는다.
type Router struct {
	rules      []model.RoutingRule
	dests      map[string]model.Destination
	render     RenderOptions
	sender     Sender
	deadLetter DeadLetterSink
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New 는 routes 를 검증하고 Router 를 만든다. deadLetter 는 nil 일 수 있다.
func New(routes Routes, opts RenderOptions, sender Sender, deadLetter DeadLetterSink, m *metrics.Metrics) (*Router, error) {
	if err := routes.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	dests := make(map[string]model.Destination, len(routes.Destinations))
	for _, d := range routes.Destinations {
		dests[d.Name] = d
	}
	return &Router{
		rules:      routes.Rules,
		dests:      dests,
		render:     opts,
		sender:     sender,
		deadLetter: deadLetter,
		metrics:    m,
		now:        time.Now,
	}, nil
}

// Handle 은 이벤트 1건을 일치하는 모든 규칙의 목적지로 보낸다.
//
// 오류는 ctx 취소일 때만 반환한다. 그 외 실패는 여기서 기록하고 끝나므로
// 상위 이벤트 소스가 같은 이벤트를 다시 전달하지 않는다.
func (r *Router) Handle(ctx context.Context, ev model.FindingEvent) error {
	atomic.AddInt64(&r.metrics.RouterEventsTotal, 1)

	var matched []model.RoutingRule
	for _, rule := range r.rules {
		if rule.Matches(ev) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		log.Debug().Str("event_id", ev.ID).Str("source", ev.Source).Str("detail_type", ev.DetailType).Msg("no matching rule")
		return nil
	}
	atomic.AddInt64(&r.metrics.RouterMatchedTotal, 1)

	payload, err := Render(ev, r.render)
	if err != nil {
		atomic.AddInt64(&r.metrics.RouterRenderErrorsTotal, 1)
		log.Error().Err(err).Str("event_id", ev.ID).Msg("cannot render finding event")
		return nil
	}

	for _, rule := range matched {
		if err := r.deliver(ctx, rule, ev, payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) deliver(ctx context.Context, rule model.RoutingRule, ev model.FindingEvent, payload model.AlertPayload) error {
	dest := r.dests[rule.Destination]

	body, err := Body(dest.Format, payload)
	if err != nil {
		atomic.AddInt64(&r.metrics.RouterRenderErrorsTotal, 1)
		log.Error().Err(err).Str("event_id", ev.ID).Str("destination", dest.Name).Msg("cannot encode alert body")
		return nil
	}

	attempts, err := r.sender.Send(ctx, dest, body)
	if err == nil {
		atomic.AddInt64(&r.metrics.RouterDeliveredTotal, 1)
		log.Info().Str("event_id", ev.ID).Str("job_id", ev.JobID).Str("destination", dest.Name).Int("attempts", attempts).Msg("finding delivered")
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	atomic.AddInt64(&r.metrics.RouterDeliveryFailuresTotal, 1)
	log.Error().Err(err).
		Str("event_id", ev.ID).
		Str("job_id", ev.JobID).
		Str("destination", dest.Name).
		Int("attempts", attempts).
		Msg("finding delivery failed; retries exhausted")

	if r.deadLetter != nil {
		rec := DeadRecord{
			Rule:        rule.Name,
			Destination: dest.Name,
			Endpoint:    dest.Endpoint,
			Event:       ev,
			Payload:     payload,
			Attempts:    attempts,
			LastError:   err.Error(),
			FailedAt:    r.now().UTC(),
		}
		if derr := r.deadLetter.Save(rec); derr != nil {
			log.Error().Err(derr).Str("event_id", ev.ID).Msg("dead-letter save failed")
		}
	}
	return nil
}

// DefaultRoutes 는 ROUTES_FILE 이 없을 때 환경 변수로 목적지 1곳과 규칙을 만든다.
// 로컬 스캐너 이벤트와 Macie 이벤트 모두 같은 목적지로 간다.
func DefaultRoutes(cfg *config.Config) Routes {
	auth := model.AuthNone
	if cfg.WebhookCredentialRef != "" {
		auth = model.AuthBasic
	}
	dest := model.Destination{
		Name:          "default",
		Endpoint:      cfg.WebhookURL,
		Format:        model.PayloadFormat(cfg.WebhookFormat),
		Auth:          auth,
		Username:      cfg.WebhookUsername,
		CredentialRef: cfg.WebhookCredentialRef,
	}

	rules := []model.RoutingRule{{
		Name:        "findings",
		Source:      cfg.FindingSource,
		DetailType:  cfg.FindingDetailType,
		Destination: dest.Name,
	}}
	if cfg.FindingSource != MacieSource || cfg.FindingDetailType != MacieDetailType {
		rules = append(rules, model.RoutingRule{
			Name:        "macie-findings",
			Source:      MacieSource,
			DetailType:  MacieDetailType,
			Destination: dest.Name,
		})
	}
	return Routes{Destinations: []model.Destination{dest}, Rules: rules}
}

// Macie 가 EventBridge 로 발행하는 finding 이벤트의 source / detail-type.
const (
	MacieSource     = "aws.macie"
	MacieDetailType = "Macie Finding"
)

// LoadOrDefault 는 path 가 있으면 YAML 을, 없으면 환경 변수 기본 규칙을 쓴다.
func LoadOrDefault(cfg *config.Config) (Routes, error) {
	if cfg.RoutesFile != "" {
		return LoadRoutes(cfg.RoutesFile)
	}
	r := DefaultRoutes(cfg)
	return r, r.Validate()
}
