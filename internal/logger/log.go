// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"pii-sentinel/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
// Config 설정(환경변수)에 따라 '개발자용 화면' 또는 '운영용 JSON 로그'로
// 형태를 바꾸어 설정한다.
//
//  1. 로그 포맷: LOG_PRETTY=true 면 콘솔, 아니면 JSON (CloudWatch 검색용)
//  2. 공통 필드: service / instance / stage 를 모든 로그에 부착
//  3. 샘플링: Debug/Info 만 1/N 기록, Warn/Error 는 100% 기록
//
// 주의: 이 파이프라인 자체가 로그의 민감정보를 찾는 시스템이므로
// 로그에 credential / payload 원문을 남기지 않는다.
func Init(cfg config.Config) {
	zlog.Logger = New(cfg, os.Stdout)

	// 표준 라이브러리 log 도 zerolog 설정을 따르도록 연결
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// New 는 Init 과 같은 규칙으로 logger 를 만들어 반환한다 (전역 교체 없음).
func New(cfg config.Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	w := out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Str("stage", cfg.Stage).
		Logger()

	if cfg.LogSampleN > 1 {
		return base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}
	return base
}
