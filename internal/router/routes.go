package router

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"

	"pii-sentinel/internal/credentials"
	"pii-sentinel/internal/model"

	"gopkg.in/yaml.v3"
)

// Routes 는 라우팅 규칙과 목적지 묶음. ROUTES_FILE(YAML) 또는 환경 변수로 구성된다.
type Routes struct {
	Destinations []model.Destination `yaml:"destinations"`
	Rules        []model.RoutingRule `yaml:"rules"`
}

// LoadRoutes 는 YAML 파일을 읽고 검증한다. 모르는 키는 오류다.
func LoadRoutes(path string) (Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, fmt.Errorf("read routes file: %w", err)
	}

	var r Routes
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Routes{}, fmt.Errorf("parse routes file %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return Routes{}, err
	}
	return r, nil
}

// Validate 는 기동 시점 검증. 잘못된 규칙은 모두 모아서 반환한다.
func (r *Routes) Validate() error {
	var errs []error
	names := make(map[string]bool, len(r.Destinations))

	for i := range r.Destinations {
		d := &r.Destinations[i]
		if d.Format == "" {
			d.Format = model.FormatAlert
		}
		if d.Auth == "" {
			d.Auth = model.AuthNone
		}

		if d.Name == "" {
			errs = append(errs, fmt.Errorf("destination #%d: empty name", i))
			continue
		}
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("destination %q: duplicate name", d.Name))
		}
		names[d.Name] = true

		if u, err := url.Parse(d.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("destination %q: endpoint must be an http(s) URL", d.Name))
		}
		switch d.Format {
		case model.FormatAlert, model.FormatMessageCard:
		default:
			errs = append(errs, fmt.Errorf("destination %q: unknown format %q", d.Name, d.Format))
		}
		switch d.Auth {
		case model.AuthNone:
		case model.AuthBasic:
			if d.Username == "" {
				errs = append(errs, fmt.Errorf("destination %q: basic auth requires username", d.Name))
			}
			if err := credentials.Validate(d.CredentialRef); err != nil {
				errs = append(errs, fmt.Errorf("destination %q: %w", d.Name, err))
			}
		default:
			errs = append(errs, fmt.Errorf("destination %q: unknown auth %q", d.Name, d.Auth))
		}
		if d.RatePerSecond < 0 {
			errs = append(errs, fmt.Errorf("destination %q: negative rate", d.Name))
		}
	}

	if len(r.Rules) == 0 {
		errs = append(errs, errors.New("routes: no rules"))
	}
	for i, rule := range r.Rules {
		label := rule.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if rule.Source == "" || rule.DetailType == "" {
			errs = append(errs, fmt.Errorf("rule %s: source and detail_type are required", label))
		}
		if !names[rule.Destination] {
			errs = append(errs, fmt.Errorf("rule %s: unknown destination %q", label, rule.Destination))
		}
	}

	return errors.Join(errs...)
}
