package router

import (
	"fmt"
	"net/url"
	"strings"

	"pii-sentinel/internal/model"

	json "github.com/goccy/go-json"
)

// RenderError 는 이벤트에 알림을 만들 필드가 없을 때. 재시도해도 결과가 같으므로 재시도하지 않는다.
type RenderError struct {
	EventID string
	Missing []string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render event %s: missing %s", e.EventID, strings.Join(e.Missing, ", "))
}

// RenderOptions 는 링크 생성에 필요한 값.
type RenderOptions struct {
	Region        string // 콘솔 링크 region
	IssueBoardURL string // "Create issue" 링크 (optional)
}

// Render 는 FindingEvent → AlertPayload. 부수 효과가 없다.
func Render(ev model.FindingEvent, opts RenderOptions) (model.AlertPayload, error) {
	var missing []string
	if ev.JobID == "" {
		missing = append(missing, "jobId")
	}
	if ev.Severity == "" {
		missing = append(missing, "severity")
	}
	if ev.FindingType == "" {
		missing = append(missing, "findingType")
	}
	if len(missing) > 0 {
		return model.AlertPayload{}, &RenderError{EventID: ev.ID, Missing: missing}
	}

	p := model.AlertPayload{
		Title:       "Sensitive data finding for job " + ev.JobID,
		Summary:     fmt.Sprintf("%s severity %s", ev.Severity, ev.FindingType),
		Severity:    ev.Severity,
		JobID:       ev.JobID,
		FindingType: ev.FindingType,
		Links:       []model.Link{{Label: "View findings", URL: ConsoleURL(opts.Region, ev.JobID)}},
	}
	if ev.ObjectKey != "" {
		p.Text = fmt.Sprintf("%d occurrence(s) in s3://%s/%s", max(ev.Count, 1), ev.Bucket, ev.ObjectKey)
	}
	if opts.IssueBoardURL != "" {
		p.Links = append(p.Links, model.Link{Label: "Create issue", URL: opts.IssueBoardURL})
	}
	return p, nil
}

// ConsoleURL 은 작업 ID 로 필터된 Macie 콘솔 finding 목록 링크.
func ConsoleURL(region, jobID string) string {
	if region == "" {
		region = "us-east-1"
	}
	search := url.QueryEscape("classificationDetails.jobId=" + jobID)
	return fmt.Sprintf("https://%s.console.aws.amazon.com/macie/home?region=%s#findings?tab=job&search=%s&macros=current",
		region, region, search)
}

// ------------------------------------------------------------
// 목적지 형식별 본문
// ------------------------------------------------------------

type messageCard struct {
	Type            string        `json:"@type"`
	Context         string        `json:"@context"`
	ThemeColor      string        `json:"themeColor"`
	Summary         string        `json:"summary"`
	Title           string        `json:"title"`
	Text            string        `json:"text"`
	Sections        []cardSection `json:"sections"`
	PotentialAction []cardAction  `json:"potentialAction"`
}

type cardSection struct {
	ActivityTitle string     `json:"activityTitle"`
	Text          string     `json:"text,omitempty"`
	Facts         []cardFact `json:"facts"`
	Markdown      bool       `json:"markdown"`
	StartGroup    bool       `json:"startGroup"`
}

type cardFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cardAction struct {
	Type    string       `json:"@type"`
	Name    string       `json:"name"`
	Targets []cardTarget `json:"targets"`
}

type cardTarget struct {
	OS  string `json:"os"`
	URI string `json:"uri"`
}

const cardText = "Sensitive data was detected in collected logs"

// Body 는 목적지 형식에 맞는 JSON 본문을 만든다.
func Body(format model.PayloadFormat, p model.AlertPayload) ([]byte, error) {
	if format != model.FormatMessageCard {
		return json.Marshal(p)
	}

	card := messageCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		ThemeColor: "ee0000",
		Summary:    p.Title,
		Title:      p.Title,
		Text:       cardText,
		Sections: []cardSection{{
			ActivityTitle: p.Summary,
			Text:          p.Text,
			Facts: []cardFact{
				{Name: "Job ID", Value: p.JobID},
				{Name: "Severity", Value: p.Severity},
				{Name: "Type", Value: p.FindingType},
			},
			Markdown:   true,
			StartGroup: true,
		}},
	}
	for _, l := range p.Links {
		card.PotentialAction = append(card.PotentialAction, cardAction{
			Type:    "OpenUri",
			Name:    l.Label,
			Targets: []cardTarget{{OS: "default", URI: l.URL}},
		})
	}
	return json.Marshal(card)
}
