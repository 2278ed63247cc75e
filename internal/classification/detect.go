package classification

import (
	"regexp"
	"sort"
	"strings"
)

// Severity 는 Macie 와 같은 3단계.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "High"
	case SeverityMedium:
		return "Medium"
	default:
		return "Low"
	}
}

// Category 는 finding type 의 분류 (SensitiveData:S3Object/<Category>).
type Category string

const (
	CategoryPersonal    Category = "Personal"
	CategoryFinancial   Category = "Financial"
	CategoryCredentials Category = "Credentials"
	CategoryMultiple    Category = "Multiple"
)

// Detector 는 정규식 + (선택) 검증 함수.
type Detector struct {
	Name     string
	Category Category
	Severity Severity
	Regex    *regexp.Regexp
	Validate func(match string) bool
}

// DefaultDetectors 는 기본 탐지기 목록.
var DefaultDetectors = []Detector{
	{
		Name:     "email",
		Category: CategoryPersonal,
		Severity: SeverityLow,
		Regex:    regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`),
	},
	{
		Name:     "phone_us",
		Category: CategoryPersonal,
		Severity: SeverityLow,
		Regex:    regexp.MustCompile(`\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`),
	},
	{
		Name:     "ssn_us",
		Category: CategoryPersonal,
		Severity: SeverityHigh,
		Regex:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		Name:     "credit_card",
		Category: CategoryFinancial,
		Severity: SeverityHigh,
		Regex:    regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		Validate: luhn,
	},
	{
		Name:     "aws_access_key",
		Category: CategoryCredentials,
		Severity: SeverityHigh,
		Regex:    regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	},
	{
		Name:     "api_key",
		Category: CategoryCredentials,
		Severity: SeverityMedium,
		Regex:    regexp.MustCompile(`(?i)\b(?:api[-_]?key|access[-_]?key|token)[-_]?[=:]\s*["']?[a-zA-Z0-9_\-.=+/]{16,}["']?`),
	},
	{
		Name:     "password",
		Category: CategoryCredentials,
		Severity: SeverityMedium,
		Regex:    regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)[-_]?[=:]\s*["']?[^\s"']{6,}["']?`),
	},
}

// Result 는 한 오브젝트(또는 텍스트)에 대한 탐지 결과 집계.
type Result struct {
	Counts map[string]int
	cats   map[Category]struct{}
	sev    Severity
}

func newResult() *Result {
	return &Result{Counts: make(map[string]int), cats: make(map[Category]struct{})}
}

// Total 은 전체 탐지 건수.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Severity 는 탐지된 것 중 가장 높은 심각도.
func (r *Result) Severity() Severity { return r.sev }

// FindingType 은 Macie 형식의 finding type.
func (r *Result) FindingType() string {
	cat := CategoryMultiple
	if len(r.cats) == 1 {
		for c := range r.cats {
			cat = c
		}
	}
	return "SensitiveData:S3Object/" + string(cat)
}

// Names 는 탐지된 탐지기 이름 (정렬됨).
func (r *Result) Names() []string {
	out := make([]string, 0, len(r.Counts))
	for n := range r.Counts {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Scanner 는 탐지기 묶음.
type Scanner struct {
	detectors []Detector
}

func NewScanner(detectors []Detector) *Scanner {
	if len(detectors) == 0 {
		detectors = DefaultDetectors
	}
	return &Scanner{detectors: detectors}
}

// Scan 은 text 를 검사해 res 에 누적한다.
func (s *Scanner) Scan(text string, res *Result) {
	for _, d := range s.detectors {
		for _, m := range d.Regex.FindAllString(text, -1) {
			if d.Validate != nil && !d.Validate(m) {
				continue
			}
			res.Counts[d.Name]++
			res.cats[d.Category] = struct{}{}
			if d.Severity > res.sev {
				res.sev = d.Severity
			}
		}
	}
}

// ScanText 는 단일 문자열 결과.
func (s *Scanner) ScanText(text string) *Result {
	res := newResult()
	s.Scan(text, res)
	return res
}

// luhn 은 카드 번호 체크섬 검증.
func luhn(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
