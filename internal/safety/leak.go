package safety

import (
	"errors"
	"math"
	"net/url"
	"regexp"
	"strings"
)

// ErrLeak marks outbound content refused because it carries a credential.
var ErrLeak = errors.New("leak detected")

// LeakHit is one credential-shaped match.
type LeakHit struct {
	Name     string
	Severity Severity
	Action   Action
}

// LeakResult is the outcome of a scan.
type LeakResult struct {
	Hits     []LeakHit
	Redacted string
	Block    bool
}

// leakPattern pairs a compiled matcher with its classification.
type leakPattern struct {
	name     string
	re       *regexp.Regexp
	severity Severity
	action   Action
}

// The credential shape library. Prefix-style keys and private-key headers
// are critical and block; identifier-ish shapes only warn or redact.
var leakPatterns = []leakPattern{
	{"openai-key", regexp.MustCompile(`sk-(?:proj-)?[a-zA-Z0-9]{20,}`), SeverityCritical, ActionBlock},
	{"anthropic-key", regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{20,}`), SeverityCritical, ActionBlock},
	{"aws-access-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`), SeverityCritical, ActionBlock},
	{"google-api-key", regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`), SeverityCritical, ActionBlock},
	{"github-token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`), SeverityCritical, ActionBlock},
	{"slack-token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`), SeverityCritical, ActionBlock},
	{"private-key-pem", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`), SeverityCritical, ActionBlock},
	{"jwt", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`), SeverityHigh, ActionRedact},
	{"bearer-token", regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-._~+/]{20,}=*`), SeverityHigh, ActionRedact},
	{"database-url", regexp.MustCompile(`(?i)(?:postgres|postgresql|mysql|mongodb(?:\+srv)?|redis)://[^\s:@/]+:[^\s@/]+@[^\s/]+`), SeverityHigh, ActionRedact},
	{"basic-auth-url", regexp.MustCompile(`(?i)https?://[^\s:@/]+:[^\s@/]+@`), SeverityMedium, ActionRedact},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), SeverityLow, ActionWarn},
}

// Contextual high-entropy sequences: long hex or base64 runs that follow a
// credential-ish name. The name match is case-insensitive and tolerates
// separators.
var entropyContext = regexp.MustCompile(`(?i)(?:api[_-]?key|secret|token|password|credential)[\s"':=]+([A-Za-z0-9+/_\-]{32,}={0,2})`)

// Standalone runs only count when entropy is high enough to rule out
// ordinary words (hex digests, base64 blobs).
var hexRun = regexp.MustCompile(`\b[0-9a-fA-F]{40,}\b`)

// Header and URL-parameter names scanned case-insensitively. Values are
// percent-decoded before matching so %73k-... does not slip through.
var sensitiveParams = map[string]bool{
	"authorization": true, "x-api-key": true, "api_key": true, "apikey": true,
	"access_token": true, "token": true, "secret": true, "password": true,
}

// LeakDetector scans content for credential shapes.
type LeakDetector struct{}

// NewLeakDetector builds the detector with the fixed pattern library.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

// Scan classifies every hit and produces a redacted rendering. Block wins
// over redact; warn-only hits leave the content unchanged.
func (d *LeakDetector) Scan(content string) LeakResult {
	res := LeakResult{Redacted: content}

	scan := func(text string, record bool) {
		for _, p := range leakPatterns {
			if !p.re.MatchString(text) {
				continue
			}
			if record {
				res.Hits = append(res.Hits, LeakHit{Name: p.name, Severity: p.severity, Action: p.action})
			}
			switch p.action {
			case ActionBlock:
				res.Block = true
			case ActionRedact:
				res.Redacted = p.re.ReplaceAllString(res.Redacted, "[REDACTED:"+p.name+"]")
			}
		}
	}

	scan(content, true)

	// Percent-decoded pass catches URL-encoded smuggling. Redaction of the
	// decoded form cannot be mapped back to the original, so decoded hits
	// escalate to block.
	if decoded, err := url.QueryUnescape(content); err == nil && decoded != content {
		before := len(res.Hits)
		scan(decoded, true)
		if len(res.Hits) > before {
			res.Block = true
		}
	}

	// Contextual entropy pass.
	for _, m := range entropyContext.FindAllStringSubmatch(content, -1) {
		if shannonEntropy(m[1]) >= 3.5 {
			res.Hits = append(res.Hits, LeakHit{Name: "high-entropy-value", Severity: SeverityHigh, Action: ActionRedact})
			res.Redacted = strings.ReplaceAll(res.Redacted, m[1], "[REDACTED:entropy]")
		}
	}
	for _, m := range hexRun.FindAllString(content, -1) {
		if shannonEntropy(m) >= 3.0 {
			res.Hits = append(res.Hits, LeakHit{Name: "hex-run", Severity: SeverityMedium, Action: ActionWarn})
		}
	}

	// Header/parameter scan: name=value and Name: value forms.
	res.scanParams(content)

	if res.Block {
		res.Redacted = ""
	}
	return res
}

var paramPair = regexp.MustCompile(`(?i)([A-Za-z0-9_\-]+)\s*[:=]\s*([^\s&;,]+)`)

func (r *LeakResult) scanParams(content string) {
	for _, m := range paramPair.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(m[1])
		if !sensitiveParams[name] {
			continue
		}
		value := m[2]
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		if len(value) >= 16 && shannonEntropy(value) >= 3.0 {
			r.Hits = append(r.Hits, LeakHit{Name: "sensitive-param:" + name, Severity: SeverityHigh, Action: ActionRedact})
			r.Redacted = strings.ReplaceAll(r.Redacted, m[2], "[REDACTED:param]")
		}
	}
}

// Redact returns content with every redactable credential shape replaced.
// Used by the logging layer; never blocks.
func (d *LeakDetector) Redact(content string) string {
	out := content
	for _, p := range leakPatterns {
		if p.action == ActionBlock || p.action == ActionRedact {
			out = p.re.ReplaceAllString(out, "[REDACTED:"+p.name+"]")
		}
	}
	for _, m := range entropyContext.FindAllStringSubmatch(out, -1) {
		if shannonEntropy(m[1]) >= 3.5 {
			out = strings.ReplaceAll(out, m[1], "[REDACTED:entropy]")
		}
	}
	return out
}

// shannonEntropy computes bits per character over the byte distribution.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	var h float64
	n := float64(len(s))
	for _, c := range freq {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
