package safety

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
)

// UntrustedBegin and UntrustedEnd are the machine-readable markers of the
// untrusted-content envelope wrapped around inputs carrying high-severity
// injection patterns.
const (
	UntrustedBegin = "<<<UNTRUSTED_CONTENT_BEGIN>>>"
	UntrustedEnd   = "<<<UNTRUSTED_CONTENT_END>>>"
)

// SanitizeFinding is one injection-pattern match.
type SanitizeFinding struct {
	Pattern  string
	Severity Severity
}

// SanitizeResult is the sanitizer stage output.
type SanitizeResult struct {
	Content  string
	Modified bool
	Findings []SanitizeFinding
}

// injection phrase library, matched after normalization. Phrases are
// lowercase; matching lowercases the haystack once.
var injectionPhrases = []struct {
	phrase   string
	severity Severity
}{
	{"ignore previous", SeverityHigh},
	{"ignore all previous", SeverityCritical},
	{"disregard your instructions", SeverityHigh},
	{"forget everything", SeverityHigh},
	{"you are now", SeverityMedium},
	{"act as", SeverityLow},
	{"pretend to be", SeverityMedium},
	{"new instructions", SeverityMedium},
	{"updated instructions", SeverityMedium},
	{"system:", SeverityHigh},
	{"assistant:", SeverityMedium},
	{"<|", SeverityHigh},
	{"|>", SeverityHigh},
	{"[inst]", SeverityHigh},
	{"[/inst]", SeverityHigh},
	{"```system", SeverityHigh},
}

// Regex patterns for structured attacks.
var injectionRegexes = []struct {
	name     string
	re       *regexp.Regexp
	severity Severity
}{
	{"role-hijack", regexp.MustCompile(`(?i)\b(?:you\s+are|act)\s+(?:now\s+)?(?:a|an|the)\s+(?:different|new|unrestricted)\b`), SeverityHigh},
	{"override-attempt", regexp.MustCompile(`(?i)\boverride\s+(?:all\s+)?(?:previous\s+)?(?:instructions|rules|constraints)\b`), SeverityCritical},
	{"encoded-payload", regexp.MustCompile(`(?i)(?:base64[:\s]+)?[A-Za-z0-9+/]{80,}={0,3}`), SeverityMedium},
	{"eval-call", regexp.MustCompile(`(?i)\beval\s*\(`), SeverityMedium},
	{"sudo-block", regexp.MustCompile("(?i)```\\w*\\s*\\n?\\s*sudo\\b"), SeverityHigh},
}

// Homoglyph table: Cyrillic letters visually identical to Latin, mapped
// where the substitution is unambiguous.
var confusables = map[rune]rune{
	'А': 'A', 'а': 'a',
	'В': 'B', 'в': 'b',
	'С': 'C', 'с': 'c',
	'Е': 'E', 'е': 'e',
	'Н': 'H', 'н': 'h',
	'К': 'K', 'к': 'k',
	'М': 'M', 'м': 'm',
	'О': 'O', 'о': 'o',
	'Р': 'P', 'р': 'p',
	'Т': 'T', 'т': 't',
	'Х': 'X', 'х': 'x',
	'У': 'Y', 'у': 'y',
}

// maxCombining bounds combining-mark chains; longer runs are an evasion
// or zalgo artifact either way.
const maxCombining = 3

var numericEntity = regexp.MustCompile(`&#x?[0-9a-fA-F]+;`)

// Sanitizer strips evasion encodings and detects prompt injection.
type Sanitizer struct {
	injectionEnabled bool
}

// NewSanitizer builds the sanitizer. injectionEnabled=false (which
// startup only accepts with the acknowledgement flag) skips the low and
// medium severity patterns; high and critical detection stays on no
// matter what, so one flag can never silently drop the whole defense.
func NewSanitizer(injectionEnabled bool) *Sanitizer {
	return &Sanitizer{injectionEnabled: injectionEnabled}
}

// Sanitize normalizes content and scans for injection patterns. High or
// critical findings wrap the content in the untrusted envelope.
func (s *Sanitizer) Sanitize(content string) SanitizeResult {
	res := SanitizeResult{}

	normalized := stripInvisible(content)
	normalized = foldConfusables(normalized)
	if decoded := decodeEntities(normalized); decoded != normalized {
		normalized = decoded
		// Re-strip after decoding: entities can encode the invisible
		// characters themselves.
		normalized = stripInvisible(normalized)
	}
	res.Modified = normalized != content
	res.Content = normalized

	lower := strings.ToLower(normalized)
	worst := SeverityLow
	for _, p := range injectionPhrases {
		if !s.injectionEnabled && p.severity < SeverityHigh {
			continue
		}
		if strings.Contains(lower, p.phrase) {
			res.Findings = append(res.Findings, SanitizeFinding{Pattern: p.phrase, Severity: p.severity})
			if p.severity > worst {
				worst = p.severity
			}
		}
	}
	for _, p := range injectionRegexes {
		if !s.injectionEnabled && p.severity < SeverityHigh {
			continue
		}
		if p.re.MatchString(normalized) {
			res.Findings = append(res.Findings, SanitizeFinding{Pattern: p.name, Severity: p.severity})
			if p.severity > worst {
				worst = p.severity
			}
		}
	}

	if len(res.Findings) > 0 && worst >= SeverityHigh {
		res.Content = fmt.Sprintf("%s\n%s\n%s", UntrustedBegin, res.Content, UntrustedEnd)
		res.Modified = true
	}
	return res
}

// stripInvisible removes zero-width and bidi-control code points and
// truncates combining-mark chains beyond the depth bound.
func stripInvisible(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	combining := 0
	for _, r := range s {
		switch r {
		case '​', '‌', '‍', '\uFEFF', // zero-width
			'‎', '‏', // LRM/RLM
			'‪', '‫', '‬', '‭', '‮', // embedding/override
			'⁦', '⁧', '⁨', '⁩': // isolates
			continue
		}
		if unicode.Is(unicode.Mn, r) {
			combining++
			if combining > maxCombining {
				continue
			}
		} else {
			combining = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}

// foldConfusables maps known homoglyphs to ASCII, including the fullwidth
// ASCII block.
func foldConfusables(s string) string {
	return strings.Map(func(r rune) rune {
		if mapped, ok := confusables[r]; ok {
			return mapped
		}
		// Fullwidth forms FF01-FF5E map directly onto ASCII 21-7E.
		if r >= '！' && r <= '～' {
			return rune(r - '！' + '!')
		}
		return r
	}, s)
}

// decodeEntities resolves numeric and named HTML/XML entities.
func decodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	if numericEntity.MatchString(s) || strings.Contains(s, "&#") ||
		strings.Contains(s, "&lt;") || strings.Contains(s, "&gt;") ||
		strings.Contains(s, "&amp;") || strings.Contains(s, "&quot;") {
		return html.UnescapeString(s)
	}
	return s
}
