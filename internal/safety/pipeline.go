// Package safety implements the bidirectional content pipeline that sits
// between the LLM and the outside world: size gate, leak detection,
// sanitization, structural validation, and policy evaluation. Tool output
// passes through before reaching the LLM context; LLM output and tool
// parameters are scanned again before leaving the host.
package safety

import (
	"fmt"

	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// Severity classifies a finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "critical"
	}
}

// Action is what the pipeline did about a finding.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionRedact
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionWarn:
		return "warn"
	case ActionRedact:
		return "redact"
	default:
		return "block"
	}
}

// Warning is one finding attached to a pipeline result.
type Warning struct {
	Stage    string
	Pattern  string
	Severity Severity
	Action   Action
}

// Result is the pipeline output. Blocked content is already replaced by
// the placeholder; callers never see the original.
type Result struct {
	Content     string
	Warnings    []Warning
	WasModified bool
	Terminal    Action // ActionAllow, ActionRedact or ActionBlock
}

// Blocked reports whether the content was replaced entirely.
func (r *Result) Blocked() bool { return r.Terminal == ActionBlock }

// BlockedPlaceholder replaces content the pipeline refused to pass.
const BlockedPlaceholder = "[content removed by safety policy]"

// Direction tags which way content is flowing.
type Direction int

const (
	// Inbound content comes from tools or channels toward the LLM.
	Inbound Direction = iota
	// Outbound content is LLM-generated text or tool parameters leaving
	// the host.
	Outbound
)

// Config parameterizes the pipeline.
type Config struct {
	MaxContentLength int
	// InjectionCheckEnabled is verified at startup; see New.
	InjectionCheckEnabled    bool
	AcknowledgeInjectionRisk bool
}

// Pipeline applies the five stages in order.
type Pipeline struct {
	cfg       Config
	leaks     *LeakDetector
	sanitizer *Sanitizer
	validator *Validator
	policy    *PolicyEngine
}

// New builds the pipeline. A config that disables injection checking is
// refused unless the acknowledgement flag is set; there is no way to turn
// a stage off after startup.
func New(cfg Config) (*Pipeline, error) {
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 262144
	}
	if !cfg.InjectionCheckEnabled && !cfg.AcknowledgeInjectionRisk {
		return nil, fmt.Errorf("injection checking cannot be disabled without explicit acknowledgement")
	}
	return &Pipeline{
		cfg:       cfg,
		leaks:     NewLeakDetector(),
		sanitizer: NewSanitizer(cfg.InjectionCheckEnabled),
		validator: NewValidator(),
		policy:    NewPolicyEngine(),
	}, nil
}

// Redactor exposes the leak detector's redaction for the logging layer.
func (p *Pipeline) Redactor() func(string) string {
	return p.leaks.Redact
}

// Process runs content through all five stages. Warnings are returned to
// the caller for logging; they are never embedded into LLM context.
func (p *Pipeline) Process(content string, dir Direction) Result {
	res := Result{Content: content, Terminal: ActionAllow}

	// Stage 1: size gate.
	if len(res.Content) > p.cfg.MaxContentLength {
		res.Content = res.Content[:p.cfg.MaxContentLength]
		res.WasModified = true
		res.Warnings = append(res.Warnings, Warning{
			Stage: "size", Pattern: "truncated", Severity: SeverityLow, Action: ActionWarn,
		})
	}

	// Stage 2: leak detection.
	leakRes := p.leaks.Scan(res.Content)
	for _, hit := range leakRes.Hits {
		res.Warnings = append(res.Warnings, Warning{
			Stage: "leak", Pattern: hit.Name, Severity: hit.Severity, Action: hit.Action,
		})
	}
	if leakRes.Block {
		logging.SafetyWarn("leak detector blocked content (%d hits, direction=%d)", len(leakRes.Hits), dir)
		res.Content = BlockedPlaceholder
		res.Terminal = ActionBlock
		res.WasModified = true
		return res
	}
	if leakRes.Redacted != res.Content && leakRes.Redacted != "" {
		res.Content = leakRes.Redacted
		res.WasModified = true
		res.Terminal = ActionRedact
	}

	// Stage 3: sanitizer. Inbound only; outbound text was produced by the
	// model from already-sanitized context.
	if dir == Inbound {
		sanRes := p.sanitizer.Sanitize(res.Content)
		if sanRes.Modified {
			res.WasModified = true
		}
		res.Content = sanRes.Content
		for _, f := range sanRes.Findings {
			res.Warnings = append(res.Warnings, Warning{
				Stage: "sanitize", Pattern: f.Pattern, Severity: f.Severity, Action: ActionWarn,
			})
		}
	}

	// Stage 4: validator.
	if verr := p.validator.Validate(res.Content); verr != nil {
		logging.SafetyWarn("validator rejected content: %v", verr)
		res.Warnings = append(res.Warnings, Warning{
			Stage: "validate", Pattern: verr.Error(), Severity: SeverityHigh, Action: ActionBlock,
		})
		res.Content = BlockedPlaceholder
		res.Terminal = ActionBlock
		res.WasModified = true
		return res
	}

	// Stage 5: policy.
	polRes := p.policy.Evaluate(res.Content)
	for _, hit := range polRes.Hits {
		res.Warnings = append(res.Warnings, Warning{
			Stage: "policy", Pattern: hit.Rule, Severity: hit.Severity, Action: hit.Action,
		})
	}
	switch {
	case polRes.Block:
		logging.SafetyWarn("policy blocked content (%d hits)", len(polRes.Hits))
		res.Content = BlockedPlaceholder
		res.Terminal = ActionBlock
		res.WasModified = true
	case polRes.Redacted != "":
		res.Content = polRes.Redacted
		res.WasModified = true
		if res.Terminal == ActionAllow {
			res.Terminal = ActionRedact
		}
	}
	return res
}

// ScanOutbound checks outbound content (tool parameters, proxy bodies) for
// credential shapes. Critical hits return ErrLeak so the caller refuses
// the transmission entirely.
func (p *Pipeline) ScanOutbound(content string) error {
	leakRes := p.leaks.Scan(content)
	for _, hit := range leakRes.Hits {
		if hit.Severity >= SeverityHigh {
			logging.SafetyWarn("outbound scan blocked transmission: %s", hit.Name)
			return fmt.Errorf("%w: %s", ErrLeak, hit.Name)
		}
	}
	return nil
}
