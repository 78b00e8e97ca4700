package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity classifies how serious a finding is. The order is total:
// Info < Warn < Alert < Critical < Lockdown. Comparisons on Severity
// drive the graduated response logic in the engine and the response
// handler.
type Severity int

const (
	// SeverityInfo is for informational findings that never block.
	SeverityInfo Severity = iota

	// SeverityWarn is for findings that should be reviewed but allow
	// the decision to proceed.
	SeverityWarn

	// SeverityAlert allows the decision but requires a second approver
	// downstream before the caller may proceed.
	SeverityAlert

	// SeverityCritical denies the decision unless a valid emergency
	// override is attached.
	SeverityCritical

	// SeverityLockdown denies unconditionally. Overrides cannot bypass
	// a lockdown finding.
	SeverityLockdown
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityWarn:     "warn",
	SeverityAlert:    "alert",
	SeverityCritical: "critical",
	SeverityLockdown: "lockdown",
}

var severityValues = map[string]Severity{
	"info":     SeverityInfo,
	"warn":     SeverityWarn,
	"alert":    SeverityAlert,
	"critical": SeverityCritical,
	"lockdown": SeverityLockdown,
}

// String returns the lowercase name of the severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a severity name to its Severity value. Names
// are matched case-insensitively, so manifests and rule results may
// use either "critical" or "CRITICAL".
func ParseSeverity(name string) (Severity, error) {
	if s, ok := severityValues[strings.ToLower(name)]; ok {
		return s, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity: %q", name)
}

// Blocks reports whether a finding at this severity denies the decision
// on the non-override path.
func (s Severity) Blocks() bool {
	return s >= SeverityCritical
}

// Overridable reports whether an emergency override can bypass a denial
// at this severity. Lockdown findings are never overridable.
func (s Severity) Overridable() bool {
	return s == SeverityCritical
}

// MaxSeverity returns the higher of the two severities.
func MaxSeverity(a, b Severity) Severity {
	if a > b {
		return a
	}
	return b
}

// MarshalJSON encodes the severity as its string name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity from its string name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the severity as its string name.
func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML decodes a severity from its string name.
func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Finding is a single triggered rule result.
type Finding struct {
	// RuleID is the name of the rule that produced the finding.
	RuleID string `json:"rule_id"`

	// Code is a stable machine-readable reason code.
	Code string `json:"code"`

	// Severity classifies the finding.
	Severity Severity `json:"severity"`

	// Message is a human-readable description of the finding.
	Message string `json:"message"`

	// Remediation suggests how to clear the finding, when known.
	Remediation string `json:"remediation,omitempty"`
}

// Verdict is the immutable output of one policy evaluation. It is
// persisted verbatim into the decision log.
type Verdict struct {
	// DecisionID uniquely identifies this evaluation.
	DecisionID string `json:"decision_id"`

	// RequestID is the request id from the evaluation context.
	RequestID string `json:"request_id"`

	// Allowed reports whether the decision may proceed. An overridden
	// denial counts as allowed.
	Allowed bool `json:"allowed"`

	// Overridden reports whether an emergency override superseded a
	// denial.
	Overridden bool `json:"overridden"`

	// OverrideID references the consumed override, when one applied.
	OverrideID string `json:"override_id,omitempty"`

	// Severity is the maximum severity across all findings.
	Severity Severity `json:"severity"`

	// Reasons lists every triggered finding, in evaluation order.
	Reasons []Finding `json:"reasons,omitempty"`

	// EvaluatedRules lists the ids of all rules that were evaluated.
	EvaluatedRules []string `json:"evaluated_rules"`

	// Bundle identifies the rule bundle version that produced the
	// verdict.
	Bundle string `json:"bundle"`

	// EvaluatedAt is the evaluation-context timestamp, not wall clock.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Elapsed is how long the evaluation took.
	Elapsed time.Duration `json:"elapsed"`
}

// RegoRule is a rule written in Rego, evaluated through the embedded
// OPA runtime. The module's deny and warn sets yield findings.
type RegoRule struct {
	// Name is the unique rule name within a bundle.
	Name string `json:"name" yaml:"name"`

	// Source is the Rego module source.
	Source string `json:"source" yaml:"source"`

	// Severity is the default severity for findings the module does
	// not tag itself.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates whether the rule participates in evaluation.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ExprRule is a local threshold predicate compiled with expr. The rule
// triggers a finding when its expression evaluates to true.
type ExprRule struct {
	// Name is the unique rule name within a bundle.
	Name string `json:"name" yaml:"name"`

	// Code is the reason code emitted when the rule triggers.
	Code string `json:"code" yaml:"code"`

	// When is the boolean expression evaluated against the decision
	// input. Helper expressions are reachable under the h namespace.
	When string `json:"when" yaml:"when"`

	// Severity of the finding when the rule triggers.
	Severity Severity `json:"severity" yaml:"severity"`

	// Message is the finding message.
	Message string `json:"message" yaml:"message"`

	// Remediation suggests how to clear the finding.
	Remediation string `json:"remediation,omitempty" yaml:"remediation,omitempty"`

	// Enabled indicates whether the rule participates in evaluation.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Helper is a named expression shared between expr rules. Helpers may
// reference other helpers; the loader rejects cyclic references at
// load time.
type Helper struct {
	// Name is the helper name, addressable as h.<name> in rules.
	Name string `json:"name" yaml:"name"`

	// Expr is the helper expression.
	Expr string `json:"expr" yaml:"expr"`
}

// Bundle is a versioned, immutable rule set. A loaded bundle is swapped
// into the engine atomically so in-flight evaluations never observe a
// partially loaded rule set.
type Bundle struct {
	// Name is the bundle name.
	Name string `json:"name"`

	// Version is the bundle version string.
	Version string `json:"version"`

	// RegoRules are the Rego rules in the bundle.
	RegoRules []RegoRule `json:"rego_rules"`

	// ExprRules are the expression rules in the bundle.
	ExprRules []ExprRule `json:"expr_rules"`

	// Helpers are shared helper expressions for expr rules.
	Helpers []Helper `json:"helpers"`

	// LoadedAt is when the bundle was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Ref returns the bundle's name@version reference.
func (b *Bundle) Ref() string {
	return b.Name + "@" + b.Version
}
