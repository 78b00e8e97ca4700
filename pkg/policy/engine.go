package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/snapshot"
)

// DefaultBudget is the per-evaluation time budget. Exceeding it does
// not fail the evaluation; it produces an alert finding so the verdict
// fails closed.
const DefaultBudget = 100 * time.Millisecond

// EngineConfig configures a policy engine.
type EngineConfig struct {
	// Budget is the per-evaluation time budget. Defaults to
	// DefaultBudget.
	Budget time.Duration
}

// Engine evaluates decision inputs against the active rule bundle.
// The bundle is swapped atomically on reload; in-flight evaluations
// keep the bundle they started with.
type Engine struct {
	cfg     EngineConfig
	current atomic.Pointer[compiledBundle]
	logger  zerolog.Logger
}

// compiledBundle is an immutable compiled rule set.
type compiledBundle struct {
	bundle     *Bundle
	regoRules  []*compiledRegoRule
	exprRules  []*compiledExprRule
	helpers    []*compiledHelper
	compiledAt time.Time
}

type compiledRegoRule struct {
	rule *RegoRule
	deny rego.PreparedEvalQuery
	warn rego.PreparedEvalQuery
	pkg  string
}

type compiledExprRule struct {
	rule    *ExprRule
	program *vm.Program
}

// compiledHelper is one helper expression, stored in dependency order.
type compiledHelper struct {
	helper  *Helper
	program *vm.Program
}

// NewEngine creates a policy engine with no bundle loaded. Evaluating
// before SetBundle returns ErrNoBundle.
func NewEngine(cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With().Str("component", "policy-engine").Logger(),
	}
}

// ErrNoBundle reports an evaluation attempted before any bundle was
// loaded.
var ErrNoBundle = errors.New("no rule bundle loaded")

// SetBundle compiles the bundle and atomically makes it the active
// rule set. On compile failure the previous bundle stays active.
func (e *Engine) SetBundle(ctx context.Context, bundle *Bundle) error {
	cb, err := compileBundle(ctx, bundle)
	if err != nil {
		return err
	}

	e.current.Store(cb)
	e.logger.Info().
		Str("bundle", bundle.Ref()).
		Int("rego_rules", len(cb.regoRules)).
		Int("expr_rules", len(cb.exprRules)).
		Int("helpers", len(cb.helpers)).
		Msg("Rule bundle activated")
	return nil
}

// Bundle returns the active bundle, or nil.
func (e *Engine) Bundle() *Bundle {
	cb := e.current.Load()
	if cb == nil {
		return nil
	}
	return cb.bundle
}

// Evaluate produces a Verdict for the input against the active bundle.
// Evaluation is deterministic given identical input content (including
// the evaluation-context timestamp) and an identical snapshot: rules
// run in a fixed order and all time comparisons use the input
// timestamp, never the wall clock.
func (e *Engine) Evaluate(ctx context.Context, in *decision.Input, snap *snapshot.Snapshot) (*Verdict, error) {
	cb := e.current.Load()
	if cb == nil {
		return nil, ErrNoBundle
	}

	start := time.Now()
	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	var findings []Finding
	findings = append(findings, verifyDataSources(in)...)

	doc, err := evalDocument(in, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to build evaluation document: %w", err)
	}

	evaluatedRules := []string{}
	timedOut := false
	for _, cr := range cb.regoRules {
		if !cr.rule.Enabled {
			continue
		}
		if evalCtx.Err() != nil {
			timedOut = true
			break
		}
		evaluatedRules = append(evaluatedRules, cr.rule.Name)
		findings = append(findings, e.evalRego(evalCtx, cr, doc)...)
	}

	if !timedOut {
		env := exprEnv(doc)
		evalHelpers(cb.helpers, env, &findings)
		for _, cr := range cb.exprRules {
			if !cr.rule.Enabled {
				continue
			}
			if evalCtx.Err() != nil {
				timedOut = true
				break
			}
			evaluatedRules = append(evaluatedRules, cr.rule.Name)
			if f, ok := e.evalExpr(cr, env); ok {
				findings = append(findings, f)
			}
		}
	}

	if timedOut {
		findings = append(findings, Finding{
			RuleID:   "engine/budget",
			Code:     "evaluation.timeout",
			Severity: SeverityAlert,
			Message:  fmt.Sprintf("evaluation exceeded the %s budget before all rules ran", e.cfg.Budget),
		})
	}

	severity := SeverityInfo
	for _, f := range findings {
		severity = MaxSeverity(severity, f.Severity)
	}

	v := &Verdict{
		DecisionID:     uuid.New().String(),
		RequestID:      in.Context.RequestID,
		Allowed:        !severity.Blocks(),
		Severity:       severity,
		Reasons:        findings,
		EvaluatedRules: evaluatedRules,
		Bundle:         cb.bundle.Ref(),
		EvaluatedAt:    in.Context.Timestamp,
		Elapsed:        time.Since(start),
	}

	// An override lifts a critical deny for its exact subject, inside
	// its window, once. Lockdown is never overridable.
	if !v.Allowed && in.Override != nil {
		if severity.Overridable() &&
			in.Override.SubjectRef == in.SubjectRef &&
			!in.Context.Timestamp.After(in.Override.ExpiresAt) {
			v.Allowed = true
			v.Overridden = true
			v.OverrideID = in.Override.OverrideID
		} else {
			e.logger.Warn().
				Str("request_id", in.Context.RequestID).
				Str("override_id", in.Override.OverrideID).
				Str("severity", severity.String()).
				Msg("Override token rejected")
		}
	}

	e.logger.Debug().
		Str("request_id", v.RequestID).
		Str("decision_id", v.DecisionID).
		Bool("allowed", v.Allowed).
		Bool("overridden", v.Overridden).
		Str("severity", v.Severity.String()).
		Int("findings", len(v.Reasons)).
		Dur("elapsed", v.Elapsed).
		Msg("Evaluation completed")

	return v, nil
}

// verifyDataSources emits a critical finding per unverified data
// source. Unverified reference data can never produce an allow.
func verifyDataSources(in *decision.Input) []Finding {
	var out []Finding
	for _, ref := range in.DataSourcesUsed {
		if !ref.Verified {
			out = append(out, Finding{
				RuleID:   "engine/data-verification",
				Code:     "data.unverified",
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("data source %q failed signature verification", ref.Name),
			})
		}
	}
	return out
}

// evalDocument builds the shared rule input: the decoded subject, the
// evaluation context, and the snapshot documents keyed by source name.
func evalDocument(in *decision.Input, snap *snapshot.Snapshot) (map[string]any, error) {
	var subject any
	if len(in.Subject) > 0 {
		if err := json.Unmarshal(in.Subject, &subject); err != nil {
			return nil, fmt.Errorf("failed to decode subject: %w", err)
		}
	}

	var data map[string]any
	if snap != nil {
		data = snap.Documents()
	} else {
		data = map[string]any{}
	}

	return map[string]any{
		"subject":  subject,
		"category": in.Category,
		"context": map[string]any{
			"timestamp":  in.Context.Timestamp.Format(time.RFC3339Nano),
			"request_id": in.Context.RequestID,
			"caller":     in.Context.Caller,
		},
		"data": data,
	}, nil
}

// evalRego runs one rule's deny and warn queries. A rule error is not
// fatal: it becomes an alert finding so a broken rule blocks instead of
// silently passing.
func (e *Engine) evalRego(ctx context.Context, cr *compiledRegoRule, doc map[string]any) []Finding {
	var out []Finding

	deny, err := cr.deny.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return []Finding{ruleErrorFinding(cr.rule.Name, err)}
	}
	out = append(out, regoFindings(cr, deny, cr.rule.Severity)...)

	warn, err := cr.warn.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return append(out, ruleErrorFinding(cr.rule.Name, err))
	}
	return append(out, regoFindings(cr, warn, SeverityWarn)...)
}

// regoFindings converts a deny/warn result set into findings. Entries
// may be plain message strings or objects carrying code, message,
// severity, and remediation.
func regoFindings(cr *compiledRegoRule, rs rego.ResultSet, fallback Severity) []Finding {
	var out []Finding
	for _, result := range rs {
		for _, expression := range result.Expressions {
			entries, ok := expression.Value.([]any)
			if !ok {
				continue
			}
			for _, entry := range entries {
				f := Finding{
					RuleID:   cr.rule.Name,
					Code:     cr.pkg + ".violation",
					Severity: fallback,
				}
				switch v := entry.(type) {
				case string:
					f.Message = v
				case map[string]any:
					if msg, ok := v["message"].(string); ok {
						f.Message = msg
					}
					if code, ok := v["code"].(string); ok {
						f.Code = code
					}
					if rem, ok := v["remediation"].(string); ok {
						f.Remediation = rem
					}
					if sev, ok := v["severity"].(string); ok {
						if parsed, err := ParseSeverity(sev); err == nil {
							f.Severity = parsed
						}
					}
				default:
					f.Message = fmt.Sprintf("%v", entry)
				}
				out = append(out, f)
			}
		}
	}
	return out
}

// evalExpr runs one expression rule; a true condition fires the
// rule's finding.
func (e *Engine) evalExpr(cr *compiledExprRule, env map[string]any) (Finding, bool) {
	output, err := expr.Run(cr.program, env)
	if err != nil {
		return ruleErrorFinding(cr.rule.Name, err), true
	}
	fired, ok := output.(bool)
	if !ok {
		return ruleErrorFinding(cr.rule.Name, fmt.Errorf("condition did not return a boolean")), true
	}
	if !fired {
		return Finding{}, false
	}
	return Finding{
		RuleID:      cr.rule.Name,
		Code:        cr.rule.Code,
		Severity:    cr.rule.Severity,
		Message:     cr.rule.Message,
		Remediation: cr.rule.Remediation,
	}, true
}

// evalHelpers evaluates helper expressions in dependency order into the
// "h" namespace of env. A failed helper records an alert finding and
// yields nil, so rules depending on it fail closed rather than crash.
func evalHelpers(helpers []*compiledHelper, env map[string]any, findings *[]Finding) {
	h := make(map[string]any, len(helpers))
	env["h"] = h
	for _, ch := range helpers {
		v, err := expr.Run(ch.program, env)
		if err != nil {
			*findings = append(*findings, ruleErrorFinding("helper/"+ch.helper.Name, err))
			h[ch.helper.Name] = nil
			continue
		}
		h[ch.helper.Name] = v
	}
}

func exprEnv(doc map[string]any) map[string]any {
	env := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		env[k] = v
	}
	return env
}

func ruleErrorFinding(ruleID string, err error) Finding {
	return Finding{
		RuleID:   ruleID,
		Code:     "rule.error",
		Severity: SeverityAlert,
		Message:  fmt.Sprintf("rule evaluation failed: %v", err),
	}
}

// compileBundle prepares every rule for evaluation. Helpers are
// ordered by their reference graph; a cycle is a compile error.
func compileBundle(ctx context.Context, bundle *Bundle) (*compiledBundle, error) {
	cb := &compiledBundle{bundle: bundle, compiledAt: time.Now()}

	for i := range bundle.RegoRules {
		rule := &bundle.RegoRules[i]
		cr, err := compileRegoRule(ctx, rule)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rego rule %q: %w", rule.Name, err)
		}
		cb.regoRules = append(cb.regoRules, cr)
	}

	ordered, err := orderHelpers(bundle.Helpers)
	if err != nil {
		return nil, err
	}
	for _, helper := range ordered {
		program, err := expr.Compile(helper.Expr, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("failed to compile helper %q: %w", helper.Name, err)
		}
		cb.helpers = append(cb.helpers, &compiledHelper{helper: helper, program: program})
	}

	for i := range bundle.ExprRules {
		rule := &bundle.ExprRules[i]
		program, err := expr.Compile(rule.When, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile expr rule %q: %w", rule.Name, err)
		}
		cb.exprRules = append(cb.exprRules, &compiledExprRule{rule: rule, program: program})
	}

	return cb, nil
}

func compileRegoRule(ctx context.Context, rule *RegoRule) (*compiledRegoRule, error) {
	pkg := regoPackageName(rule.Source)
	if pkg == "" {
		return nil, fmt.Errorf("rego source has no package declaration")
	}

	deny, err := rego.New(
		rego.Module(rule.Name, rule.Source),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}

	warn, err := rego.New(
		rego.Module(rule.Name, rule.Source),
		rego.Query(fmt.Sprintf("data.%s.warn", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare warn query: %w", err)
	}

	return &compiledRegoRule{rule: rule, deny: deny, warn: warn, pkg: pkg}, nil
}

// regoPackageName extracts the package path from rego source.
func regoPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}

// HelperCycleError reports helper expressions that reference each
// other in a cycle.
type HelperCycleError struct {
	Names []string
}

func (e *HelperCycleError) Error() string {
	return fmt.Sprintf("helper dependency cycle: %s", strings.Join(e.Names, " -> "))
}

// orderHelpers topologically sorts helpers by which other helpers each
// expression references. References are detected by word-boundary scan
// of the expression text for "h.<name>".
func orderHelpers(helpers []Helper) ([]*Helper, error) {
	byName := make(map[string]*Helper, len(helpers))
	names := make([]string, 0, len(helpers))
	for i := range helpers {
		byName[helpers[i].Name] = &helpers[i]
		names = append(names, helpers[i].Name)
	}
	sort.Strings(names)

	deps := make(map[string][]string, len(helpers))
	for _, name := range names {
		for _, other := range names {
			if other != name && referencesHelper(byName[name].Expr, other) {
				deps[name] = append(deps[name], other)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(names))
	var ordered []*Helper
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return &HelperCycleError{Names: append(append([]string{}, path...), name)}
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		ordered = append(ordered, byName[name])
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// referencesHelper reports whether expression text mentions "h.<name>"
// at a word boundary.
func referencesHelper(expression, name string) bool {
	needle := "h." + name
	for start := 0; ; {
		idx := strings.Index(expression[start:], needle)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(needle)
		before := idx == 0 || !isWordByte(expression[idx-1])
		after := end == len(expression) || !isWordByte(expression[end])
		if before && after {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
