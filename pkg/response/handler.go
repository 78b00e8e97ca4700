package response

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/policy"
	"github.com/opengavel/gavel/pkg/telemetry"
)

// Status is the caller-facing outcome of an evaluation.
type Status string

const (
	// StatusApproved means the subject passed with no findings above
	// INFO.
	StatusApproved Status = "approved"

	// StatusApprovedWithWarnings means the subject passed but carries
	// warnings, or passed on the strength of an override.
	StatusApprovedWithWarnings Status = "approved_with_warnings"

	// StatusPendingApproval means alert findings hold the subject for
	// human review.
	StatusPendingApproval Status = "pending_approval"

	// StatusDenied means critical findings blocked the subject. An
	// emergency override can lift this status.
	StatusDenied Status = "denied"

	// StatusSystemLockdown means a lockdown finding blocked the
	// subject. No override path exists.
	StatusSystemLockdown Status = "system_lockdown"
)

// Response is what callers receive for one evaluation. Messages are
// human-readable sentences derived from the verdict's reasons; raw
// rule codes are never the only thing surfaced.
type Response struct {
	// Status is the graduated outcome.
	Status Status `json:"status"`

	// DecisionID and RequestID tie the response to its verdict and
	// request.
	DecisionID string `json:"decision_id"`
	RequestID  string `json:"request_id"`

	// Severity is the verdict severity.
	Severity policy.Severity `json:"severity"`

	// Messages holds one sentence per reason, remediation included
	// where a rule provided one. Never empty for a blocking status.
	Messages []string `json:"messages"`

	// OverrideAvailable tells a denied caller that an emergency
	// override could lift the denial. Never true under lockdown.
	OverrideAvailable bool `json:"override_available"`

	// OverrideID references the consumed override for overridden
	// decisions.
	OverrideID string `json:"override_id,omitempty"`

	// LogID is the decision log chain hash of the record covering
	// this decision, for cross-referencing.
	LogID string `json:"log_id,omitempty"`
}

// Handler translates verdicts into caller-facing responses and fires
// the decision notifications.
type Handler struct {
	events *telemetry.EventPublisher
	logger zerolog.Logger
}

// NewHandler creates a response handler.
func NewHandler(events *telemetry.EventPublisher, logger zerolog.Logger) *Handler {
	return &Handler{
		events: events,
		logger: logger.With().Str("component", "response-handler").Logger(),
	}
}

// Handle maps a verdict to its response. On lockdown it raises the
// immediate out-of-band alert; the response never advertises an
// override path in that case, regardless of caller privilege.
func (h *Handler) Handle(v *policy.Verdict, sum decision.Summary) *Response {
	resp := &Response{
		Status:     statusFor(v),
		DecisionID: v.DecisionID,
		RequestID:  v.RequestID,
		Severity:   v.Severity,
		Messages:   messagesFor(v),
		OverrideID: v.OverrideID,
	}
	resp.OverrideAvailable = resp.Status == StatusDenied && v.Severity.Overridable()

	h.events.PublishDecision(v.DecisionID, v.Severity.String(), v.Allowed)
	if resp.Status == StatusSystemLockdown {
		h.logger.Error().
			Str("decision_id", v.DecisionID).
			Str("subject_ref", sum.SubjectRef).
			Msg("Lockdown verdict")
		h.events.PublishLockdownAlert(v.DecisionID, sum.SubjectRef)
	}

	h.logger.Info().
		Str("decision_id", v.DecisionID).
		Str("request_id", v.RequestID).
		Str("status", string(resp.Status)).
		Str("severity", v.Severity.String()).
		Msg("Response produced")

	return resp
}

func statusFor(v *policy.Verdict) Status {
	if v.Severity == policy.SeverityLockdown {
		return StatusSystemLockdown
	}
	if v.Overridden {
		return StatusApprovedWithWarnings
	}
	switch v.Severity {
	case policy.SeverityInfo:
		return StatusApproved
	case policy.SeverityWarn:
		return StatusApprovedWithWarnings
	case policy.SeverityAlert:
		return StatusPendingApproval
	default:
		return StatusDenied
	}
}

// messagesFor renders one sentence per reason. Blocking statuses are
// guaranteed at least one message with a remediation hint.
func messagesFor(v *policy.Verdict) []string {
	msgs := make([]string, 0, len(v.Reasons))
	for _, f := range v.Reasons {
		msgs = append(msgs, sentence(f))
	}
	if v.Overridden {
		msgs = append(msgs, fmt.Sprintf("The decision was allowed under emergency override %s; the findings above remain on record.", v.OverrideID))
	}
	if len(msgs) == 0 && v.Severity.Blocks() {
		msgs = append(msgs, "The request was blocked by policy. Contact the policy operations team for details.")
	}
	return msgs
}

func sentence(f policy.Finding) string {
	msg := f.Message
	if msg == "" {
		msg = fmt.Sprintf("Rule %s reported finding %s", f.RuleID, f.Code)
	}
	s := fmt.Sprintf("[%s] %s.", f.Severity, msg)
	if f.Remediation != "" {
		s += " " + ensurePeriod(f.Remediation)
	}
	return s
}

func ensurePeriod(s string) string {
	if len(s) > 0 && s[len(s)-1] != '.' {
		return s + "."
	}
	return s
}
