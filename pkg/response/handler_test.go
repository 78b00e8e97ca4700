package response

import (
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/policy"
	"github.com/opengavel/gavel/pkg/telemetry"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *eventRecorder) HandleEvent(e telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func testHandler(t *testing.T) (*Handler, *eventRecorder) {
	t.Helper()
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	rec := &eventRecorder{}
	events.Subscribe(rec.HandleEvent, nil)
	return NewHandler(events, zerolog.New(nil).Level(zerolog.Disabled)), rec
}

func verdict(severity policy.Severity, findings ...policy.Finding) *policy.Verdict {
	return &policy.Verdict{
		DecisionID: "dec-1",
		RequestID:  "req-1",
		Allowed:    !severity.Blocks(),
		Severity:   severity,
		Reasons:    findings,
	}
}

func TestHandleStatusMapping(t *testing.T) {
	tests := []struct {
		severity policy.Severity
		want     Status
	}{
		{policy.SeverityInfo, StatusApproved},
		{policy.SeverityWarn, StatusApprovedWithWarnings},
		{policy.SeverityAlert, StatusPendingApproval},
		{policy.SeverityCritical, StatusDenied},
		{policy.SeverityLockdown, StatusSystemLockdown},
	}

	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			h, _ := testHandler(t)
			resp := h.Handle(verdict(tt.severity), decision.Summary{SubjectRef: "sha256:ab"})
			if resp.Status != tt.want {
				t.Errorf("severity %s mapped to %s, want %s", tt.severity, resp.Status, tt.want)
			}
		})
	}
}

func TestHandleDeniedOffersOverride(t *testing.T) {
	h, _ := testHandler(t)

	resp := h.Handle(verdict(policy.SeverityCritical, policy.Finding{
		RuleID:      "limits",
		Code:        "transaction.large_amount",
		Severity:    policy.SeverityCritical,
		Message:     "transaction amount exceeds the review threshold",
		Remediation: "split the transfer or request an emergency override",
	}), decision.Summary{})

	if !resp.OverrideAvailable {
		t.Error("denied responses must advertise the override path")
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected one message, got %v", resp.Messages)
	}
	if !strings.Contains(resp.Messages[0], "review threshold") || !strings.Contains(resp.Messages[0], "emergency override") {
		t.Errorf("message must carry reason and remediation, got %q", resp.Messages[0])
	}
}

func TestHandleDeniedNeverSilent(t *testing.T) {
	h, _ := testHandler(t)
	resp := h.Handle(verdict(policy.SeverityCritical), decision.Summary{})
	if len(resp.Messages) == 0 {
		t.Error("a blocking response must always carry a human-readable message")
	}
}

func TestHandleLockdown(t *testing.T) {
	h, rec := testHandler(t)

	resp := h.Handle(verdict(policy.SeverityLockdown, policy.Finding{
		RuleID:   "kill-switch",
		Code:     "system.kill_switch",
		Severity: policy.SeverityLockdown,
		Message:  "transactions are locked down",
	}), decision.Summary{SubjectRef: "sha256:ab"})

	if resp.Status != StatusSystemLockdown {
		t.Errorf("expected system_lockdown, got %s", resp.Status)
	}
	if resp.OverrideAvailable {
		t.Error("lockdown must never advertise an override path")
	}

	sawAlert := false
	for _, typ := range rec.types() {
		if typ == telemetry.EventTypeLockdownAlert {
			sawAlert = true
		}
	}
	if !sawAlert {
		t.Errorf("expected a lockdown alert event, got %v", rec.types())
	}
}

func TestHandleOverriddenVerdict(t *testing.T) {
	h, _ := testHandler(t)

	v := verdict(policy.SeverityCritical, policy.Finding{
		RuleID: "limits", Code: "transaction.large_amount",
		Severity: policy.SeverityCritical, Message: "amount exceeds threshold",
	})
	v.Allowed = true
	v.Overridden = true
	v.OverrideID = "ovr-1"

	resp := h.Handle(v, decision.Summary{})
	if resp.Status != StatusApprovedWithWarnings {
		t.Errorf("overridden verdicts map to approved_with_warnings, got %s", resp.Status)
	}
	if resp.OverrideID != "ovr-1" {
		t.Errorf("expected override reference, got %q", resp.OverrideID)
	}
	if resp.OverrideAvailable {
		t.Error("an already-overridden response should not advertise another override")
	}

	found := false
	for _, m := range resp.Messages {
		if strings.Contains(m, "ovr-1") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an override note in messages, got %v", resp.Messages)
	}
}
