package policy

import (
	"encoding/json"
	"testing"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := []Severity{SeverityInfo, SeverityWarn, SeverityAlert, SeverityCritical, SeverityLockdown}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Errorf("%s should order below %s", ordered[i-1], ordered[i])
		}
		if MaxSeverity(ordered[i-1], ordered[i]) != ordered[i] {
			t.Errorf("MaxSeverity(%s, %s) wrong", ordered[i-1], ordered[i])
		}
	}
}

func TestSeverityBlocksAndOverridable(t *testing.T) {
	tests := []struct {
		severity    Severity
		blocks      bool
		overridable bool
	}{
		{SeverityInfo, false, false},
		{SeverityWarn, false, false},
		{SeverityAlert, false, false},
		{SeverityCritical, true, true},
		{SeverityLockdown, true, false},
	}
	for _, tt := range tests {
		if tt.severity.Blocks() != tt.blocks {
			t.Errorf("%s.Blocks() = %v, want %v", tt.severity, tt.severity.Blocks(), tt.blocks)
		}
		if tt.severity.Overridable() != tt.overridable {
			t.Errorf("%s.Overridable() = %v, want %v", tt.severity, tt.severity.Overridable(), tt.overridable)
		}
	}
}

func TestSeverityJSONRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeverityWarn, SeverityAlert, SeverityCritical, SeverityLockdown} {
		raw, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %s failed: %v", s, err)
		}
		var back Severity
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal %s failed: %v", raw, err)
		}
		if back != s {
			t.Errorf("round trip changed %s to %s", s, back)
		}
	}

	var bad Severity
	if err := json.Unmarshal([]byte(`"FATAL"`), &bad); err == nil {
		t.Error("expected unknown severity to fail")
	}
}

func TestParseSeverityCaseInsensitive(t *testing.T) {
	tests := []struct {
		name string
		want Severity
	}{
		{"critical", SeverityCritical},
		{"CRITICAL", SeverityCritical},
		{"Warn", SeverityWarn},
		{"LOCKDOWN", SeverityLockdown},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.name)
		if err != nil {
			t.Errorf("ParseSeverity(%q) failed: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}

	if _, err := ParseSeverity("fatal"); err == nil {
		t.Error("expected unknown severity to fail")
	}
}
