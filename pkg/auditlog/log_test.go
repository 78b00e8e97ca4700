package auditlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/decision"
	"github.com/opengavel/gavel/pkg/policy"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	master := bytes.Repeat([]byte{0x42}, 32)
	key, err := DeriveKey(master, "2026-q1", testTime.Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	keys := NewKeyring()
	if err := keys.Add(key); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := keys.SetActive("2026-q1"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	return keys
}

func testVerdict(id string, severity policy.Severity) (*policy.Verdict, decision.Summary) {
	v := &policy.Verdict{
		DecisionID: id,
		RequestID:  "req-" + id,
		Allowed:    !severity.Blocks(),
		Severity:   severity,
		Reasons: []policy.Finding{
			{RuleID: "limits", Code: "transaction.large_amount", Severity: severity, Message: "amount exceeds threshold"},
		},
		EvaluatedRules: []string{"limits", "velocity", "sanctions"},
		Bundle:         "core@1.0.0",
		EvaluatedAt:    testTime,
	}
	sum := decision.Summary{
		RequestID:  "req-" + id,
		Caller:     "svc-test",
		Category:   "transaction",
		SubjectRef: "sha256:" + hex.EncodeToString(sha256.New().Sum(nil))[:64],
		Timestamp:  testTime,
	}
	return v, sum
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		v, sum := testVerdict(fmt.Sprintf("d-%d", i), policy.SeverityWarn)
		if _, err := l.Append(v, sum); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
}

func TestAppendAndVerify(t *testing.T) {
	keys := testKeyring(t)
	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))

	appendN(t, l, 5)
	if l.Size() != 5 {
		t.Errorf("expected 5 records, got %d", l.Size())
	}

	records, err := ReadRecords(&buf)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}

	res := Verify(records, keys)
	if !res.Valid || res.FailedIndex != -1 || len(res.Untrusted) != 0 {
		t.Errorf("expected a valid chain, got %+v", res)
	}
	if err := VerifyStrict(records, keys); err != nil {
		t.Errorf("VerifyStrict failed: %v", err)
	}
}

func TestFirstRecordChainsFromGenesis(t *testing.T) {
	keys := testKeyring(t)
	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))

	v, sum := testVerdict("d-0", policy.SeverityInfo)
	rec, err := l.Append(v, sum)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	h := sha256.New()
	h.Write([]byte(GenesisHash))
	h.Write(rec.Payload)
	if want := hex.EncodeToString(h.Sum(nil)); rec.ChainHash != want {
		t.Errorf("chain hash %s, want %s", rec.ChainHash, want)
	}
	if rec.KeyID != "2026-q1" {
		t.Errorf("unexpected key id %q", rec.KeyID)
	}
}

func TestTamperedRecordDetectedAtIndex(t *testing.T) {
	keys := testKeyring(t)
	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))
	appendN(t, l, 6)

	records, err := ReadRecords(&buf)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}

	for k := 0; k < len(records); k++ {
		tampered := make([]Record, len(records))
		copy(tampered, records)
		mutated := append([]byte{}, tampered[k].Payload...)
		mutated[len(mutated)/2] ^= 0x01
		tampered[k].Payload = mutated

		res := Verify(tampered, keys)
		if res.Valid {
			t.Fatalf("tampering record %d went undetected", k)
		}
		if res.FailedIndex != k {
			t.Errorf("expected failure at index %d, got %d", k, res.FailedIndex)
		}
		if want := len(records) - k - 1; len(res.Untrusted) != want {
			t.Errorf("expected %d untrusted records after index %d, got %v", want, k, res.Untrusted)
		}

		var cerr *ChainVerificationError
		if err := VerifyStrict(tampered, keys); !errors.As(err, &cerr) || cerr.Index != k {
			t.Errorf("VerifyStrict: expected ChainVerificationError at %d, got %v", k, err)
		}
	}
}

func TestDeletedRecordDetected(t *testing.T) {
	keys := testKeyring(t)
	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))
	appendN(t, l, 4)

	records, _ := ReadRecords(&buf)
	truncated := append([]Record{}, records[:2]...)
	truncated = append(truncated, records[3])

	res := Verify(truncated, keys)
	if res.Valid || res.FailedIndex != 2 {
		t.Errorf("expected deletion detected at index 2, got %+v", res)
	}
}

func TestReorderedRecordsDetected(t *testing.T) {
	keys := testKeyring(t)
	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))
	appendN(t, l, 3)

	records, _ := ReadRecords(&buf)
	records[1], records[2] = records[2], records[1]

	res := Verify(records, keys)
	if res.Valid || res.FailedIndex != 1 {
		t.Errorf("expected reorder detected at index 1, got %+v", res)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	keys := testKeyring(t)
	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))
	appendN(t, l, 1)

	records, _ := ReadRecords(&buf)
	res := Verify(records, NewKeyring())
	if res.Valid || res.FailedIndex != 0 {
		t.Errorf("expected unknown key failure at index 0, got %+v", res)
	}
}

func TestKeyRotation(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)
	keys := NewKeyring()
	for _, id := range []string{"2026-q1", "2026-q2"} {
		key, err := DeriveKey(master, id, testTime.Add(-time.Hour), time.Time{})
		if err != nil {
			t.Fatalf("DeriveKey failed: %v", err)
		}
		if err := keys.Add(key); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	var buf bytes.Buffer
	l := NewLog(&buf, keys, zerolog.New(nil).Level(zerolog.Disabled))

	if err := keys.SetActive("2026-q1"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	appendN(t, l, 2)

	if err := keys.SetActive("2026-q2"); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	appendN(t, l, 2)

	records, _ := ReadRecords(&buf)
	if records[0].KeyID != "2026-q1" || records[3].KeyID != "2026-q2" {
		t.Errorf("unexpected key ids: %s, %s", records[0].KeyID, records[3].KeyID)
	}

	res := Verify(records, keys)
	if !res.Valid {
		t.Errorf("rotated chain should verify, got %+v", res)
	}
}

func TestResumeChain(t *testing.T) {
	keys := testKeyring(t)
	var first bytes.Buffer
	l := NewLog(&first, keys, zerolog.New(nil).Level(zerolog.Disabled))
	appendN(t, l, 2)

	var second bytes.Buffer
	resumed := NewLogAt(&second, keys, l.LastHash(), l.Size(), zerolog.New(nil).Level(zerolog.Disabled))
	v, sum := testVerdict("d-9", policy.SeverityCritical)
	if _, err := resumed.Append(v, sum); err != nil {
		t.Fatalf("Append after resume failed: %v", err)
	}

	head, _ := ReadRecords(&first)
	tail, _ := ReadRecords(&second)
	res := Verify(append(head, tail...), keys)
	if !res.Valid {
		t.Errorf("resumed chain should verify, got %+v", res)
	}
}

func TestSignStream(t *testing.T) {
	keys := testKeyring(t)
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	var plain bytes.Buffer
	for i := 0; i < 3; i++ {
		v, sum := testVerdict(fmt.Sprintf("d-%d", i), policy.SeverityAlert)
		line, err := jsonLine(v, sum)
		if err != nil {
			t.Fatalf("failed to build payload line: %v", err)
		}
		plain.Write(line)
	}

	var signed bytes.Buffer
	n, err := SignStream(&plain, &signed, keys, logger)
	if err != nil {
		t.Fatalf("SignStream failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 signed records, got %d", n)
	}

	records, err := ReadRecords(&signed)
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if res := Verify(records, keys); !res.Valid {
		t.Errorf("signed stream should verify, got %+v", res)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, 32)

	a, err := DeriveKey(master, "k1", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, _ := DeriveKey(master, "k1", time.Time{}, time.Time{})
	if !bytes.Equal(a.Secret, b.Secret) {
		t.Error("same id must derive the same secret")
	}

	c, _ := DeriveKey(master, "k2", time.Time{}, time.Time{})
	if bytes.Equal(a.Secret, c.Secret) {
		t.Error("distinct ids must derive distinct secrets")
	}
}

func TestMasterKeyFromEnv(t *testing.T) {
	master := bytes.Repeat([]byte{0x07}, 32)
	t.Setenv(SigningKeyEnv, base64.StdEncoding.EncodeToString(master))

	got, err := MasterKeyFromEnv(SigningKeyEnv)
	if err != nil {
		t.Fatalf("MasterKeyFromEnv failed: %v", err)
	}
	if !bytes.Equal(got, master) {
		t.Error("decoded master key mismatch")
	}

	t.Setenv(SigningKeyEnv, "not base64!!")
	if _, err := MasterKeyFromEnv(SigningKeyEnv); err == nil {
		t.Error("expected invalid base64 to fail")
	}

	t.Setenv(SigningKeyEnv, "")
	if _, err := MasterKeyFromEnv(SigningKeyEnv); err == nil {
		t.Error("expected unset variable to fail")
	}
}

func TestActiveKeyWindow(t *testing.T) {
	master := bytes.Repeat([]byte{0x02}, 32)
	key, _ := DeriveKey(master, "expired", testTime.Add(-2*time.Hour), testTime.Add(-time.Hour))
	keys := NewKeyring()
	_ = keys.Add(key)
	_ = keys.SetActive("expired")

	if _, err := keys.Active(testTime); err == nil {
		t.Error("expected expired active key to be rejected for signing")
	}
	if _, err := keys.Lookup("expired"); err != nil {
		t.Errorf("historical lookup must still resolve: %v", err)
	}
}

// jsonLine builds one plain payload line for SignStream input.
func jsonLine(v *policy.Verdict, sum decision.Summary) ([]byte, error) {
	type line struct {
		Verdict *policy.Verdict  `json:"verdict"`
		Input   decision.Summary `json:"input"`
	}
	raw, err := json.Marshal(line{Verdict: v, Input: sum})
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
