package decision

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opengavel/gavel/pkg/override"
	"github.com/opengavel/gavel/pkg/snapshot"
)

func testAssembler(t *testing.T) (*Assembler, *snapshot.Aggregator) {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	agg := snapshot.NewAggregator(logger)
	a := NewAssembler(agg, logger)
	a.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return a, agg
}

func registerSignedSource(t *testing.T, agg *snapshot.Aggregator, name string, payload []byte) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sum := sha256.Sum256(payload)
	sig := ed25519.Sign(priv, sum[:])

	err := agg.Register(snapshot.Source{
		Name: name,
		TTL:  time.Minute,
		Key:  priv.Public().(ed25519.PublicKey),
		Fetch: func(ctx context.Context) (snapshot.SourceData, error) {
			return snapshot.SourceData{Payload: payload, Signature: sig}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestAssembleTransaction(t *testing.T) {
	a, agg := testAssembler(t)
	registerSignedSource(t, agg, "accounts", []byte(`{"a-1":{"tier":"gold"}}`))

	in, snap, err := a.Assemble(context.Background(), AssembleRequest{
		Category: CategoryTransaction,
		Subject: json.RawMessage(`{
			"id": "tx-1",
			"account": "a-1",
			"counterparty": "c-9",
			"amount": "125.50",
			"currency": "USD",
			"type": "payment"
		}`),
		Caller:  "svc-payments",
		Sources: []string{"accounts"},
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if snap == nil {
		t.Fatal("expected a snapshot")
	}

	if in.Context.RequestID == "" {
		t.Error("request id not stamped")
	}
	if !in.Context.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected timestamp %s", in.Context.Timestamp)
	}
	if !strings.HasPrefix(in.SubjectRef, "sha256:") {
		t.Errorf("unexpected subject ref %q", in.SubjectRef)
	}
	if len(in.DataSourcesUsed) != 1 {
		t.Fatalf("expected 1 data source ref, got %d", len(in.DataSourcesUsed))
	}
	ref := in.DataSourcesUsed[0]
	if ref.Name != "accounts" || !ref.Verified || ref.ContentHash == "" || ref.Signature == "" {
		t.Errorf("unexpected data source ref %+v", ref)
	}

	var subject TransactionSubject
	if err := json.Unmarshal(in.Subject, &subject); err != nil {
		t.Fatalf("canonical subject does not round-trip: %v", err)
	}
	if subject.Amount.String() != "125.5" {
		t.Errorf("unexpected amount %s", subject.Amount)
	}
}

func TestAssembleReportsAllViolations(t *testing.T) {
	a, _ := testAssembler(t)

	_, _, err := a.Assemble(context.Background(), AssembleRequest{
		Category: CategoryTransaction,
		Subject: json.RawMessage(`{
			"id": "tx-2",
			"amount": "-5",
			"currency": "dollars",
			"type": "gift"
		}`),
		Caller: "svc-payments",
	})

	var ierr *InvalidInputError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}

	fields := map[string]bool{}
	for _, v := range ierr.Violations {
		fields[v.Field] = true
	}
	for _, want := range []string{"account", "counterparty", "currency", "type", "amount"} {
		if !fields[want] {
			t.Errorf("expected a violation on %q, got %+v", want, ierr.Violations)
		}
	}
}

func TestAssembleUnknownCategory(t *testing.T) {
	a, _ := testAssembler(t)

	_, _, err := a.Assemble(context.Background(), AssembleRequest{
		Category: "vehicle",
		Subject:  json.RawMessage(`{}`),
	})

	var ierr *InvalidInputError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
	if len(ierr.Violations) != 1 || ierr.Violations[0].Field != "category" {
		t.Errorf("unexpected violations %+v", ierr.Violations)
	}
}

func TestAssembleMalformedSubject(t *testing.T) {
	a, _ := testAssembler(t)

	_, _, err := a.Assemble(context.Background(), AssembleRequest{
		Category: CategoryDocument,
		Subject:  json.RawMessage(`{not json`),
	})

	var ierr *InvalidInputError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected InvalidInputError, got %v", err)
	}
}

func TestAssembleEquivalentSubjectsShareRef(t *testing.T) {
	a, _ := testAssembler(t)
	ctx := context.Background()

	first, _, err := a.Assemble(ctx, AssembleRequest{
		Category: CategoryDocument,
		Subject:  json.RawMessage(`{"title":"runbook","author":"ops","classification":"internal"}`),
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// Same content, different field order and whitespace.
	second, _, err := a.Assemble(ctx, AssembleRequest{
		Category: CategoryDocument,
		Subject: json.RawMessage(`{
			"classification": "internal",
			"author":         "ops",
			"title":          "runbook"
		}`),
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if first.SubjectRef != second.SubjectRef {
		t.Errorf("equivalent subjects got distinct refs: %s vs %s", first.SubjectRef, second.SubjectRef)
	}
	if first.Context.RequestID == second.Context.RequestID {
		t.Error("distinct evaluations share a request id")
	}
}

func TestOverrideBoundAfterAssembly(t *testing.T) {
	a, _ := testAssembler(t)

	// Token consumption happens after assembly, bound to the subject
	// ref the assembler stamped. The late-bound token must flow into
	// the decision summary the same way a pre-assembled one does.
	in, _, err := a.Assemble(context.Background(), AssembleRequest{
		Category: CategoryResource,
		Subject:  json.RawMessage(`{"name":"db-primary","kind":"database","region":"eu-west-1","owner":"team@example.com"}`),
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if in.Override != nil {
		t.Fatalf("unexpected override on plain request: %+v", in.Override)
	}

	in.Override = &override.Token{OverrideID: "ovr-7", SubjectRef: in.SubjectRef}
	sum := in.Summarize()
	if sum.OverrideID != "ovr-7" {
		t.Errorf("summary missing late-bound override id: %+v", sum)
	}
}

func TestAssembleCarriesOverrideToken(t *testing.T) {
	a, _ := testAssembler(t)

	tok := &override.Token{OverrideID: "ovr-1", SubjectRef: "sha256:abc"}
	in, _, err := a.Assemble(context.Background(), AssembleRequest{
		Category: CategoryResource,
		Subject:  json.RawMessage(`{"name":"db-primary","kind":"database","region":"eu-west-1","owner":"team@example.com"}`),
		Override: tok,
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if in.Override == nil || in.Override.OverrideID != "ovr-1" {
		t.Errorf("override token not carried: %+v", in.Override)
	}

	sum := in.Summarize()
	if sum.OverrideID != "ovr-1" {
		t.Errorf("summary missing override id: %+v", sum)
	}
}
