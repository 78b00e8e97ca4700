package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opengavel/gavel/pkg/auditlog"
	"github.com/opengavel/gavel/pkg/override"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "gavel.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func TestOverrideStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	overrides := store.Overrides()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := &override.Request{
		ID:            "ovr-1",
		SubjectRef:    "sha256:abc",
		Requestor:     "alice",
		Justification: "release held transfer",
		CreatedAt:     created,
		ExpiresAt:     created.Add(4 * time.Hour),
		Approvals: []override.Approval{
			{Approver: "bob", Timestamp: created.Add(time.Minute), Signature: "sig-bob"},
		},
		RequiredApprovals: 2,
		Status:            override.StatusPending,
	}

	if err := overrides.Put(ctx, req); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := overrides.Get(ctx, "ovr-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Requestor != "alice" || got.Status != override.StatusPending {
		t.Errorf("unexpected request %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.ExpiresAt.Equal(created.Add(4*time.Hour)) {
		t.Errorf("timestamps did not round-trip: %+v", got)
	}
	if len(got.Approvals) != 1 || got.Approvals[0].Approver != "bob" {
		t.Errorf("approvals did not round-trip: %+v", got.Approvals)
	}

	// Status transitions update in place.
	req.Status = override.StatusApproved
	req.Approvals = append(req.Approvals, override.Approval{Approver: "carol", Timestamp: created.Add(2 * time.Minute)})
	if err := overrides.Put(ctx, req); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	got, _ = overrides.Get(ctx, "ovr-1")
	if got.Status != override.StatusApproved || len(got.Approvals) != 2 {
		t.Errorf("update did not stick: %+v", got)
	}
}

func TestOverrideStoreNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.Overrides().Get(context.Background(), "missing"); !errors.Is(err, override.ErrNotFound) {
		t.Errorf("expected override.ErrNotFound, got %v", err)
	}
}

func TestOverrideStoreList(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	overrides := store.Overrides()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"ovr-b", "ovr-a", "ovr-c"} {
		err := overrides.Put(ctx, &override.Request{
			ID:                id,
			SubjectRef:        "sha256:abc",
			Requestor:         "alice",
			Justification:     "test",
			CreatedAt:         base.Add(time.Duration(i) * time.Minute),
			ExpiresAt:         base.Add(4 * time.Hour),
			RequiredApprovals: 2,
			Status:            override.StatusPending,
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	reqs, err := overrides.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
	if reqs[0].ID != "ovr-b" || reqs[2].ID != "ovr-c" {
		t.Errorf("expected creation order, got %s, %s, %s", reqs[0].ID, reqs[1].ID, reqs[2].ID)
	}
}

func TestDecisionStoreChainResume(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	decisions := store.Decisions()

	hash, count, err := decisions.Last(ctx)
	if err != nil {
		t.Fatalf("Last on empty store failed: %v", err)
	}
	if hash != auditlog.GenesisHash || count != 0 {
		t.Errorf("fresh store should resume from genesis, got %s/%d", hash, count)
	}

	for i := 0; i < 3; i++ {
		rec := &auditlog.Record{
			KeyID:     "2026-q1",
			Payload:   json.RawMessage(`{"verdict":{"allowed":true}}`),
			Signature: "sig",
			ChainHash: string(rune('a'+i)) + "bc",
		}
		if err := decisions.Append(ctx, i, rec); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	hash, count, err = decisions.Last(ctx)
	if err != nil {
		t.Fatalf("Last failed: %v", err)
	}
	if hash != "cbc" || count != 3 {
		t.Errorf("expected cbc/3, got %s/%d", hash, count)
	}

	records, err := decisions.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 || records[0].ChainHash != "abc" {
		t.Errorf("unexpected records %+v", records)
	}
}

func TestDecisionStoreRejectsDuplicateIndex(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	decisions := store.Decisions()

	rec := &auditlog.Record{KeyID: "k", Payload: json.RawMessage(`{}`), Signature: "s", ChainHash: "h"}
	if err := decisions.Append(ctx, 0, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := decisions.Append(ctx, 0, rec); err == nil {
		t.Error("expected duplicate chain index to fail")
	}
}

func TestKeyStoreActiveFlag(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	keys := store.Keys()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := keys.Save(ctx, KeyRecord{ID: "2026-q1", NotBefore: base, Active: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := keys.Save(ctx, KeyRecord{ID: "2026-q2", NotBefore: base.AddDate(0, 3, 0), Active: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	records, err := keys.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(records))
	}

	activeCount := 0
	for _, rec := range records {
		if rec.Active {
			activeCount++
			if rec.ID != "2026-q2" {
				t.Errorf("expected 2026-q2 active, got %s", rec.ID)
			}
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active key, got %d", activeCount)
	}
}
