package repository

import (
	"context"
	"testing"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
)

func TestVerificationRepository_Requests(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))

	created := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	key := newTestKey(t, "agent-1", 2)
	req := domain.VerificationRequest{
		ID:          "req-1",
		RequesterID: "agent-1",
		TargetID:    "agent-1",
		NewKey:      key.PublicKey,
		Policy: domain.VerificationPolicy{
			RequiredLevel:    trust.LevelHigh,
			MinVerifiers:     3,
			RequireConsensus: true,
			ValidityPeriod:   7 * domain.Day,
		},
		Verifiers: []string{"v1", "v2", "v3"},
		Status:    domain.RequestPending,
		CreatedAt: created,
		ExpiresAt: created.Add(7 * domain.Day),
		Metadata:  map[string]string{"reason": "scheduled"},
	}
	if err := repo.StoreRequest(ctx, req); err != nil {
		t.Fatalf("StoreRequest failed: %v", err)
	}

	active, err := repo.GetActiveRequest(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetActiveRequest failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected active request, got nil")
	}
	if active.Policy.RequiredLevel != trust.LevelHigh || active.Policy.MinVerifiers != 3 || !active.Policy.RequireConsensus {
		t.Errorf("policy did not round trip: %+v", active.Policy)
	}
	if active.Policy.ValidityPeriod != 7*domain.Day {
		t.Errorf("expected validity 7d, got %v", active.Policy.ValidityPeriod)
	}
	if len(active.Verifiers) != 3 || active.Verifiers[2] != "v3" {
		t.Errorf("verifiers did not round trip: %v", active.Verifiers)
	}
	if !active.NewKey.Equal(key.PublicKey) || !active.ExpiresAt.Equal(req.ExpiresAt) {
		t.Errorf("request did not round trip: %+v", active)
	}

	// 同じIDで保存すると上書き
	req.Status = domain.RequestCompleted
	if err := repo.StoreRequest(ctx, req); err != nil {
		t.Fatalf("StoreRequest (upsert) failed: %v", err)
	}
	active, err = repo.GetActiveRequest(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetActiveRequest failed: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active request after completion, got %+v", active)
	}
}

func TestVerificationRepository_CancelRequestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	if err := repo.StoreRequest(ctx, domain.VerificationRequest{
		ID: "req-1", RequesterID: "agent-1", TargetID: "agent-1",
		Policy:    domain.VerificationPolicy{RequiredLevel: trust.LevelMedium, MinVerifiers: 2},
		Status:    domain.RequestPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("StoreRequest failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := repo.CancelRequest(ctx, "req-1"); err != nil {
			t.Fatalf("CancelRequest #%d failed: %v", i+1, err)
		}
	}
	if err := repo.CancelRequest(ctx, "missing"); err != nil {
		t.Errorf("expected cancelling an unknown request to succeed, got %v", err)
	}

	active, err := repo.GetActiveRequest(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetActiveRequest failed: %v", err)
	}
	if active != nil {
		t.Error("expected cancelled request not to be active")
	}
}

func TestVerificationRepository_Results(t *testing.T) {
	ctx := context.Background()
	repo := NewVerificationRepository(setupTestDB(t))

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	results := []domain.VerificationResult{
		{ID: "res-1", RequestID: "req-1", SubjectID: "agent-1", VerifierID: "v1", Status: domain.VerificationVerified, Level: trust.LevelHigh, Timestamp: base, Evidence: map[string]string{"proof": "ok"}},
		{ID: "res-2", RequestID: "req-1", SubjectID: "agent-1", VerifierID: "v2", Status: domain.VerificationRejected, Level: trust.LevelHigh, Timestamp: base.Add(time.Minute), FailureReasons: []string{"unknown key"}},
		{ID: "res-3", RequestID: "req-2", SubjectID: "agent-1", VerifierID: "v1", Status: domain.VerificationVerified, Level: trust.LevelVeryHigh, Timestamp: base.Add(time.Hour)},
	}
	for _, r := range results {
		if err := repo.StoreResult(ctx, r); err != nil {
			t.Fatalf("StoreResult failed: %v", err)
		}
	}

	got, err := repo.FindResultsByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindResultsByRequestID failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "res-1" || got[1].ID != "res-2" {
		t.Fatalf("unexpected results: %+v", got)
	}
	if got[0].Evidence["proof"] != "ok" || got[1].FailureReasons[0] != "unknown key" {
		t.Errorf("evidence or failure reasons did not round trip: %+v", got)
	}

	count, err := repo.CountSuccessful(ctx, "agent-1", "v1")
	if err != nil {
		t.Fatalf("CountSuccessful failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 successful verifications, got %d", count)
	}
	count, err = repo.CountSuccessful(ctx, "agent-1", "v2")
	if err != nil {
		t.Fatalf("CountSuccessful failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected rejected result not to count, got %d", count)
	}

	last, err := repo.LastResultAt(ctx, "v1")
	if err != nil {
		t.Fatalf("LastResultAt failed: %v", err)
	}
	if last == nil || !last.Equal(base.Add(time.Hour)) {
		t.Errorf("expected last result at %v, got %v", base.Add(time.Hour), last)
	}
	last, err = repo.LastResultAt(ctx, "v9")
	if err != nil {
		t.Fatalf("LastResultAt failed: %v", err)
	}
	if last != nil {
		t.Errorf("expected nil for verifier without results, got %v", last)
	}
}
