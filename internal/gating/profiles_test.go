package gating

import (
	"context"
	"encoding/json"
	"testing"
)

func TestBackfillPicksUpPayoutHint(t *testing.T) {
	st := newMemStore()
	ctx := context.Background()

	raw, _ := json.Marshal(Profile{Name: "The Author", PayoutAddress: "author@wallet.example"})
	if err := st.Put(ctx, "profile:npub1author", raw, 0); err != nil {
		t.Fatal(err)
	}

	svc := NewService(st, &fakeIssuer{}, nil, WithProfiles(NewStoreProfiles(st)))
	if err := svc.Backfill(ctx, "npub1author", "legacy123", testRecipe("npub1author"), 42, "https://pay.example"); err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}

	rec, err := svc.getRecipe(ctx, "legacy123")
	if err != nil {
		t.Fatalf("record fetch error: %v", err)
	}
	if rec.PayoutAddress != "author@wallet.example" {
		t.Errorf("payoutAddress = %q, want the profile hint", rec.PayoutAddress)
	}
}

func TestBackfillWithoutProfileStillSucceeds(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &fakeIssuer{}, nil, WithProfiles(NewStoreProfiles(st)))

	if err := svc.Backfill(context.Background(), "npub1author", "legacy456", testRecipe("npub1author"), 10, "https://pay.example"); err != nil {
		t.Fatalf("Backfill() without a cached profile error: %v", err)
	}
}
