package gating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/recipegate/recipegate/internal/store"
)

// profilePrefix namespaces cached author profiles in the shared store. The
// records are written by whatever syncs carrier profiles into this server;
// the gating service only reads them for payout hints.
const profilePrefix = "profile:"

// Profile is the cached slice of a carrier profile the gating service cares
// about.
type Profile struct {
	Name          string `json:"name,omitempty"`
	PayoutAddress string `json:"payoutAddress,omitempty"`
}

// StoreProfiles resolves payout hints from profile records kept in the same
// key/value store as the gated content.
type StoreProfiles struct {
	st store.Store
}

// NewStoreProfiles builds a ProfileSource over the shared store.
func NewStoreProfiles(st store.Store) *StoreProfiles {
	return &StoreProfiles{st: st}
}

// PayoutAddress returns the author's payout hint, or an error when no
// profile (or no hint) is cached. Callers treat the error as "no hint", not
// as a failure.
func (p *StoreProfiles) PayoutAddress(ctx context.Context, identity string) (string, error) {
	raw, err := p.st.Get(ctx, profilePrefix+identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("no cached profile for %s", identity)
		}
		return "", err
	}
	var prof Profile
	if err := json.Unmarshal(raw, &prof); err != nil {
		return "", fmt.Errorf("deserializing profile: %w", err)
	}
	if prof.PayoutAddress == "" {
		return "", fmt.Errorf("profile for %s carries no payout address", identity)
	}
	return prof.PayoutAddress, nil
}
