// Package gating implements the pay-to-unlock subsystem: recipes are
// encrypted at creation, the key is held in escrow next to the ciphertext,
// and the key is released to a buyer only once an external payment issuer
// confirms settlement. The package owns all writes to recipe, purchase and
// pending-payment records; everything else reaches them through this service.
package gating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recipegate/recipegate/internal/crypto"
	"github.com/recipegate/recipegate/internal/payments"
	"github.com/recipegate/recipegate/internal/store"
)

// pendingTTL bounds how long an unsettled invoice is remembered. Expiry is
// the only cancellation mechanism for a payment request, so it applies on
// every store backend, including ones without native key expiry.
const pendingTTL = 3600 * time.Second

// ProfileSource resolves payout routing hints from an author's public
// profile. Lookups are best effort; a missing profile never blocks content
// creation.
type ProfileSource interface {
	PayoutAddress(ctx context.Context, identity string) (string, error)
}

// Service orchestrates creation, inspection, payment and backfill of gated
// recipes. It keeps no state of its own: the injected store is the single
// source of truth between requests.
type Service struct {
	store    store.Store
	issuer   payments.Issuer
	profiles ProfileSource
	logger   *slog.Logger

	legacyPriceMigrated bool
}

// Option configures optional service collaborators.
type Option func(*Service)

// WithProfiles attaches a payout-hint source consulted during backfill.
func WithProfiles(p ProfileSource) Option {
	return func(s *Service) { s.profiles = p }
}

// WithLegacyPriceMigrated disables the legacy milli-unit marker heuristic.
func WithLegacyPriceMigrated(migrated bool) Option {
	return func(s *Service) { s.legacyPriceMigrated = migrated }
}

// NewService builds a gating service on top of a store backend and a payment
// issuer client.
func NewService(st store.Store, issuer payments.Issuer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		issuer: issuer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput carries everything needed to gate one recipe.
type CreateInput struct {
	Content         *Recipe
	CostMilliUnits  int64
	PaymentEndpoint string
	PayoutAddress   string
	ExternalRef     string
}

// Create encrypts content under a fresh key and persists the escrow record.
// The returned id is generated independently of the key material so it can
// be published without leaking anything about the secret. The index append
// is best effort: a record that exists but is missing from the index is
// still reachable by id, and RebuildIndex reconciles the listing later.
func (s *Service) Create(ctx context.Context, author string, in CreateInput) (*Created, error) {
	if author == "" {
		return nil, ErrIdentityUnresolved
	}
	if in.Content == nil {
		return nil, fmt.Errorf("gating: content is required")
	}
	if in.PaymentEndpoint == "" {
		return nil, fmt.Errorf("gating: payment endpoint is required")
	}
	if in.CostMilliUnits <= 0 {
		return nil, fmt.Errorf("gating: cost must be positive, got %d", in.CostMilliUnits)
	}

	id := uuid.New().String()
	rec, secretHex, err := s.buildRecord(id, author, in)
	if err != nil {
		return nil, err
	}
	if err := s.putRecipe(ctx, rec); err != nil {
		return nil, err
	}
	s.appendToIndex(ctx, id)

	return &Created{ID: id, SecretHex: secretHex}, nil
}

// buildRecord runs the shared creation pipeline: fresh key, canonical
// serialization, encryption, record assembly. Used by Create and Backfill.
func (s *Service) buildRecord(id, author string, in CreateInput) (*RecipeRecord, string, error) {
	key, err := crypto.GenerateSecretKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating secret key: %w", err)
	}

	plaintext, err := json.Marshal(in.Content)
	if err != nil {
		return nil, "", fmt.Errorf("serializing content: %w", err)
	}

	ivHex, ciphertextHex, err := crypto.Encrypt(string(plaintext), key)
	if err != nil {
		return nil, "", fmt.Errorf("encrypting content: %w", err)
	}

	secretHex := crypto.EncodeKey(key)
	return &RecipeRecord{
		ID:              id,
		Ciphertext:      ciphertextHex,
		IV:              ivHex,
		Secret:          secretHex,
		CostMilliUnits:  in.CostMilliUnits,
		PaymentEndpoint: in.PaymentEndpoint,
		Preview:         in.Content.Preview,
		Title:           in.Content.Title,
		AuthorIdentity:  author,
		PayoutAddress:   in.PayoutAddress,
		CreatedAt:       time.Now().UTC(),
		ExternalRef:     in.ExternalRef,
		Image:           in.Content.Image,
	}, secretHex, nil
}

// CheckIfGated inspects a public marker. A nil marker means the content is
// not gated. When the store holds the full record, metadata comes from it;
// otherwise a minimal view is derived from the marker alone with
// ServerHasData=false, which tells the author a backfill is needed. A store
// outage also degrades to the marker view rather than failing the read path.
func (s *Service) CheckIfGated(ctx context.Context, marker *Marker) (*GatedMetadata, error) {
	if marker == nil || marker.ID == "" {
		return nil, nil
	}

	rec, err := s.getRecipe(ctx, marker.ID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			s.logger.Warn("store unreachable during marker inspection, serving marker-only metadata",
				"recipe_id", marker.ID, "error", err)
		}
		return &GatedMetadata{
			ID:               marker.ID,
			CostDisplayUnits: DisplayPrice(marker.Price, s.legacyPriceMigrated),
			ServerHasData:    false,
		}, nil
	}

	return &GatedMetadata{
		ID:               rec.ID,
		CostDisplayUnits: milliToDisplay(rec.CostMilliUnits),
		Title:            rec.Title,
		Preview:          rec.Preview,
		Image:            rec.Image,
		PaymentEndpoint:  rec.PaymentEndpoint,
		ServerHasData:    true,
	}, nil
}

// Metadata returns the pre-payment view of a stored record by id.
func (s *Service) Metadata(ctx context.Context, id string) (*GatedMetadata, error) {
	rec, err := s.getRecipe(ctx, id)
	if err != nil {
		return nil, err
	}
	return &GatedMetadata{
		ID:               rec.ID,
		CostDisplayUnits: milliToDisplay(rec.CostMilliUnits),
		Title:            rec.Title,
		Preview:          rec.Preview,
		Image:            rec.Image,
		PaymentEndpoint:  rec.PaymentEndpoint,
		ServerHasData:    true,
	}, nil
}

// CheckAccess returns the decrypted content for a buyer holding a confirmed
// purchase. Without a purchase record it returns ErrNoAccess before touching
// any ciphertext. Decryption or deserialization failure on a confirmed
// purchase is ErrContentCorrupted, which is a different situation entirely
// and must not be presented as "not yet purchased".
func (s *Service) CheckAccess(ctx context.Context, id, buyer string) (*Recipe, error) {
	if buyer == "" {
		return nil, ErrIdentityUnresolved
	}

	paid, err := s.HasPaid(ctx, id, buyer)
	if err != nil {
		return nil, err
	}
	if !paid {
		return nil, ErrNoAccess
	}

	rec, err := s.getRecipe(ctx, id)
	if err != nil {
		return nil, err
	}

	key, err := crypto.DecodeKey(rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: stored secret is not valid hex: %v", ErrContentCorrupted, err)
	}
	plaintext, err := crypto.Decrypt(rec.IV, rec.Ciphertext, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentCorrupted, err)
	}

	var content Recipe
	if err := json.Unmarshal([]byte(plaintext), &content); err != nil {
		return nil, fmt.Errorf("%w: deserializing decrypted payload: %v", ErrContentCorrupted, err)
	}
	return &content, nil
}

// RequestPayment asks the record's issuer for an invoice on behalf of buyer.
// An existing purchase short-circuits to an already-paid answer without
// minting anything. A fresh invoice overwrites any pending record for the
// same (recipe, buyer) pair; an earlier outstanding invoice for that pair is
// thereby orphaned, and its eventual proof will no longer match the stored
// reference. That overwrite is the current contract with the issuer side;
// reusing a still-valid invoice instead would need the issuer to agree.
func (s *Service) RequestPayment(ctx context.Context, id, buyer string) (*PaymentRequest, error) {
	if buyer == "" {
		return nil, ErrIdentityUnresolved
	}

	rec, err := s.getRecipe(ctx, id)
	if err != nil {
		return nil, err
	}

	paid, err := s.HasPaid(ctx, id, buyer)
	if err != nil {
		return nil, err
	}
	if paid {
		return &PaymentRequest{AlreadyPaid: true}, nil
	}

	inv, err := s.issuer.IssueInvoice(ctx, rec.PaymentEndpoint, id, buyer)
	if err != nil {
		return nil, err
	}
	if inv.AlreadyPaid {
		return &PaymentRequest{AlreadyPaid: true, Instructions: inv.Instructions}, nil
	}

	pending := PendingPayment{
		PaymentReference: inv.PaymentReference,
		CreatedAt:        time.Now().UTC(),
	}
	raw, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("serializing pending payment: %w", err)
	}
	if err := s.store.Put(ctx, pendingKey(id, buyer), raw, pendingTTL); err != nil {
		return nil, fmt.Errorf("recording pending payment: %w", err)
	}

	return &PaymentRequest{
		Invoice:          inv.Invoice,
		PaymentReference: inv.PaymentReference,
		Instructions:     inv.Instructions,
	}, nil
}

// FetchSecret presents a settlement proof to the issuer and, on successful
// verification, records the purchase, clears the pending payment and
// releases the escrowed key. A rejected proof leaves everything untouched:
// the pending payment stays until its TTL so the buyer can retry. Repeated
// calls with a valid proof are idempotent; the purchase record is keyed by
// (recipe, buyer) so re-verification only refreshes its timestamp and proof.
func (s *Service) FetchSecret(ctx context.Context, id, buyer, proof string) (string, error) {
	if buyer == "" {
		return "", ErrIdentityUnresolved
	}

	rec, err := s.getRecipe(ctx, id)
	if err != nil {
		return "", err
	}

	if _, err := s.issuer.FetchSecret(ctx, rec.PaymentEndpoint, id, buyer, proof); err != nil {
		return "", err
	}

	purchase := PurchaseRecord{PaidAt: time.Now().UTC(), Proof: proof}
	raw, err := json.Marshal(purchase)
	if err != nil {
		return "", fmt.Errorf("serializing purchase record: %w", err)
	}
	if err := s.store.Put(ctx, purchaseKey(id, buyer), raw, 0); err != nil {
		return "", fmt.Errorf("recording purchase: %w", err)
	}

	if err := s.store.Delete(ctx, pendingKey(id, buyer)); err != nil {
		// The purchase is already durable; a leftover pending record only
		// lingers until its TTL.
		s.logger.Warn("failed to clear pending payment after settlement",
			"recipe_id", id, "buyer", buyer, "error", err)
	}

	return rec.Secret, nil
}

// HasPaid reports whether a confirmed purchase exists for (id, buyer).
// Transient store failures propagate; absence of proof of payment is not the
// same as proof of absence.
func (s *Service) HasPaid(ctx context.Context, id, buyer string) (bool, error) {
	_, err := s.store.Get(ctx, purchaseKey(id, buyer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking purchase: %w", err)
	}
	return true, nil
}

// GetPendingPayment returns the outstanding invoice correlation for
// (id, buyer), or ErrRecordNotFound once it has been settled, never existed,
// or expired.
func (s *Service) GetPendingPayment(ctx context.Context, id, buyer string) (*PendingPayment, error) {
	raw, err := s.store.Get(ctx, pendingKey(id, buyer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("fetching pending payment: %w", err)
	}
	var pending PendingPayment
	if err := json.Unmarshal(raw, &pending); err != nil {
		return nil, fmt.Errorf("%w: deserializing pending payment: %v", ErrContentCorrupted, err)
	}
	return &pending, nil
}

// Backfill recreates a missing escrow record for content whose public marker
// predates this server's persistence, storing it under the pre-existing id
// so published markers keep resolving. Ownership is checked against the
// author embedded in the content, never against caller-supplied fields.
// Each call re-encrypts under a new secret; buyers who fetched the old
// secret before the data loss keep their copies, which is the accepted cost
// of recovering enumerability and new sales.
func (s *Service) Backfill(ctx context.Context, caller string, id string, content *Recipe, costDisplayUnits int64, paymentEndpoint string) error {
	if caller == "" {
		return ErrIdentityUnresolved
	}
	if content == nil || content.Author == "" {
		return ErrIdentityUnresolved
	}
	if caller != content.Author {
		return ErrNotOwner
	}
	if id == "" {
		return fmt.Errorf("gating: backfill requires the pre-existing id")
	}

	payout := ""
	if s.profiles != nil {
		addr, err := s.profiles.PayoutAddress(ctx, content.Author)
		if err != nil {
			s.logger.Debug("no payout hint for author", "author", content.Author, "error", err)
		} else {
			payout = addr
		}
	}

	rec, _, err := s.buildRecord(id, content.Author, CreateInput{
		Content:         content,
		CostMilliUnits:  costDisplayUnits * 1000,
		PaymentEndpoint: paymentEndpoint,
		PayoutAddress:   payout,
	})
	if err != nil {
		return err
	}
	if err := s.putRecipe(ctx, rec); err != nil {
		return err
	}
	s.appendToIndex(ctx, id)
	return nil
}

// UpdateExternalRef rewrites the one mutable field of a record: the pointer
// back into the content carrier. Author only.
func (s *Service) UpdateExternalRef(ctx context.Context, caller, id, externalRef string) error {
	if caller == "" {
		return ErrIdentityUnresolved
	}
	rec, err := s.getRecipe(ctx, id)
	if err != nil {
		return err
	}
	if rec.AuthorIdentity != caller {
		return ErrNotOwner
	}
	rec.ExternalRef = externalRef
	return s.putRecipe(ctx, rec)
}

// List returns pre-payment metadata for every indexed recipe, in insertion
// order. Records named by the index but missing from the store are skipped
// with a log signal; they indicate index drift, not a caller error.
func (s *Service) List(ctx context.Context) ([]*GatedMetadata, error) {
	ids, err := s.readIndex(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*GatedMetadata, 0, len(ids))
	for _, id := range ids {
		meta, err := s.Metadata(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				s.logger.Warn("index references a missing record", "recipe_id", id)
				continue
			}
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// RebuildIndex reconstructs the enumeration index from a backend-native key
// listing. It repairs the drift left behind when an index append failed
// after a successful record write. Returns the number of indexed records.
func (s *Service) RebuildIndex(ctx context.Context) (int, error) {
	keys, err := s.store.ListKeys(ctx, recipePrefix, 0)
	if err != nil {
		return 0, fmt.Errorf("listing recipe records: %w", err)
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key[len(recipePrefix):])
	}
	if err := s.writeIndex(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Service) getRecipe(ctx context.Context, id string) (*RecipeRecord, error) {
	raw, err := s.store.Get(ctx, recipeKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("fetching record: %w", err)
	}
	var rec RecipeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: deserializing record: %v", ErrContentCorrupted, err)
	}
	return &rec, nil
}

func (s *Service) putRecipe(ctx context.Context, rec *RecipeRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serializing record: %w", err)
	}
	if err := s.store.Put(ctx, recipeKey(rec.ID), raw, 0); err != nil {
		return fmt.Errorf("persisting record: %w", err)
	}
	return nil
}

func (s *Service) readIndex(ctx context.Context) ([]string, error) {
	raw, err := s.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading index: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("deserializing index: %w", err)
	}
	return ids, nil
}

func (s *Service) writeIndex(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("serializing index: %w", err)
	}
	if err := s.store.Put(ctx, indexKey, raw, 0); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// appendToIndex adds id to the enumeration index unless already present.
// Failure is logged, not returned: the record itself is already durable and
// RebuildIndex can restore enumerability.
func (s *Service) appendToIndex(ctx context.Context, id string) {
	ids, err := s.readIndex(ctx)
	if err != nil {
		s.logger.Warn("index read failed after record write, enumeration may lag",
			"recipe_id", id, "error", err)
		return
	}
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	if err := s.writeIndex(ctx, append(ids, id)); err != nil {
		s.logger.Warn("index append failed after record write, enumeration may lag",
			"recipe_id", id, "error", err)
	}
}
