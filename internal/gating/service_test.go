package gating

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/recipegate/recipegate/internal/payments"
	"github.com/recipegate/recipegate/internal/store"
	"github.com/recipegate/recipegate/internal/store/file"
)

// fakeIssuer accepts exactly one proof and mints sequentially numbered
// invoices so tests can observe overwrites.
type fakeIssuer struct {
	validProof string
	invoices   int
}

func (f *fakeIssuer) IssueInvoice(ctx context.Context, endpoint, recipeID, buyer string) (*payments.Invoice, error) {
	f.invoices++
	return &payments.Invoice{
		Invoice:          fmt.Sprintf("lnbc-test-%d", f.invoices),
		PaymentReference: fmt.Sprintf("ref-%d", f.invoices),
	}, nil
}

func (f *fakeIssuer) FetchSecret(ctx context.Context, endpoint, recipeID, buyer, proof string) (string, error) {
	if proof != f.validProof {
		return "", payments.ErrVerificationFailed
	}
	return "ok", nil
}

// memStore is a minimal in-process backend that records the TTL each key was
// written with and can be told to fail specific keys.
type memStore struct {
	mu       sync.Mutex
	order    []string
	data     map[string][]byte
	ttls     map[string]time.Duration
	failKeys map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		data:     make(map[string][]byte),
		ttls:     make(map[string]time.Duration),
		failKeys: make(map[string]bool),
	}
}

func (m *memStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return store.ErrUnavailable
	}
	if _, ok := m.data[key]; !ok {
		m.order = append(m.order, key)
	}
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return nil, store.ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failKeys[key] {
		return store.ErrUnavailable
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) ListKeys(ctx context.Context, prefix string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for _, k := range m.order {
		if _, ok := m.data[k]; ok && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			if limit > 0 && len(keys) == limit {
				break
			}
		}
	}
	return keys, nil
}

func newFileService(t *testing.T) (*Service, *fakeIssuer) {
	t.Helper()
	st, err := file.New(filepath.Join(t.TempDir(), "gated.json"))
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	issuer := &fakeIssuer{validProof: "preimage-valid"}
	return NewService(st, issuer, nil), issuer
}

func testRecipe(author string) *Recipe {
	return &Recipe{
		Title:   "Smoked paprika shakshuka",
		Author:  author,
		Preview: "A weekend brunch staple.",
		Payload: json.RawMessage(`{"ingredients":["eggs","tomatoes","paprika"],"steps":["simmer","poach"]}`),
	}
}

func TestPaidUnlockFlow(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  21000,
		PaymentEndpoint: "https://pay.example/invoice",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	meta, err := svc.CheckIfGated(ctx, &Marker{ID: created.ID, Price: 21})
	if err != nil {
		t.Fatalf("CheckIfGated() error: %v", err)
	}
	if !meta.ServerHasData {
		t.Error("CheckIfGated() reported no server data for a freshly created record")
	}
	if meta.CostDisplayUnits != 21 {
		t.Errorf("CheckIfGated() cost = %d, want 21", meta.CostDisplayUnits)
	}

	req, err := svc.RequestPayment(ctx, created.ID, "npub1buyer")
	if err != nil {
		t.Fatalf("RequestPayment() error: %v", err)
	}
	if req.AlreadyPaid || req.Invoice == "" {
		t.Fatalf("RequestPayment() = %+v, want a fresh invoice", req)
	}

	secret, err := svc.FetchSecret(ctx, created.ID, "npub1buyer", "preimage-valid")
	if err != nil {
		t.Fatalf("FetchSecret() error: %v", err)
	}
	if len(secret) != 64 {
		t.Errorf("FetchSecret() secret length = %d, want 64 hex chars", len(secret))
	}
	if secret != created.SecretHex {
		t.Error("released secret differs from the one returned at creation")
	}

	content, err := svc.CheckAccess(ctx, created.ID, "npub1buyer")
	if err != nil {
		t.Fatalf("CheckAccess() after purchase error: %v", err)
	}
	if content.Title != "Smoked paprika shakshuka" {
		t.Errorf("CheckAccess() title = %q", content.Title)
	}
	if string(content.Payload) == "" {
		t.Error("CheckAccess() lost the premium payload")
	}

	again, err := svc.RequestPayment(ctx, created.ID, "npub1buyer")
	if err != nil {
		t.Fatalf("RequestPayment() after purchase error: %v", err)
	}
	if !again.AlreadyPaid || again.Invoice != "" {
		t.Errorf("RequestPayment() after purchase = %+v, want already-paid with no invoice", again)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "", CreateInput{Content: testRecipe("a"), CostMilliUnits: 1000, PaymentEndpoint: "https://p"}); !errors.Is(err, ErrIdentityUnresolved) {
		t.Errorf("Create(no author) error = %v, want ErrIdentityUnresolved", err)
	}
	if _, err := svc.Create(ctx, "npub1a", CreateInput{Content: testRecipe("npub1a"), CostMilliUnits: 0, PaymentEndpoint: "https://p"}); err == nil {
		t.Error("Create(zero cost) expected error")
	}
	if _, err := svc.Create(ctx, "npub1a", CreateInput{Content: testRecipe("npub1a"), CostMilliUnits: 1000}); err == nil {
		t.Error("Create(no payment endpoint) expected error")
	}
}

func TestIDIndependentOfSecret(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		created, err := svc.Create(ctx, "npub1author", CreateInput{
			Content:         testRecipe("npub1author"),
			CostMilliUnits:  1000,
			PaymentEndpoint: "https://pay.example",
		})
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		// Any id fragment beyond a few hex chars appearing inside the secret
		// would suggest derivation rather than coincidence.
		compact := strings.ReplaceAll(created.ID, "-", "")
		for j := 0; j+8 <= len(compact); j++ {
			if strings.Contains(created.SecretHex, compact[j:j+8]) {
				t.Fatalf("id fragment %q found inside secret", compact[j:j+8])
			}
		}
	}
}

func TestCheckAccessDeniedWithoutPurchase(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	for _, buyer := range []string{"npub1stranger", "npub1author"} {
		if _, err := svc.CheckAccess(ctx, created.ID, buyer); !errors.Is(err, ErrNoAccess) {
			t.Errorf("CheckAccess(%s) error = %v, want ErrNoAccess", buyer, err)
		}
	}
	if _, err := svc.CheckAccess(ctx, created.ID, ""); !errors.Is(err, ErrIdentityUnresolved) {
		t.Errorf("CheckAccess(no identity) error = %v, want ErrIdentityUnresolved", err)
	}
}

func TestFetchSecretIdempotent(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.RequestPayment(ctx, created.ID, "npub1buyer"); err != nil {
		t.Fatalf("RequestPayment() error: %v", err)
	}

	first, err := svc.FetchSecret(ctx, created.ID, "npub1buyer", "preimage-valid")
	if err != nil {
		t.Fatalf("first FetchSecret() error: %v", err)
	}
	second, err := svc.FetchSecret(ctx, created.ID, "npub1buyer", "preimage-valid")
	if err != nil {
		t.Fatalf("second FetchSecret() error: %v", err)
	}
	if first != second {
		t.Error("repeated FetchSecret() returned different secrets")
	}

	paid, err := svc.HasPaid(ctx, created.ID, "npub1buyer")
	if err != nil || !paid {
		t.Errorf("HasPaid() = %v, %v; want true", paid, err)
	}
}

func TestFetchSecretRejectedProof(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.RequestPayment(ctx, created.ID, "npub1buyer"); err != nil {
		t.Fatalf("RequestPayment() error: %v", err)
	}

	if _, err := svc.FetchSecret(ctx, created.ID, "npub1buyer", "forged"); !errors.Is(err, payments.ErrVerificationFailed) {
		t.Fatalf("FetchSecret(bad proof) error = %v, want ErrVerificationFailed", err)
	}

	// No purchase was written, and the pending record survives for a retry.
	if paid, _ := svc.HasPaid(ctx, created.ID, "npub1buyer"); paid {
		t.Error("rejected proof must not create a purchase record")
	}
	if _, err := svc.GetPendingPayment(ctx, created.ID, "npub1buyer"); err != nil {
		t.Errorf("pending payment should survive a rejected proof: %v", err)
	}
}

func TestRequestPaymentOverwritesPending(t *testing.T) {
	svc, issuer := newFileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := svc.RequestPayment(ctx, created.ID, "npub1buyer"); err != nil {
		t.Fatalf("first RequestPayment() error: %v", err)
	}
	second, err := svc.RequestPayment(ctx, created.ID, "npub1buyer")
	if err != nil {
		t.Fatalf("second RequestPayment() error: %v", err)
	}
	if issuer.invoices != 2 {
		t.Fatalf("issuer minted %d invoices, want 2", issuer.invoices)
	}

	// The stored reference follows the latest invoice; the first one is
	// orphaned by contract.
	pending, err := svc.GetPendingPayment(ctx, created.ID, "npub1buyer")
	if err != nil {
		t.Fatalf("GetPendingPayment() error: %v", err)
	}
	if pending.PaymentReference != second.PaymentReference {
		t.Errorf("pending reference = %q, want %q", pending.PaymentReference, second.PaymentReference)
	}
}

func TestPendingPaymentLifecycle(t *testing.T) {
	st := newMemStore()
	issuer := &fakeIssuer{validProof: "p"}
	svc := NewService(st, issuer, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.RequestPayment(ctx, created.ID, "npub1buyer"); err != nil {
		t.Fatalf("RequestPayment() error: %v", err)
	}

	key := pendingKey(created.ID, "npub1buyer")
	if got := st.ttls[key]; got != 3600*time.Second {
		t.Errorf("pending payment stored with ttl %v, want 1h", got)
	}

	// Settlement clears the pending record.
	if _, err := svc.FetchSecret(ctx, created.ID, "npub1buyer", "p"); err != nil {
		t.Fatalf("FetchSecret() error: %v", err)
	}
	if _, err := svc.GetPendingPayment(ctx, created.ID, "npub1buyer"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("GetPendingPayment() after settlement error = %v, want ErrRecordNotFound", err)
	}
}

func TestBackfillLegacyMarker(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()
	marker := &Marker{ID: "legacy123", Price: 42}

	meta, err := svc.CheckIfGated(ctx, marker)
	if err != nil {
		t.Fatalf("CheckIfGated() error: %v", err)
	}
	if meta.ServerHasData {
		t.Fatal("CheckIfGated() claimed server data for an unknown marker")
	}
	if meta.CostDisplayUnits != 42 {
		t.Errorf("marker-only cost = %d, want 42", meta.CostDisplayUnits)
	}

	content := testRecipe("npub1author")
	if err := svc.Backfill(ctx, "npub1impostor", "legacy123", content, 42, "https://pay.example"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Backfill(non-author) error = %v, want ErrNotOwner", err)
	}

	if err := svc.Backfill(ctx, "npub1author", "legacy123", content, 42, "https://pay.example"); err != nil {
		t.Fatalf("Backfill() error: %v", err)
	}

	meta, err = svc.CheckIfGated(ctx, marker)
	if err != nil {
		t.Fatalf("CheckIfGated() after backfill error: %v", err)
	}
	if !meta.ServerHasData {
		t.Error("CheckIfGated() after backfill still reports no server data")
	}
	if meta.Preview == "" {
		t.Error("CheckIfGated() after backfill exposes no preview")
	}
	if meta.CostDisplayUnits != 42 {
		t.Errorf("cost after backfill = %d, want 42", meta.CostDisplayUnits)
	}

	// Re-running the backfill rotates the secret but keeps the id stable.
	if err := svc.Backfill(ctx, "npub1author", "legacy123", content, 42, "https://pay.example"); err != nil {
		t.Fatalf("repeated Backfill() error: %v", err)
	}
}

func TestCheckIfGatedStoreOutage(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &fakeIssuer{}, nil)
	ctx := context.Background()

	st.failKeys[recipeKey("r1")] = true
	meta, err := svc.CheckIfGated(ctx, &Marker{ID: "r1", Price: 5000})
	if err != nil {
		t.Fatalf("CheckIfGated() during outage error: %v", err)
	}
	if meta.ServerHasData {
		t.Error("outage must degrade to marker-only metadata, not claim server data")
	}
}

func TestHasPaidStoreOutage(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &fakeIssuer{}, nil)
	ctx := context.Background()

	st.failKeys[purchaseKey("r1", "b")] = true
	if _, err := svc.HasPaid(ctx, "r1", "b"); err == nil {
		t.Error("HasPaid() during outage must fail, not report unpaid")
	}
}

func TestUpdateExternalRef(t *testing.T) {
	svc, _ := newFileService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := svc.UpdateExternalRef(ctx, "npub1other", created.ID, "naddr1xyz"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("UpdateExternalRef(non-author) error = %v, want ErrNotOwner", err)
	}
	if err := svc.UpdateExternalRef(ctx, "npub1author", created.ID, "naddr1xyz"); err != nil {
		t.Fatalf("UpdateExternalRef() error: %v", err)
	}

	// The immutable fields survive the rewrite.
	before, err := svc.getRecipe(ctx, created.ID)
	if err != nil {
		t.Fatalf("record fetch error: %v", err)
	}
	if before.ExternalRef != "naddr1xyz" {
		t.Errorf("externalRef = %q, want naddr1xyz", before.ExternalRef)
	}
	if before.Secret != created.SecretHex {
		t.Error("secret changed across an externalRef update")
	}
}

func TestListAndRebuildIndex(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &fakeIssuer{}, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		created, err := svc.Create(ctx, "npub1author", CreateInput{
			Content:         testRecipe("npub1author"),
			CostMilliUnits:  1000,
			PaymentEndpoint: "https://pay.example",
		})
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		ids = append(ids, created.ID)
	}

	metas, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(metas))
	}
	for i, meta := range metas {
		if meta.ID != ids[i] {
			t.Errorf("List()[%d] = %s, want %s (insertion order)", i, meta.ID, ids[i])
		}
	}

	// Wipe the index and reconcile from the backend-native listing.
	if err := st.Delete(ctx, indexKey); err != nil {
		t.Fatal(err)
	}
	n, err := svc.RebuildIndex(ctx)
	if err != nil {
		t.Fatalf("RebuildIndex() error: %v", err)
	}
	if n != 3 {
		t.Errorf("RebuildIndex() = %d, want 3", n)
	}
	metas, err = svc.List(ctx)
	if err != nil || len(metas) != 3 {
		t.Errorf("List() after rebuild = %d records, %v; want 3", len(metas), err)
	}
}

func TestCreateSurvivesIndexFailure(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &fakeIssuer{}, nil)
	ctx := context.Background()

	st.failKeys[indexKey] = true
	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() must succeed even when the index append fails: %v", err)
	}

	// The record is reachable by id despite not being enumerable yet.
	if _, err := svc.Metadata(ctx, created.ID); err != nil {
		t.Errorf("Metadata() error: %v", err)
	}

	delete(st.failKeys, indexKey)
	if _, err := svc.RebuildIndex(ctx); err != nil {
		t.Fatalf("RebuildIndex() error: %v", err)
	}
	metas, err := svc.List(ctx)
	if err != nil || len(metas) != 1 {
		t.Errorf("List() after reconciliation = %d records, %v; want 1", len(metas), err)
	}
}

func TestContentCorruptedSurfaces(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, &fakeIssuer{validProof: "p"}, nil)
	ctx := context.Background()

	created, err := svc.Create(ctx, "npub1author", CreateInput{
		Content:         testRecipe("npub1author"),
		CostMilliUnits:  1000,
		PaymentEndpoint: "https://pay.example",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.RequestPayment(ctx, created.ID, "npub1buyer"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FetchSecret(ctx, created.ID, "npub1buyer", "p"); err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored ciphertext behind the service's back.
	raw, err := st.Get(ctx, recipeKey(created.ID))
	if err != nil {
		t.Fatal(err)
	}
	var rec RecipeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatal(err)
	}
	rec.Ciphertext = "deadbeef"
	mangled, _ := json.Marshal(rec)
	if err := st.Put(ctx, recipeKey(created.ID), mangled, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CheckAccess(ctx, created.ID, "npub1buyer"); !errors.Is(err, ErrContentCorrupted) {
		t.Errorf("CheckAccess(corrupted) error = %v, want ErrContentCorrupted", err)
	}
}
