package gating

import (
	"encoding/json"
	"time"
)

// Recipe is the structured payload placed behind the paywall. The whole
// document is serialized and encrypted at creation time; Title, Preview and
// Image additionally live unencrypted on the record so they can be shown
// before purchase.
type Recipe struct {
	Title   string `json:"title"`
	Author  string `json:"author"`
	Preview string `json:"preview,omitempty"`
	Image   string `json:"image,omitempty"`
	// Payload carries the premium body (ingredients, steps, notes) as an
	// opaque JSON document owned by the content carrier.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RecipeRecord is the server-side escrow record for one gated recipe. The
// secret is stored alongside the ciphertext on purpose: the server acts as
// custodian of the unlock key and discloses it only after payment. Anyone
// auditing this system should start from that tradeoff.
//
// id, ciphertext, iv and secret are immutable after creation; only
// ExternalRef may be rewritten, for when the carrier assigns a durable
// address after the record already exists.
type RecipeRecord struct {
	ID              string    `json:"id"`
	Ciphertext      string    `json:"ciphertext"`
	IV              string    `json:"iv"`
	Secret          string    `json:"secret"`
	CostMilliUnits  int64     `json:"costMilliUnits"`
	PaymentEndpoint string    `json:"paymentEndpoint"`
	Preview         string    `json:"preview,omitempty"`
	Title           string    `json:"title,omitempty"`
	AuthorIdentity  string    `json:"authorIdentity"`
	PayoutAddress   string    `json:"payoutAddress,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	ExternalRef     string    `json:"externalRef,omitempty"`
	Image           string    `json:"image,omitempty"`
}

// PurchaseRecord marks a (recipe, buyer) pair as settled. Its presence is the
// sole authority for access; re-marking is idempotent and only refreshes
// PaidAt and Proof.
type PurchaseRecord struct {
	PaidAt time.Time `json:"paidAt"`
	Proof  string    `json:"proof,omitempty"`
}

// PendingPayment correlates an outstanding invoice with a later settlement
// proof. It is transient: confirmed settlement deletes it, and the store
// expires it after pendingTTL otherwise.
type PendingPayment struct {
	PaymentReference string    `json:"paymentReference"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Marker is the compact public tuple the content carrier attaches to an
// otherwise-public record to point at a gated one.
type Marker struct {
	ID    string `json:"id"`
	Price int64  `json:"price"`
}

// GatedMetadata is what a reader may see before paying. ServerHasData is
// false when the marker references a record this server does not hold, which
// is the signal for the author to trigger a backfill.
type GatedMetadata struct {
	ID               string `json:"id"`
	CostDisplayUnits int64  `json:"costDisplayUnits"`
	Title            string `json:"title,omitempty"`
	Preview          string `json:"preview,omitempty"`
	Image            string `json:"image,omitempty"`
	PaymentEndpoint  string `json:"paymentEndpoint,omitempty"`
	ServerHasData    bool   `json:"serverHasData"`
}

// PaymentRequest is the answer to a payment request: either a fresh invoice
// or the already-paid short circuit.
type PaymentRequest struct {
	AlreadyPaid      bool   `json:"alreadyPaid"`
	Invoice          string `json:"invoice,omitempty"`
	PaymentReference string `json:"paymentReference,omitempty"`
	Instructions     string `json:"instructions,omitempty"`
}

// Created is returned from content creation so the carrier can embed a public
// marker and the author can keep the secret for their own records.
type Created struct {
	ID        string `json:"id"`
	SecretHex string `json:"secret"`
}
