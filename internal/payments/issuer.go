// Package payments defines the contract the gating service requires from an
// external Lightning-style payment issuer, and an HTTP client implementing
// it. The issuer is a collaborator, never implemented here: it mints invoices
// and verifies settlement proofs; recipegate only correlates the results with
// its own purchase bookkeeping.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrVerificationFailed is returned when the issuer rejects a settlement
	// proof. Retryable by paying again; it must halt the access-granting path.
	ErrVerificationFailed = errors.New("payments: settlement proof rejected")
	// ErrIssuerUnreachable wraps transport failures and timeouts talking to
	// the issuer. Retryable; distinct from a rejected proof.
	ErrIssuerUnreachable = errors.New("payments: issuer unreachable")
)

// Invoice is the issuer's answer to an invoice request.
type Invoice struct {
	// Invoice is the payment request the buyer settles (e.g. a BOLT11 string).
	Invoice string `json:"invoice"`
	// PaymentReference is the opaque handle used to correlate a later
	// settlement proof with this invoice.
	PaymentReference string `json:"paymentReference"`
	// AlreadyPaid is set when the issuer reports the (recipe, buyer) pair as
	// settled, in which case Invoice may be empty.
	AlreadyPaid bool `json:"alreadyPaid"`
	// Instructions carries optional human-readable redemption guidance.
	Instructions string `json:"instructions,omitempty"`
}

// Issuer is the narrow interface the gating service consumes. Both calls may
// block on network I/O and honour context deadlines; a stalled issuer must
// surface as an error, never as an indefinite hang.
type Issuer interface {
	// IssueInvoice asks the issuer at endpoint for a fresh invoice for the
	// (recipe id, buyer) pair.
	IssueInvoice(ctx context.Context, endpoint, recipeID, buyer string) (*Invoice, error)

	// FetchSecret presents a settlement proof to the issuer and, on
	// successful verification, returns the hex-encoded content secret.
	// A rejected proof is ErrVerificationFailed.
	FetchSecret(ctx context.Context, endpoint, recipeID, buyer, proof string) (string, error)
}
