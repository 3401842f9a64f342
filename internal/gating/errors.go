package gating

import "errors"

var (
	// ErrIdentityUnresolved is returned when an operation that needs an
	// authenticated identity (creation, backfill, purchase) is attempted
	// without one. Not retryable without more input.
	ErrIdentityUnresolved = errors.New("gating: caller identity could not be resolved")

	// ErrRecordNotFound means the store answered authoritatively that no such
	// record exists. It is deliberately distinct from store.ErrUnavailable:
	// callers use it to decide whether a backfill is warranted, and a
	// transient outage must never trigger one.
	ErrRecordNotFound = errors.New("gating: no such record")

	// ErrContentCorrupted is returned when a stored record fails to decrypt
	// or deserialize. It is surfaced, never downgraded: a confirmed purchaser
	// receiving garbage is an operational incident, not a cache miss.
	ErrContentCorrupted = errors.New("gating: stored content failed to decrypt")

	// ErrNoAccess is returned by access checks when no purchase record exists
	// for the (recipe, buyer) pair. The caller withholds content; no further
	// detail is exposed.
	ErrNoAccess = errors.New("gating: no confirmed purchase")

	// ErrNotOwner is returned when a caller attempts an author-only operation
	// on content they do not own.
	ErrNotOwner = errors.New("gating: caller is not the content author")
)
