package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPIssuer talks to payment issuers over the HTTP GET contract:
//
//   - GET {endpoint}?id={recipe}&buyer={buyer}
//     402 → payment required, invoice attached in the body.
//     200 → may mean already paid (alreadyPaid flag in the body).
//     anything else → error.
//   - GET {endpoint}?id={recipe}&buyer={buyer}&proof={proof}
//     2xx → body carries the content secret.
//     anything else → verification failure.
//
// One shared client with a single bounded timeout covers both calls; issuer
// responses are small JSON documents, so there is no long-download case that
// would justify a second client.
type HTTPIssuer struct {
	client *http.Client
}

// NewHTTPIssuer creates an issuer client. timeout bounds every request end to
// end; callers may tighten it further per call through the context.
func NewHTTPIssuer(timeout time.Duration) *HTTPIssuer {
	return &HTTPIssuer{
		client: &http.Client{Timeout: timeout},
	}
}

// IssueInvoice requests a fresh invoice for (recipeID, buyer) from endpoint.
func (h *HTTPIssuer) IssueInvoice(ctx context.Context, endpoint, recipeID, buyer string) (*Invoice, error) {
	reqURL, err := issuerURL(endpoint, url.Values{"id": {recipeID}, "buyer": {buyer}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating invoice request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuerUnreachable, err)
	}
	defer resp.Body.Close()

	// 402 Payment Required is the expected "here is your invoice" answer;
	// 200 is reserved for already-settled pairs.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPaymentRequired {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("issuer returned status %d: %s", resp.StatusCode, string(body))
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, fmt.Errorf("decoding issuer response: %w", err)
	}
	if resp.StatusCode == http.StatusOK && inv.Invoice == "" {
		// A 200 with no invoice is the issuer's way of saying "settled".
		inv.AlreadyPaid = true
	}
	return &inv, nil
}

// FetchSecret presents proof to the issuer. Any non-2xx response is a
// verification failure by contract.
func (h *HTTPIssuer) FetchSecret(ctx context.Context, endpoint, recipeID, buyer, proof string) (string, error) {
	reqURL, err := issuerURL(endpoint, url.Values{"id": {recipeID}, "buyer": {buyer}, "proof": {proof}})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating secret request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIssuerUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: issuer returned status %d", ErrVerificationFailed, resp.StatusCode)
	}

	var out struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding secret response: %w", err)
	}
	if out.Secret == "" {
		return "", fmt.Errorf("%w: issuer returned an empty secret", ErrVerificationFailed)
	}
	return out.Secret, nil
}

// issuerURL merges query parameters into an issuer endpoint, preserving any
// query string the endpoint already carries.
func issuerURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid payment endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
