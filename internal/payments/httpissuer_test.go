package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueInvoice(t *testing.T) {
	t.Run("402 carries the invoice", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("id") != "r1" || r.URL.Query().Get("buyer") != "npub1buyer" {
				t.Errorf("unexpected query: %s", r.URL.RawQuery)
			}
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(Invoice{Invoice: "lnbc21n1...", PaymentReference: "ref-1"})
		}))
		defer srv.Close()

		inv, err := NewHTTPIssuer(5*time.Second).IssueInvoice(context.Background(), srv.URL, "r1", "npub1buyer")
		if err != nil {
			t.Fatalf("IssueInvoice() error: %v", err)
		}
		if inv.Invoice != "lnbc21n1..." || inv.PaymentReference != "ref-1" || inv.AlreadyPaid {
			t.Errorf("IssueInvoice() = %+v", inv)
		}
	})

	t.Run("200 without invoice means already paid", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Invoice{AlreadyPaid: true})
		}))
		defer srv.Close()

		inv, err := NewHTTPIssuer(5*time.Second).IssueInvoice(context.Background(), srv.URL, "r1", "b")
		if err != nil {
			t.Fatalf("IssueInvoice() error: %v", err)
		}
		if !inv.AlreadyPaid {
			t.Error("expected AlreadyPaid for 200 response")
		}
	})

	t.Run("other statuses are errors", func(t *testing.T) {
		for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError} {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			if _, err := NewHTTPIssuer(5*time.Second).IssueInvoice(context.Background(), srv.URL, "r1", "b"); err == nil {
				t.Errorf("IssueInvoice() with status %d: expected error", status)
			}
			srv.Close()
		}
	})

	t.Run("endpoint query string preserved", func(t *testing.T) {
		var gotToken string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotToken = r.URL.Query().Get("token")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(Invoice{Invoice: "ln...", PaymentReference: "ref"})
		}))
		defer srv.Close()

		_, err := NewHTTPIssuer(5*time.Second).IssueInvoice(context.Background(), srv.URL+"?token=abc", "r1", "b")
		if err != nil {
			t.Fatalf("IssueInvoice() error: %v", err)
		}
		if gotToken != "abc" {
			t.Errorf("endpoint query parameter lost: token = %q", gotToken)
		}
	})
}

func TestFetchSecret(t *testing.T) {
	t.Run("valid proof returns secret", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("proof") != "preimage-hex" {
				t.Errorf("proof not forwarded: %s", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(map[string]string{"secret": "aa11"})
		}))
		defer srv.Close()

		secret, err := NewHTTPIssuer(5*time.Second).FetchSecret(context.Background(), srv.URL, "r1", "b", "preimage-hex")
		if err != nil || secret != "aa11" {
			t.Errorf("FetchSecret() = %q, %v", secret, err)
		}
	})

	t.Run("non-2xx is a verification failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := NewHTTPIssuer(5*time.Second).FetchSecret(context.Background(), srv.URL, "r1", "b", "bad-proof")
		if !errors.Is(err, ErrVerificationFailed) {
			t.Errorf("FetchSecret() error = %v, want ErrVerificationFailed", err)
		}
	})

	t.Run("empty secret is a verification failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{})
		}))
		defer srv.Close()

		_, err := NewHTTPIssuer(5*time.Second).FetchSecret(context.Background(), srv.URL, "r1", "b", "p")
		if !errors.Is(err, ErrVerificationFailed) {
			t.Errorf("FetchSecret() error = %v, want ErrVerificationFailed", err)
		}
	})
}

func TestStalledIssuerTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewHTTPIssuer(10*time.Second).IssueInvoice(ctx, srv.URL, "r1", "b")
	if !errors.Is(err, ErrIssuerUnreachable) {
		t.Errorf("IssueInvoice() error = %v, want ErrIssuerUnreachable", err)
	}
	if time.Since(start) > time.Second {
		t.Error("request did not respect the context deadline")
	}
}
