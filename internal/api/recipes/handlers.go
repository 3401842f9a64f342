// Package recipes exposes the gating service over HTTP. Handlers translate
// between the JSON API and service calls; all payment and ownership
// decisions live in internal/gating.
package recipes

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recipegate/recipegate/internal/gating"
	"github.com/recipegate/recipegate/internal/middleware"
	"github.com/recipegate/recipegate/internal/payments"
	"github.com/recipegate/recipegate/internal/store"
	"github.com/recipegate/recipegate/internal/telemetry"
)

// Handler serves the /v1/recipes routes.
type Handler struct {
	svc    *gating.Service
	logger *slog.Logger
}

// NewHandler creates a recipes handler.
func NewHandler(svc *gating.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

type createRequest struct {
	Title           string          `json:"title" binding:"required"`
	Preview         string          `json:"preview"`
	Image           string          `json:"image"`
	Payload         json.RawMessage `json:"payload" binding:"required"`
	CostMilliUnits  int64           `json:"costMilliUnits" binding:"required"`
	PaymentEndpoint string          `json:"paymentEndpoint" binding:"required"`
	PayoutAddress   string          `json:"payoutAddress"`
	ExternalRef     string          `json:"externalRef"`
}

// Create gates a new recipe. The caller becomes the author; the response
// carries the generated id for the public marker and the secret, which is
// returned exactly once.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	author := middleware.CallerIdentity(c)
	created, err := h.svc.Create(c.Request.Context(), author, gating.CreateInput{
		Content: &gating.Recipe{
			Title:   req.Title,
			Author:  author,
			Preview: req.Preview,
			Image:   req.Image,
			Payload: req.Payload,
		},
		CostMilliUnits:  req.CostMilliUnits,
		PaymentEndpoint: req.PaymentEndpoint,
		PayoutAddress:   req.PayoutAddress,
		ExternalRef:     req.ExternalRef,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	telemetry.RecipesCreatedTotal.WithLabelValues("false").Inc()
	c.JSON(http.StatusCreated, created)
}

// List returns pre-payment metadata for every known recipe.
func (h *Handler) List(c *gin.Context) {
	metas, err := h.svc.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipes": metas})
}

// Get returns pre-payment metadata for one recipe.
func (h *Handler) Get(c *gin.Context) {
	meta, err := h.svc.Metadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// Check inspects a public content-carrier marker. Unknown ids are not an
// error: the response says the server holds no data, which is the signal for
// the author to backfill.
func (h *Handler) Check(c *gin.Context) {
	var marker gating.Marker
	if err := c.ShouldBindJSON(&marker); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid marker: " + err.Error()})
		return
	}

	meta, err := h.svc.CheckIfGated(c.Request.Context(), &marker)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if meta == nil {
		c.JSON(http.StatusOK, gin.H{"gated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gated": true, "metadata": meta})
}

// Content returns the decrypted recipe for a buyer with a confirmed
// purchase. Anyone else gets 402 with no detail about whether the record
// exists or what failed.
func (h *Handler) Content(c *gin.Context) {
	content, err := h.svc.CheckAccess(c.Request.Context(), c.Param("id"), middleware.CallerIdentity(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, content)
}

// Invoice requests a payment invoice for the caller. Already-settled pairs
// short-circuit without minting a new invoice.
func (h *Handler) Invoice(c *gin.Context) {
	req, err := h.svc.RequestPayment(c.Request.Context(), c.Param("id"), middleware.CallerIdentity(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !req.AlreadyPaid {
		telemetry.InvoicesIssuedTotal.Inc()
	}
	c.JSON(http.StatusOK, req)
}

type claimRequest struct {
	Proof string `json:"proof" binding:"required"`
}

// Claim presents a settlement proof and, when it verifies, releases the
// content secret.
func (h *Handler) Claim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	secret, err := h.svc.FetchSecret(c.Request.Context(), c.Param("id"), middleware.CallerIdentity(c), req.Proof)
	if err != nil {
		h.writeError(c, err)
		return
	}

	telemetry.SecretsReleasedTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}

type backfillRequest struct {
	Content          *gating.Recipe `json:"content" binding:"required"`
	CostDisplayUnits int64          `json:"costDisplayUnits" binding:"required"`
	PaymentEndpoint  string         `json:"paymentEndpoint" binding:"required"`
}

// Backfill recreates a missing record under a pre-existing marker id.
func (h *Handler) Backfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	err := h.svc.Backfill(c.Request.Context(), middleware.CallerIdentity(c),
		c.Param("id"), req.Content, req.CostDisplayUnits, req.PaymentEndpoint)
	if err != nil {
		h.writeError(c, err)
		return
	}

	telemetry.RecipesCreatedTotal.WithLabelValues("true").Inc()
	c.JSON(http.StatusOK, gin.H{"backfilled": true})
}

type updateRefRequest struct {
	ExternalRef string `json:"externalRef" binding:"required"`
}

// UpdateRef rewrites the content-carrier pointer on a record the caller owns.
func (h *Handler) UpdateRef(c *gin.Context) {
	var req updateRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if err := h.svc.UpdateExternalRef(c.Request.Context(), middleware.CallerIdentity(c), c.Param("id"), req.ExternalRef); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// RebuildIndex reconciles the enumeration index from the store's native key
// listing. Operator endpoint, still authenticated.
func (h *Handler) RebuildIndex(c *gin.Context) {
	n, err := h.svc.RebuildIndex(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"indexed": n})
}

// writeError maps service errors to HTTP responses. Access failures share
// one deliberately vague 402 so responses do not reveal whether a record
// exists, is unpaid, or failed verification in a particular way.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gating.ErrIdentityUnresolved):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, gating.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the content author"})
	case errors.Is(err, gating.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no such recipe"})
	case errors.Is(err, gating.ErrNoAccess), errors.Is(err, payments.ErrVerificationFailed):
		if errors.Is(err, payments.ErrVerificationFailed) {
			telemetry.PaymentVerificationFailuresTotal.Inc()
		}
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment required"})
	case errors.Is(err, gating.ErrContentCorrupted):
		telemetry.ContentDecryptFailuresTotal.Inc()
		h.logger.Error("stored content failed to decrypt", "error", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "content unavailable"})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, payments.ErrIssuerUnreachable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry later"})
	default:
		h.logger.Error("unhandled service error", "error", err, "path", c.FullPath())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
