package shopify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/ravenpos/internal/common"
	"github.com/noah-isme/ravenpos/internal/inventory"
)

// WebhookHandler receives inventory level updates from the storefront and
// hands them to Sink.
type WebhookHandler struct {
	Secret  string
	Sink    InboundSink
	MaxBody int64
}

type inventoryLevelPayload struct {
	InventoryItemID int64     `json:"inventory_item_id"`
	Available       *int      `json:"available"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Handle verifies the signature and accepts the update.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Sink == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "SYNC_DISABLED", "inventory sync is disabled", nil)
		return
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read body", nil)
		return
	}
	if !VerifyWebhook(h.Secret, body, r.Header.Get(HeaderWebhookHMAC)) {
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature mismatch", nil)
		return
	}
	var payload inventoryLevelPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.InventoryItemID <= 0 || payload.Available == nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid inventory level payload", nil)
		return
	}
	update := InboundUpdate{
		ExternalRef: strconv.FormatInt(payload.InventoryItemID, 10),
		Available:   *payload.Available,
		Origin:      inventory.SyncSource(strings.TrimSpace(r.Header.Get(HeaderOrigin))),
		UpdatedAt:   payload.UpdatedAt,
	}
	if err := h.Sink.AcceptInbound(r.Context(), update); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to accept update", nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// VerifyWebhook checks a base64 HMAC-SHA256 signature. An empty secret
// rejects every request.
func VerifyWebhook(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
