package shopify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/resilience"
)

const (
	// APIVersion is the storefront admin API version used for adjustments.
	APIVersion = "2024-07"

	HeaderAccessToken  = "X-Shopify-Access-Token"
	HeaderWebhookHMAC  = "X-Shopify-Hmac-Sha256"
	HeaderOrigin       = "X-Ravenpos-Origin"
	HeaderOriginatedAt = "X-Ravenpos-Originated-At"
	HeaderSignature    = "X-Ravenpos-Signature"
	HeaderIdempotency  = "Idempotency-Key"
)

// ErrInvalidReference is returned when an item's external reference cannot
// be mapped to a storefront inventory item id.
var ErrInvalidReference = errors.New("shopify: invalid inventory reference")

// Client pushes relative stock adjustments to the storefront.
type Client struct {
	ShopURL     string
	AccessToken string
	LocationID  string
	Secret      string
	HTTP        resilience.HTTPClient
}

type adjustRequest struct {
	LocationID          int64 `json:"location_id"`
	InventoryItemID     int64 `json:"inventory_item_id"`
	AvailableAdjustment int   `json:"available_adjustment"`
}

// NewHTTPClient returns an http.Client instrumented with OpenTelemetry.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// PushAdjustment applies adj.Delta to the storefront level for adj.ExternalRef.
// The provenance tag travels as headers so the storefront side, and any
// webhook it fires back, can be matched to this change.
func (c *Client) PushAdjustment(ctx context.Context, adj inventory.Adjustment) error {
	if c == nil || strings.TrimSpace(c.ShopURL) == "" {
		return errors.New("shopify client not configured")
	}
	ctx, span := otel.Tracer("shopify.Client").Start(ctx, "Client.PushAdjustment")
	defer span.End()
	span.SetAttributes(attribute.String("inventory.ref", adj.ExternalRef), attribute.Int("inventory.delta", adj.Delta))

	itemID, err := InventoryItemID(adj.ExternalRef)
	if err != nil {
		return err
	}
	locationID, err := strconv.ParseInt(strings.TrimSpace(c.LocationID), 10, 64)
	if err != nil {
		return fmt.Errorf("shopify: invalid location id %q", c.LocationID)
	}
	body, err := json.Marshal(adjustRequest{LocationID: locationID, InventoryItemID: itemID, AvailableAdjustment: adj.Delta})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(c.ShopURL, "/") + "/admin/api/" + APIVersion + "/inventory_levels/adjust.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderAccessToken, c.AccessToken)
	req.Header.Set(HeaderOrigin, string(adj.Origin))
	if !adj.OriginatedAt.IsZero() {
		req.Header.Set(HeaderOriginatedAt, adj.OriginatedAt.UTC().Format(time.RFC3339Nano))
	}
	if adj.IdempotencyKey != "" {
		req.Header.Set(HeaderIdempotency, adj.IdempotencyKey)
	}
	if c.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(c.Secret, body))
	}

	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("shopify: adjust %s: %w", adj.ExternalRef, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("shopify: adjust %s: %s: %s", adj.ExternalRef, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}

// SingleAttempt limits h to one attempt. The adjust call is relative, so a
// repeat after a timeout can apply the delta twice; inline pushes also run
// inside the sale request and must not sit in retry waits.
func SingleAttempt(h resilience.HTTPClient) resilience.HTTPClient {
	h.MaxAttempts = 1
	return h
}

// InventoryItemID extracts the numeric id from either a bare id or a gid such
// as gid://shopify/InventoryItem/123.
func InventoryItemID(ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	return id, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
