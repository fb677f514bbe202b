package shopify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/ravenpos/internal/events"
	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/lock"
	"github.com/noah-isme/ravenpos/internal/obs"
)

// InboundUpdate is an absolute stock level reported by the storefront.
type InboundUpdate struct {
	ExternalRef string               `json:"externalRef"`
	Available   int                  `json:"available"`
	Origin      inventory.SyncSource `json:"origin,omitempty"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// InboundResult describes what Apply did with an update.
type InboundResult string

const (
	InboundApplied  InboundResult = "applied"
	InboundEcho     InboundResult = "echo"
	InboundUnknown  InboundResult = "unknown_item"
	InboundDisabled InboundResult = "sync_disabled"
)

// ItemStore is the persistence needed to apply inbound levels.
type ItemStore interface {
	ItemByExternalRef(ctx context.Context, ref string) (inventory.Item, error)
	SetQuantityFromRemote(ctx context.Context, itemID uuid.UUID, qty int, at time.Time) error
}

// InboundSink accepts storefront updates, either applying them or queueing them.
type InboundSink interface {
	AcceptInbound(ctx context.Context, update InboundUpdate) error
}

// InboundApplier writes storefront stock levels locally unless they echo a
// change made at the register.
type InboundApplier struct {
	Items   ItemStore
	Guard   LoopGuard
	Locker  lock.Locker
	LockTTL time.Duration
	Events  *events.Bus
	Logger  *zerolog.Logger
	Now     func() time.Time

	// NotFound reports whether an ItemByExternalRef error means the item does not exist.
	NotFound func(error) bool
}

func (a *InboundApplier) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

// Apply processes one update. Items are serialised through a per-item lock
// when a Redis locker is configured.
func (a *InboundApplier) Apply(ctx context.Context, update InboundUpdate) (InboundResult, error) {
	if a == nil || a.Items == nil {
		return "", errors.New("inbound applier not configured")
	}
	ctx, span := otel.Tracer("shopify.InboundApplier").Start(ctx, "InboundApplier.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("inventory.ref", update.ExternalRef), attribute.Int("inventory.available", update.Available))

	if a.Guard.IsEcho(update) {
		recordInbound(InboundEcho)
		return InboundEcho, nil
	}
	item, err := a.Items.ItemByExternalRef(ctx, update.ExternalRef)
	if err != nil {
		if a.NotFound != nil && a.NotFound(err) {
			recordInbound(InboundUnknown)
			return InboundUnknown, nil
		}
		recordInbound("error")
		return "", err
	}
	if !item.SyncEnabled {
		recordInbound(InboundDisabled)
		return InboundDisabled, nil
	}

	var result InboundResult
	apply := func(ctx context.Context) error {
		current, err := a.Items.ItemByExternalRef(ctx, update.ExternalRef)
		if err != nil {
			return err
		}
		now := a.now()
		if a.Guard.ShouldIgnore(current, now) {
			result = InboundEcho
			return nil
		}
		if err := a.Items.SetQuantityFromRemote(ctx, current.ID, update.Available, now); err != nil {
			return err
		}
		result = InboundApplied
		a.emit(ctx, current, update)
		return nil
	}
	if a.Locker.R != nil {
		err = a.Locker.WithLock(ctx, a.Locker.Key("item", item.ID.String()), a.LockTTL, apply)
	} else {
		err = apply(ctx)
	}
	if err != nil {
		span.RecordError(err)
		recordInbound("error")
		return "", err
	}
	recordInbound(result)
	a.log().Debug().Str("item_id", item.ID.String()).Str("result", string(result)).Int("available", update.Available).Msg("inbound stock update")
	return result, nil
}

// AcceptInbound applies the update immediately.
func (a *InboundApplier) AcceptInbound(ctx context.Context, update InboundUpdate) error {
	_, err := a.Apply(ctx, update)
	return err
}

func (a *InboundApplier) emit(ctx context.Context, item inventory.Item, update InboundUpdate) {
	if a.Events == nil {
		return
	}
	payload := map[string]any{
		"itemId":      item.ID.String(),
		"sku":         item.SKU,
		"previous":    item.Quantity,
		"available":   update.Available,
		"source":      inventory.SourceShopify,
		"externalRef": update.ExternalRef,
	}
	if _, err := a.Events.Emit(ctx, events.TopicInventoryAdjusted, item.ID, payload); err != nil {
		a.log().Warn().Err(err).Str("item_id", item.ID.String()).Msg("emit inventory adjusted")
	}
}

func (a *InboundApplier) log() *zerolog.Logger {
	if a.Logger == nil {
		l := zerolog.Nop()
		return &l
	}
	return a.Logger
}

func recordInbound(result InboundResult) {
	if obs.InventoryInboundTotal != nil {
		obs.InventoryInboundTotal.WithLabelValues(string(result)).Inc()
	}
}
