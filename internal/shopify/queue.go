package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/obs"
)

const (
	// TypeInventoryPush pushes a local stock adjustment to the storefront.
	TypeInventoryPush = "inventory:push"
	// TypeInventoryInbound applies a storefront stock level locally.
	TypeInventoryInbound = "inventory:inbound"

	// QueueSync is the asynq queue used for storefront sync tasks.
	QueueSync = "sync"
)

// Pusher sends adjustments to the storefront.
type Pusher interface {
	PushAdjustment(ctx context.Context, adj inventory.Adjustment) error
}

// NewPushTask builds the task for adj. The idempotency key doubles as the
// task id so a retried enqueue does not push twice.
func NewPushTask(adj inventory.Adjustment, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(adj)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueSync), asynq.MaxRetry(maxRetry), asynq.Timeout(time.Minute)}
	if adj.IdempotencyKey != "" {
		opts = append(opts, asynq.TaskID("push:"+adj.IdempotencyKey))
	}
	return asynq.NewTask(TypeInventoryPush, payload, opts...), nil
}

// NewInboundTask builds the task that applies update.
func NewInboundTask(update InboundUpdate, maxRetry int) (*asynq.Task, error) {
	payload, err := json.Marshal(update)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeInventoryInbound, payload, asynq.Queue(QueueSync), asynq.MaxRetry(maxRetry)), nil
}

// QueuedPusher hands adjustments to the worker instead of calling the
// storefront inside the sale request.
type QueuedPusher struct {
	Client   *asynq.Client
	MaxRetry int
}

// PushAdjustment enqueues adj. A duplicate task id is treated as success.
func (q *QueuedPusher) PushAdjustment(ctx context.Context, adj inventory.Adjustment) error {
	if q == nil || q.Client == nil {
		return errors.New("sync queue not configured")
	}
	task, err := NewPushTask(adj, q.MaxRetry)
	if err != nil {
		return err
	}
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue inventory push: %w", err)
	}
	return nil
}

// AcceptInbound enqueues a storefront update for the worker.
func (q *QueuedPusher) AcceptInbound(ctx context.Context, update InboundUpdate) error {
	if q == nil || q.Client == nil {
		return errors.New("sync queue not configured")
	}
	task, err := NewInboundTask(update, q.MaxRetry)
	if err != nil {
		return err
	}
	if _, err := q.Client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue inbound update: %w", err)
	}
	return nil
}

// MarkerStore records that an item was last changed at the register.
type MarkerStore interface {
	MarkLocalSync(ctx context.Context, itemID uuid.UUID, at time.Time) error
}

// Worker handles sync tasks.
type Worker struct {
	Pusher  Pusher
	Inbound *InboundApplier
	// Markers refreshes the local sync marker right before each push. A task
	// may sit in the queue longer than the echo window, so the marker written
	// at enqueue time cannot be relied on.
	Markers MarkerStore
	Logger  *zerolog.Logger
	Now     func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

// Register installs the task handlers on mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeInventoryPush, w.HandlePush)
	mux.HandleFunc(TypeInventoryInbound, w.HandleInbound)
}

// HandlePush pushes a queued adjustment. Malformed payloads are not retried;
// a failed marker write skips the push and leaves the task for retry.
func (w *Worker) HandlePush(ctx context.Context, t *asynq.Task) error {
	if w.Pusher == nil {
		return errors.New("sync worker: pusher not configured")
	}
	var adj inventory.Adjustment
	if err := json.Unmarshal(t.Payload(), &adj); err != nil {
		return fmt.Errorf("decode adjustment: %v: %w", err, asynq.SkipRetry)
	}
	if w.Markers != nil {
		at := w.now()
		if err := w.Markers.MarkLocalSync(ctx, adj.ItemID, at); err != nil {
			recordDelivery("marker_failed")
			return fmt.Errorf("mark local sync for %s: %w", adj.ItemID, err)
		}
		adj.OriginatedAt = at
	}
	if err := w.Pusher.PushAdjustment(ctx, adj); err != nil {
		if errors.Is(err, ErrInvalidReference) {
			recordDelivery("rejected")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		recordDelivery("delivery_failed")
		return err
	}
	recordDelivery("delivered")
	w.log().Debug().Str("item_id", adj.ItemID.String()).Int("delta", adj.Delta).Msg("inventory push delivered")
	return nil
}

// HandleInbound applies a queued storefront update.
func (w *Worker) HandleInbound(ctx context.Context, t *asynq.Task) error {
	if w.Inbound == nil {
		return errors.New("sync worker: inbound applier not configured")
	}
	var update InboundUpdate
	if err := json.Unmarshal(t.Payload(), &update); err != nil {
		return fmt.Errorf("decode inbound update: %v: %w", err, asynq.SkipRetry)
	}
	_, err := w.Inbound.Apply(ctx, update)
	return err
}

func (w *Worker) log() *zerolog.Logger {
	if w.Logger == nil {
		l := zerolog.Nop()
		return &l
	}
	return w.Logger
}

func recordDelivery(result string) {
	if obs.InventorySyncPushTotal != nil {
		obs.InventorySyncPushTotal.WithLabelValues(result).Inc()
	}
}
