package sale

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/ravenpos/internal/events"
	"github.com/noah-isme/ravenpos/internal/inventory"
	"github.com/noah-isme/ravenpos/internal/obs"
	"github.com/noah-isme/ravenpos/internal/pricing"
)

var nopLogger = zerolog.Nop()

// Service completes sales. Persisting the sale and its items is fatal on
// failure; stock decrements and storefront sync are best effort.
type Service struct {
	Store  Store
	Pusher Pusher
	Events *events.Bus
	Logger *zerolog.Logger
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *zerolog.Logger {
	if s == nil || s.Logger == nil {
		return &nopLogger
	}
	return s.Logger
}

// Complete records a sale and applies its stock side effects. Calling it
// twice with the same cart records two sales.
func (s *Service) Complete(ctx context.Context, req Request) (Outcome, error) {
	if s == nil || s.Store == nil {
		return Outcome{}, errors.New("sale service not configured")
	}
	ctx, span := otel.Tracer("sale.Service").Start(ctx, "Service.Complete")
	defer span.End()
	start := time.Now()

	if err := validate(req); err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	totals, applied, err := pricing.Totals(req.Lines, req.OrderDiscounts)
	if err != nil {
		span.RecordError(err)
		return Outcome{}, validationError(err)
	}

	record := Sale{
		ID:             uuid.New(),
		Subtotal:       req.Subtotal,
		TaxAmount:      req.TaxTotal,
		Total:          req.Total,
		PaymentMethod:  req.PaymentMethod,
		CustomerID:     req.CustomerID,
		OrderDiscounts: applied,
		DiscountTotal:  totals.DiscountTotal,
		CreatedAt:      s.now(),
	}
	switch req.PaymentMethod {
	case Cash:
		tendered, change := req.CashTendered, req.ChangeGiven
		record.CashTendered = &tendered
		record.ChangeGiven = &change
	case Card:
		record.PaymentReference = req.PaymentReference
	}
	if !totals.Total.Equal(req.Total) {
		s.logger().Warn().
			Str("submitted_total", req.Total.String()).
			Str("computed_total", totals.Total.String()).
			Msg("sale_total_mismatch")
	}

	created, err := s.Store.InsertSale(ctx, record)
	if err != nil {
		return Outcome{}, s.fatal(span, &StepError{Step: StepSale, Fatal: true, Err: err})
	}
	span.SetAttributes(attribute.String("sale.id", created.ID.String()), attribute.Int("sale.lines", len(req.Lines)))

	items, err := s.saleItems(ctx, created.ID, req.Lines)
	if err == nil {
		items, err = s.Store.InsertSaleItems(ctx, items)
	}
	if err != nil {
		// The sale row from the previous step stays behind without items.
		return Outcome{}, s.fatal(span, &StepError{Step: StepSaleItems, Fatal: true, SaleID: created.ID.String(), Err: err})
	}

	out := Outcome{Sale: created, Items: items}
	out.InventoryFailures = s.decrementStock(ctx, created.ID, req.Lines)
	out.SyncFailures = s.pushAdjustments(ctx, created.ID, req.Lines)

	if obs.SalesCompletedTotal != nil {
		obs.SalesCompletedTotal.WithLabelValues(string(created.PaymentMethod)).Inc()
	}
	if obs.SaleCompletionLatency != nil {
		obs.SaleCompletionLatency.Observe(obs.DurationMillis(time.Since(start)))
	}
	s.emit(ctx, out)
	s.logger().Info().
		Str("sale_id", created.ID.String()).
		Str("total", created.Total.String()).
		Str("payment_method", string(created.PaymentMethod)).
		Int("inventory_failures", len(out.InventoryFailures)).
		Int("sync_failures", len(out.SyncFailures)).
		Msg("sale_completed")
	return out, nil
}

func validate(req Request) error {
	if len(req.Lines) == 0 {
		return validationError(ErrEmptyCart)
	}
	switch req.PaymentMethod {
	case Cash:
		if req.CashTendered.LessThan(req.Total) {
			return validationError(ErrInsufficientCash)
		}
	case Card:
	default:
		return validationError(ErrUnknownPaymentMethod)
	}
	for _, l := range req.Lines {
		if l.Quantity < 1 {
			return validationError(pricing.ErrInvalidQuantity)
		}
		if l.Discount != nil {
			if err := l.Discount.Validate(); err != nil {
				return validationError(err)
			}
		}
	}
	for _, d := range req.OrderDiscounts {
		if err := d.Validate(); err != nil {
			return validationError(err)
		}
	}
	return nil
}

func (s *Service) saleItems(ctx context.Context, saleID uuid.UUID, lines []pricing.CartLine) ([]Item, error) {
	var consignors []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	for _, l := range lines {
		if l.Item.ConsignorID == nil {
			continue
		}
		if _, ok := seen[*l.Item.ConsignorID]; ok {
			continue
		}
		seen[*l.Item.ConsignorID] = struct{}{}
		consignors = append(consignors, *l.Item.ConsignorID)
	}
	splits := map[uuid.UUID]decimal.Decimal{}
	if len(consignors) > 0 {
		var err error
		splits, err = s.Store.CommissionSplits(ctx, consignors)
		if err != nil {
			return nil, err
		}
	}

	items := make([]Item, 0, len(lines))
	for _, l := range lines {
		it := Item{
			ID:          uuid.New(),
			SaleID:      saleID,
			ItemID:      l.Item.ID,
			ConsignorID: l.Item.ConsignorID,
			SKU:         l.Item.SKU,
			Name:        l.Item.DisplayName(),
			UnitPrice:   l.Item.Price,
			Quantity:    l.Quantity,
		}
		if l.Item.ConsignorID != nil {
			if split, ok := splits[*l.Item.ConsignorID]; ok {
				it.CommissionSplit = &split
			}
		}
		if l.Discount != nil {
			kind, value, amount := l.Discount.Kind, l.Discount.Value, l.Discount.CalculatedAmount
			it.DiscountKind = &kind
			it.DiscountValue = &value
			it.DiscountAmount = &amount
			it.DiscountReason = l.Discount.Reason
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *Service) decrementStock(ctx context.Context, saleID uuid.UUID, lines []pricing.CartLine) []LineFailure {
	var failures []LineFailure
	for _, l := range lines {
		if err := s.Store.DecrementQuantity(ctx, l.Item.ID, l.Quantity); err != nil {
			failures = append(failures, s.nonFatal(saleID, StepInventory, l, err))
		}
	}
	return failures
}

func (s *Service) pushAdjustments(ctx context.Context, saleID uuid.UUID, lines []pricing.CartLine) []LineFailure {
	if s.Pusher == nil {
		return nil
	}
	var failures []LineFailure
	for i, l := range lines {
		if !l.Item.Syncable() {
			continue
		}
		at := s.now()
		if err := s.Store.MarkLocalSync(ctx, l.Item.ID, at); err != nil {
			// Pushing without the marker would let the echo overwrite local stock.
			failures = append(failures, s.nonFatal(saleID, StepSync, l, err))
			recordPush("marker_failed")
			continue
		}
		adj := inventory.Adjustment{
			ItemID:         l.Item.ID,
			ExternalRef:    l.Item.ExternalRef,
			Delta:          -l.Quantity,
			Origin:         inventory.SourceLocal,
			OriginatedAt:   at,
			IdempotencyKey: saleID.String() + ":" + strconv.Itoa(i),
		}
		if err := s.Pusher.PushAdjustment(ctx, adj); err != nil {
			failures = append(failures, s.nonFatal(saleID, StepSync, l, err))
			recordPush("failed")
			continue
		}
		recordPush("pushed")
	}
	return failures
}

func (s *Service) nonFatal(saleID uuid.UUID, step Step, l pricing.CartLine, err error) LineFailure {
	if obs.SaleStepFailuresTotal != nil {
		obs.SaleStepFailuresTotal.WithLabelValues(string(step), "false").Inc()
	}
	s.logger().Warn().Err(err).
		Str("sale_id", saleID.String()).
		Str("item_id", l.Item.ID.String()).
		Str("sku", l.Item.SKU).
		Str("step", string(step)).
		Msg("sale_step_failed")
	return LineFailure{ItemID: l.Item.ID, SKU: l.Item.SKU, Message: err.Error(), Err: err}
}

func (s *Service) fatal(span trace.Span, stepErr *StepError) error {
	span.RecordError(stepErr)
	span.SetStatus(codes.Error, stepErr.Error())
	if obs.SaleStepFailuresTotal != nil {
		obs.SaleStepFailuresTotal.WithLabelValues(string(stepErr.Step), "true").Inc()
	}
	evt := s.logger().Error().Err(stepErr.Err).Str("step", string(stepErr.Step))
	if stepErr.SaleID != "" {
		evt = evt.Str("sale_id", stepErr.SaleID).Bool("orphaned_sale", true)
	}
	evt.Msg("sale_failed")
	return stepErr
}

func (s *Service) emit(ctx context.Context, out Outcome) {
	if s.Events == nil {
		return
	}
	payload := map[string]any{
		"saleId":        out.Sale.ID.String(),
		"total":         out.Sale.Total,
		"paymentMethod": out.Sale.PaymentMethod,
		"lines":         len(out.Items),
	}
	if _, err := s.Events.Emit(ctx, events.TopicSaleCompleted, out.Sale.ID, payload); err != nil {
		s.logger().Warn().Err(err).Str("sale_id", out.Sale.ID.String()).Msg("emit_sale_completed")
	}
	if !out.Degraded() {
		return
	}
	degraded := map[string]any{
		"saleId":            out.Sale.ID.String(),
		"inventoryFailures": out.InventoryFailures,
		"syncFailures":      out.SyncFailures,
	}
	if _, err := s.Events.Emit(ctx, events.TopicSaleDegraded, out.Sale.ID, degraded); err != nil {
		s.logger().Warn().Err(err).Str("sale_id", out.Sale.ID.String()).Msg("emit_sale_degraded")
	}
}

func recordPush(result string) {
	if obs.InventorySyncPushTotal != nil {
		obs.InventorySyncPushTotal.WithLabelValues(result).Inc()
	}
}
