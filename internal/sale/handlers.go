package sale

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/ravenpos/internal/common"
	"github.com/noah-isme/ravenpos/internal/pricing"
)

// Handler exposes quoting and sale completion over HTTP.
type Handler struct {
	Svc      *Service
	Items    ItemLookup
	Rates    pricing.RateProvider
	Validate *validator.Validate
}

type discountPayload struct {
	Kind   string          `json:"kind" validate:"required"`
	Value  decimal.Decimal `json:"value"`
	Reason string          `json:"reason" validate:"max=200"`
}

type linePayload struct {
	ItemID   string           `json:"itemId" validate:"required,uuid"`
	Quantity int              `json:"quantity" validate:"min=1"`
	Discount *discountPayload `json:"discount" validate:"omitempty"`
}

type quotePayload struct {
	Lines          []linePayload     `json:"lines" validate:"required,min=1,dive"`
	OrderDiscounts []discountPayload `json:"orderDiscounts" validate:"dive"`
}

type salePayload struct {
	quotePayload
	PaymentMethod    string           `json:"paymentMethod" validate:"required,oneof=cash card"`
	CashTendered     *decimal.Decimal `json:"cashTendered"`
	PaymentReference string           `json:"paymentReference" validate:"max=120"`
	CustomerID       string           `json:"customerId" validate:"omitempty,uuid"`
}

type quoteResponse struct {
	Lines          []pricing.CartLine `json:"lines"`
	Totals         pricing.CartTotals `json:"totals"`
	OrderDiscounts []pricing.Discount `json:"orderDiscounts"`
}

// Quote prices a cart without recording anything.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if h.Items == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "item lookup not configured", nil)
		return
	}
	var payload quotePayload
	if !h.decode(w, r, &payload) {
		return
	}
	lines, orderDiscounts, err := h.buildLines(r, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	totals, applied, err := pricing.Totals(lines, orderDiscounts)
	if err != nil {
		h.writeError(w, validationError(err))
		return
	}
	common.Data(w, http.StatusOK, quoteResponse{Lines: lines, Totals: totals, OrderDiscounts: applied}, nil)
}

// Complete reprices the cart from stored items and records the sale.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil || h.Items == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "sale service not configured", nil)
		return
	}
	var payload salePayload
	if !h.decode(w, r, &payload) {
		return
	}
	lines, orderDiscounts, err := h.buildLines(r, payload.quotePayload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	totals, _, err := pricing.Totals(lines, orderDiscounts)
	if err != nil {
		h.writeError(w, validationError(err))
		return
	}
	req := Request{
		Lines:            lines,
		Subtotal:         totals.Subtotal,
		TaxTotal:         totals.TaxTotal,
		Total:            totals.Total,
		PaymentMethod:    PaymentMethod(payload.PaymentMethod),
		PaymentReference: strings.TrimSpace(payload.PaymentReference),
		OrderDiscounts:   orderDiscounts,
	}
	if req.PaymentMethod == Cash {
		if payload.CashTendered == nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "cashTendered is required for cash sales", nil)
			return
		}
		req.CashTendered = *payload.CashTendered
		req.ChangeGiven = pricing.Round2(req.CashTendered.Sub(totals.Total))
	}
	if payload.CustomerID != "" {
		id, err := uuid.Parse(payload.CustomerID)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid customerId", nil)
			return
		}
		req.CustomerID = &id
	}

	out, err := h.Svc.Complete(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, out, map[string]any{
		"degraded": out.Degraded(),
		"warnings": len(out.InventoryFailures) + len(out.SyncFailures),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	v := h.Validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid payload", fieldErrors(err))
		return false
	}
	return true
}

func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"payload": err.Error()}
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Namespace()] = fe.Tag()
	}
	return out
}

func (h *Handler) buildLines(r *http.Request, payload quotePayload) ([]pricing.CartLine, []pricing.Discount, error) {
	ids := make([]uuid.UUID, 0, len(payload.Lines))
	seen := make(map[uuid.UUID]struct{}, len(payload.Lines))
	for _, l := range payload.Lines {
		id, err := uuid.Parse(l.ItemID)
		if err != nil {
			return nil, nil, validationError(fmt.Errorf("invalid item id %q", l.ItemID))
		}
		if _, dup := seen[id]; dup {
			return nil, nil, validationError(fmt.Errorf("%w: %s", ErrDuplicateLine, id))
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	items, err := h.Items.ItemsByIDs(r.Context(), ids)
	if err != nil {
		return nil, nil, err
	}

	lines := make([]pricing.CartLine, 0, len(payload.Lines))
	for i, l := range payload.Lines {
		item, ok := items[ids[i]]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, ids[i])
		}
		if l.Quantity > item.Quantity {
			return nil, nil, common.NewAppError("INSUFFICIENT_STOCK",
				fmt.Sprintf("only %d of %s on hand", item.Quantity, item.SKU), http.StatusConflict, ErrInsufficientStock)
		}
		discount, err := toDiscount(l.Discount)
		if err != nil {
			return nil, nil, validationError(err)
		}
		line, err := pricing.BuildLine(h.Rates, item, l.Quantity, discount)
		if err != nil {
			return nil, nil, validationError(err)
		}
		lines = append(lines, line)
	}

	orderDiscounts := make([]pricing.Discount, 0, len(payload.OrderDiscounts))
	for i := range payload.OrderDiscounts {
		d, err := toDiscount(&payload.OrderDiscounts[i])
		if err != nil {
			return nil, nil, validationError(err)
		}
		orderDiscounts = append(orderDiscounts, *d)
	}
	return lines, orderDiscounts, nil
}

func toDiscount(p *discountPayload) (*pricing.Discount, error) {
	if p == nil {
		return nil, nil
	}
	kind, err := pricing.ParseDiscountKind(p.Kind)
	if err != nil {
		return nil, err
	}
	d := pricing.Discount{Kind: kind, Value: p.Value, Reason: strings.TrimSpace(p.Reason)}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	common.WriteError(w, toAppError(err))
}

// toAppError maps sale errors onto API codes.
func toAppError(err error) error {
	if common.IsAppError(err) {
		return err
	}
	var stepErr *StepError
	switch {
	case errors.Is(err, ErrInsufficientCash):
		return common.NewAppError("INSUFFICIENT_CASH", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrValidation):
		return common.NewAppError("VALIDATION_ERROR", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrItemNotFound):
		return common.NewAppError("NOT_FOUND", err.Error(), http.StatusNotFound, err)
	case errors.As(err, &stepErr):
		appErr := common.NewAppError("SALE_FAILED", "unable to record sale", http.StatusInternalServerError, err).
			With("step", stepErr.Step)
		if stepErr.SaleID != "" {
			appErr.With("saleId", stepErr.SaleID)
		}
		return appErr
	default:
		return err
	}
}
