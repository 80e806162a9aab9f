package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/event"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/orders"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/pricing"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/redisx"
)

// OrderHandler serves the order service's synchronous surface. Creation is
// idempotent per (user, client request id); everything after creation moves
// through events.
type OrderHandler struct {
	Store   orders.Store
	Machine *orders.Machine
	Outbox  orders.Stager
	Pricing pricing.Client
	RDB     *redis.Client
	Log     *zap.Logger
}

func NewOrderHandler(store orders.Store, m *orders.Machine, ob orders.Stager, pc pricing.Client, rdb *redis.Client, log *zap.Logger) *OrderHandler {
	return &OrderHandler{Store: store, Machine: m, Outbox: ob, Pricing: pc, RDB: rdb, Log: log}
}

func (h *OrderHandler) Mount(r chi.Router) {
	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{orderNo}", h.get)
		r.Post("/{orderNo}/cancel", h.cancel)
	})
}

type createOrderRequest struct {
	UserID          int64  `json:"user_id"`
	ClientRequestID string `json:"client_request_id"`
	PriceLockNo     string `json:"price_lock_no"`
	Remark          string `json:"remark"`
}

type orderResponse struct {
	OrderNo   string         `json:"order_no"`
	UserID    int64          `json:"user_id"`
	Status    string         `json:"status"`
	Amount    int64          `json:"amount_cents"`
	PayNo     string         `json:"pay_no,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Items     []itemResponse `json:"items,omitempty"`
}

type itemResponse struct {
	SkuID       int64  `json:"sku_id"`
	WarehouseID int64  `json:"warehouse_id"`
	Qty         int    `json:"qty"`
	Title       string `json:"title"`
	UnitPrice   int64  `json:"unit_price_cents"`
	Payable     int64  `json:"payable_cents"`
}

func toOrderResponse(o *orders.Order, items []orders.OrderItem) orderResponse {
	resp := orderResponse{
		OrderNo:   o.OrderNo,
		UserID:    o.UserID,
		Status:    string(o.Status),
		Amount:    o.Amount,
		PayNo:     o.PayNo,
		CreatedAt: o.CreatedAt,
	}
	for _, it := range items {
		resp.Items = append(resp.Items, itemResponse{
			SkuID:       it.SkuID,
			WarehouseID: it.WarehouseID,
			Qty:         it.Qty,
			Title:       it.TitleSnapshot,
			UnitPrice:   it.PriceSnapshot,
			Payable:     it.PayableAmount,
		})
	}
	return resp
}

func (h *OrderHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, bizerr.Wrap(bizerr.CodeInvalidParam, err, "invalid body"))
		return
	}
	if req.UserID <= 0 || req.ClientRequestID == "" || req.PriceLockNo == "" {
		writeError(w, h.Log, bizerr.New(bizerr.CodeInvalidParam, "user_id, client_request_id and price_lock_no are required"))
		return
	}

	// Fast idempotency path: a cached request id short-circuits before the
	// pricing call. The unique index on (user_id, client_request_id) is the
	// real guard underneath.
	idemKey := redisx.IdemOrderCreateKey(req.UserID, req.ClientRequestID)
	if orderNo, err := h.RDB.Get(ctx, idemKey).Result(); err == nil && orderNo != "" {
		h.respondExisting(ctx, w, orderNo)
		return
	}
	if existing, err := h.Store.FindByClientRequest(ctx, req.UserID, req.ClientRequestID); err != nil {
		writeError(w, h.Log, err)
		return
	} else if existing != nil {
		h.respondExistingOrder(ctx, w, existing)
		return
	}

	orderNo := orders.NewOrderNo(time.Now())
	locked, err := h.Pricing.UsePriceLock(ctx, req.PriceLockNo, orderNo)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	ord := &orders.Order{
		OrderNo:         orderNo,
		UserID:          req.UserID,
		Status:          orders.StatusCreated,
		Amount:          locked.TotalCents,
		ClientRequestID: req.ClientRequestID,
		PriceLockNo:     req.PriceLockNo,
		Remark:          req.Remark,
	}
	items := make([]orders.OrderItem, 0, len(locked.Items))
	eventItems := make([]event.ItemQty, 0, len(locked.Items))
	for _, li := range locked.Items {
		items = append(items, orders.OrderItem{
			SkuID:          li.SkuID,
			WarehouseID:    li.WarehouseID,
			Qty:            li.Qty,
			TitleSnapshot:  li.Title,
			PriceSnapshot:  li.UnitPrice,
			DiscountAmount: li.DiscountCents,
			PayableAmount:  li.PayableCents,
		})
		eventItems = append(eventItems, event.ItemQty{
			SkuID: li.SkuID, WarehouseID: li.WarehouseID, Qty: li.Qty,
		})
	}

	err = h.Store.Create(ctx, ord, items, func(ctx context.Context, tx pgx.Tx) error {
		_, err := h.Outbox.Stage(ctx, tx, ord.OrderNo,
			event.TopicOrderCreated, event.TypeOrderCreated,
			event.OrderCreatedPayload{
				OrderNo: ord.OrderNo,
				UserID:  ord.UserID,
				Amount:  ord.Amount,
				Items:   eventItems,
			}, traceID(r))
		return err
	})
	if errors.Is(err, orders.ErrDuplicateRequest) {
		// Lost the creation race to a concurrent identical request.
		if existing, ferr := h.Store.FindByClientRequest(ctx, req.UserID, req.ClientRequestID); ferr == nil && existing != nil {
			h.respondExistingOrder(ctx, w, existing)
			return
		}
		writeError(w, h.Log, bizerr.New(bizerr.CodeConflict, "duplicate request"))
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if err := h.RDB.Set(ctx, idemKey, ord.OrderNo, redisx.TTLIdemOrderCreate).Err(); err != nil {
		h.Log.Warn("idempotency key write failed", zap.String("orderNo", ord.OrderNo), zap.Error(err))
	}

	h.Log.Info("order created",
		zap.String("orderNo", ord.OrderNo),
		zap.Int64("userId", ord.UserID),
		zap.Int64("amount", ord.Amount))
	writeJSON(w, http.StatusCreated, toOrderResponse(ord, items))
}

func (h *OrderHandler) respondExisting(ctx context.Context, w http.ResponseWriter, orderNo string) {
	ord, err := h.Store.FindByOrderNo(ctx, orderNo)
	if err != nil || ord == nil {
		writeError(w, h.Log, bizerr.New(bizerr.CodeNotFound, "order %s not found", orderNo))
		return
	}
	h.respondExistingOrder(ctx, w, ord)
}

func (h *OrderHandler) respondExistingOrder(ctx context.Context, w http.ResponseWriter, ord *orders.Order) {
	items, err := h.Store.FindItems(ctx, ord.OrderNo)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(ord, items))
}

func (h *OrderHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNo := chi.URLParam(r, "orderNo")

	ord, err := h.Store.FindByOrderNo(ctx, orderNo)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if ord == nil {
		writeError(w, h.Log, bizerr.New(bizerr.CodeNotFound, "order %s not found", orderNo))
		return
	}
	items, err := h.Store.FindItems(ctx, orderNo)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(ord, items))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderNo := chi.URLParam(r, "orderNo")

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ord, err := h.Store.FindByOrderNo(ctx, orderNo)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if ord == nil {
		writeError(w, h.Log, bizerr.New(bizerr.CodeNotFound, "order %s not found", orderNo))
		return
	}
	if ord.Status == orders.StatusCanceled {
		writeJSON(w, http.StatusOK, map[string]string{"order_no": orderNo, "status": string(ord.Status)})
		return
	}
	if !orders.CanCancel(ord.Status) {
		writeError(w, h.Log, bizerr.New(bizerr.CodeStateInvalid, "order %s cannot be canceled from %s", orderNo, ord.Status))
		return
	}

	out, err := h.Machine.Fire(ctx, orders.Trigger{
		OrderNo:  orderNo,
		Event:    orders.EventCancel,
		Operator: "user",
		Remark:   req.Reason,
		TraceID:  traceID(r),
		Stage: func(ctx context.Context, tx pgx.Tx, _, _ orders.Status) error {
			_, err := h.Outbox.Stage(ctx, tx, orderNo,
				event.TopicOrderCanceled, event.TypeOrderCanceled,
				event.OrderCanceledPayload{
					OrderNo:      orderNo,
					UserID:       ord.UserID,
					CancelReason: req.Reason,
					Operator:     "user",
				}, traceID(r))
			return err
		},
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	switch out.Kind {
	case orders.OutcomeApplied, orders.OutcomeDuplicate:
		writeJSON(w, http.StatusOK, map[string]string{"order_no": orderNo, "status": string(orders.StatusCanceled)})
	default:
		writeError(w, h.Log, bizerr.New(bizerr.CodeStateInvalid, "order %s moved to %s, cancel rejected", orderNo, out.From))
	}
}

func traceID(r *http.Request) string {
	if v := r.Header.Get("X-Trace-Id"); v != "" {
		return v
	}
	return r.Header.Get("X-Request-Id")
}
