package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/bizerr"
	"github.com/Zdanquxunhuan/ymall-claude-sub000/internal/inventory"
)

// InventoryHandler exposes stock reads and the cache sync trigger. Stock
// mutations only happen through events.
type InventoryHandler struct {
	Svc *inventory.Service
	Log *zap.Logger
}

func NewInventoryHandler(svc *inventory.Service, log *zap.Logger) *InventoryHandler {
	return &InventoryHandler{Svc: svc, Log: log}
}

func (h *InventoryHandler) Mount(r chi.Router) {
	r.Route("/api/v1/inventory", func(r chi.Router) {
		r.Get("/{warehouseId}/{skuId}", h.get)
		r.Post("/{warehouseId}/{skuId}/sync", h.sync)
	})
	r.Get("/api/v1/reservations/{orderNo}", h.reservations)
}

type stockResponse struct {
	WarehouseID int64  `json:"warehouse_id"`
	SkuID       int64  `json:"sku_id"`
	Available   int64  `json:"available"`
	Reserved    int64  `json:"reserved"`
	Cached      *int64 `json:"cached,omitempty"`
}

func (h *InventoryHandler) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wh, sku, err := pathIDs(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	c, err := h.Svc.Repo.GetCounters(ctx, wh, sku)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if c == nil {
		writeError(w, h.Log, bizerr.New(bizerr.CodeNotFound, "no stock counter for wh=%d sku=%d", wh, sku))
		return
	}

	resp := stockResponse{
		WarehouseID: c.WarehouseID,
		SkuID:       c.SkuID,
		Available:   c.Available,
		Reserved:    c.Reserved,
	}
	if cached, ok, err := h.Svc.Cache.GetStock(ctx, wh, sku); err == nil && ok {
		resp.Cached = &cached
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) sync(w http.ResponseWriter, r *http.Request) {
	wh, sku, err := pathIDs(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	available, err := h.Svc.Sync(r.Context(), wh, sku)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"available": available})
}

type reservationResponse struct {
	WarehouseID int64     `json:"warehouse_id"`
	SkuID       int64     `json:"sku_id"`
	Qty         int       `json:"qty"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *InventoryHandler) reservations(w http.ResponseWriter, r *http.Request) {
	orderNo := chi.URLParam(r, "orderNo")
	rows, err := h.Svc.Repo.FindReservations(r.Context(), orderNo)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	out := make([]reservationResponse, 0, len(rows))
	for _, res := range rows {
		out = append(out, reservationResponse{
			WarehouseID: res.WarehouseID,
			SkuID:       res.SkuID,
			Qty:         res.Qty,
			Status:      string(res.Status),
			ExpiresAt:   res.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func pathIDs(r *http.Request) (int64, int64, error) {
	wh, err := strconv.ParseInt(chi.URLParam(r, "warehouseId"), 10, 64)
	if err != nil {
		return 0, 0, bizerr.New(bizerr.CodeInvalidParam, "bad warehouse id")
	}
	sku, err := strconv.ParseInt(chi.URLParam(r, "skuId"), 10, 64)
	if err != nil {
		return 0, 0, bizerr.New(bizerr.CodeInvalidParam, "bad sku id")
	}
	return wh, sku, nil
}
