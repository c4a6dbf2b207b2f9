package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nabiroh/go-commerce-settlement/internal/apperr"
	"github.com/nabiroh/go-commerce-settlement/internal/catalog"
	"github.com/nabiroh/go-commerce-settlement/internal/orders"
	"github.com/nabiroh/go-commerce-settlement/internal/payment"
)

// Adapter JSON tipis di boundary controller. Identitas caller diambil dari
// header X-User-Id yang diisi layer auth di depan (di luar repo ini).
type SettlementHandler struct {
	Coordinator *payment.Service
	Orders      *orders.Repo
	Catalog     *catalog.Service
}

func (h *SettlementHandler) Register(r *chi.Mux) {
	r.Post("/orders", h.createOrder)
	r.Post("/payments/confirm", h.confirm)
	r.Post("/orders/{orderNumber}/cancel", h.cancel)
	r.Get("/products/featured", h.featured)
	r.Get("/products/popular", h.popular)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": apperr.UserMessage(err)})
}

func callerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get("X-User-Id"), 10, 64)
	return id, err == nil && id > 0
}

type createOrderReq struct {
	ProductID   int64   `json:"product_id,omitempty"`
	Qty         int     `json:"qty,omitempty"`
	CartLineIDs []int64 `json:"cart_line_ids,omitempty"`
}

type createOrderResp struct {
	OrderNumber string `json:"order_number"`
	OrderName   string `json:"order_name"`
	FinalPrice  int    `json:"final_price"`
}

func (h *SettlementHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var o orders.Order
	var err error
	if len(req.CartLineIDs) > 0 {
		o, err = h.Orders.CreateFromCart(ctx, userID, req.CartLineIDs)
	} else {
		o, err = h.Orders.CreateBuyNow(ctx, userID, req.ProductID, req.Qty)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createOrderResp{
		OrderNumber: o.OrderNumber, OrderName: o.OrderName, FinalPrice: o.FinalPrice,
	})
}

type confirmReq struct {
	OrderNumber string `json:"orderId"`
	PaymentKey  string `json:"paymentKey"`
	Amount      int    `json:"amount"`
}

func (h *SettlementHandler) confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing user"})
		return
	}
	var req confirmReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.OrderNumber == "" || req.PaymentKey == "" || req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing fields"})
		return
	}

	err := h.Coordinator.Confirm(r.Context(), payment.ConfirmInput{
		OrderNumber: req.OrderNumber,
		PaymentKey:  req.PaymentKey,
		Amount:      req.Amount,
		UserID:      userID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "PAID"})
}

type cancelReq struct {
	Reason string `json:"cancelReason"`
}

type cancelResp struct {
	Success      bool      `json:"success"`
	OrderNumber  string    `json:"orderNumber"`
	CanceledAt   time.Time `json:"canceledAt"`
	CancelAmount int       `json:"cancelAmount"`
	RefundMethod string    `json:"refundMethod,omitempty"`
}

func (h *SettlementHandler) cancel(w http.ResponseWriter, r *http.Request) {
	orderNumber := chi.URLParam(r, "orderNumber")
	var req cancelReq
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "customer request"
	}

	out, err := h.Coordinator.Cancel(r.Context(), orderNumber, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResp{
		Success:      true,
		OrderNumber:  out.OrderNumber,
		CanceledAt:   out.CanceledAt,
		CancelAmount: out.CancelAmount,
		RefundMethod: out.RefundMethod,
	})
}

func (h *SettlementHandler) featured(w http.ResponseWriter, r *http.Request) {
	list, err := h.Catalog.GetFeatured(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *SettlementHandler) popular(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	limit := queryInt(r, "limit", 10)
	list, err := h.Catalog.GetPopular(r.Context(), days, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
