package api

import (
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/fsm"
	"github.com/buildtall-systems/chainpos/internal/payment"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// maxPage keeps (page-1)*limit within int for every allowed limit.
	maxPage = math.MaxInt / maxPageSize
)

type createOrderRequest struct {
	MerchantID  string `json:"merchantId"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Amount      string `json:"amount"`
}

func (req createOrderRequest) validate() error {
	switch {
	case strings.TrimSpace(req.MerchantID) == "":
		return errors.New("merchantId is required")
	case strings.TrimSpace(req.ProductID) == "":
		return errors.New("productId is required")
	case req.Amount == "":
		return errors.New("amount is required")
	}
	amount, ok := new(big.Rat).SetString(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return errors.New("amount must be a positive decimal")
	}
	return nil
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := s.store.CreateOrder(r.Context(), db.NewOrder{
		MerchantID:  req.MerchantID,
		ProductID:   req.ProductID,
		ProductName: req.ProductName,
		Amount:      req.Amount,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("merchant_id", req.MerchantID).Msg("creating order")
		writeError(w, http.StatusInternalServerError, "failed to create order")
		return
	}

	// The order exists either way; a watch failure only delays confirmation
	// until the next restart.
	if err := s.core.OnOrderCreated(r.Context(), order.ID); err != nil {
		s.logger.Error().Err(err).Str("order_id", order.ID).Msg("starting payment watch")
	}

	s.logger.Info().
		Str("order_id", order.ID).
		Str("merchant_id", order.MerchantID).
		Str("amount", order.Amount).
		Msg("order created")

	writeOK(w, http.StatusCreated, "order created", map[string]any{
		"order":      newOrderView(order),
		"paymentUrl": s.core.PaymentURL(order.ID),
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := s.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", orderID).Msg("loading order")
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	writeOK(w, http.StatusOK, "", newOrderView(order))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	merchantID := r.Header.Get(MerchantHeader)
	if merchantID == "" {
		writeError(w, http.StatusBadRequest, MerchantHeader+" header is required")
		return
	}

	order, err := s.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", orderID).Msg("loading order")
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}
	if order.MerchantID != merchantID {
		writeError(w, http.StatusForbidden, "order belongs to another merchant")
		return
	}

	res, err := s.core.OnOrderCancelled(r.Context(), orderID)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", orderID).Msg("cancelling order")
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}

	switch res.Outcome {
	case payment.OutcomeCancelled:
		writeOK(w, http.StatusOK, "order cancelled", newOrderView(res.Order))
	case payment.OutcomeNotFound:
		writeError(w, http.StatusNotFound, "order not found")
	default:
		writeError(w, http.StatusBadRequest, "only pending orders can be cancelled")
	}
}

type pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")
	q := r.URL.Query()

	status := q.Get("status")
	if status != "" && !validStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status))
		return
	}
	page := queryInt(q.Get("page"), 1, 1, maxPage)
	limit := queryInt(q.Get("limit"), defaultPageSize, 1, maxPageSize)

	orders, err := s.store.ListMerchantOrders(r.Context(), merchantID, status, page, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("merchant_id", merchantID).Msg("listing orders")
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	total, err := s.store.CountMerchantOrders(r.Context(), merchantID, status)
	if err != nil {
		s.logger.Error().Err(err).Str("merchant_id", merchantID).Msg("counting orders")
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	writeOK(w, http.StatusOK, "", map[string]any{
		"orders": newOrderViews(orders),
		"pagination": pagination{
			Page:  page,
			Limit: limit,
			Total: total,
			Pages: (total + int64(limit) - 1) / int64(limit),
		},
	})
}

func (s *Server) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	orders, err := s.store.ListMerchantOrders(r.Context(), merchantID, fsm.OrderStatePending, 1, maxPageSize)
	if err != nil {
		s.logger.Error().Err(err).Str("merchant_id", merchantID).Msg("listing pending orders")
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	writeOK(w, http.StatusOK, "", newOrderViews(orders))
}

type statsView struct {
	Date           string `json:"date"`
	CompletedCount int64  `json:"completedCount"`
	PendingCount   int64  `json:"pendingCount"`
	TotalAmount    string `json:"totalAmount"`
}

func (s *Server) handleTodayStats(w http.ResponseWriter, r *http.Request) {
	merchantID := chi.URLParam(r, "merchantID")

	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats, err := s.store.GetMerchantStatsSince(r.Context(), merchantID, midnight)
	if err != nil {
		s.logger.Error().Err(err).Str("merchant_id", merchantID).Msg("loading stats")
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	writeOK(w, http.StatusOK, "", statsView{
		Date:           midnight.Format(time.DateOnly),
		CompletedCount: stats.CompletedCount,
		PendingCount:   stats.PendingCount,
		TotalAmount:    stats.TotalAmount,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"paymentChannel": s.core.Mode(),
		"polling":        s.core.Polling(),
	}
	if s.relays != nil {
		health["relays"] = s.relays.Connected()
	}
	writeOK(w, http.StatusOK, "ok", health)
}

func validStatus(status string) bool {
	switch status {
	case fsm.OrderStatePending, fsm.OrderStateCompleted, fsm.OrderStateCancelled:
		return true
	}
	return false
}

// queryInt parses v, falling back to def and clamping to [lo, hi]. hi <= 0
// means unbounded.
func queryInt(v string, def, lo, hi int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < lo {
		n = lo
	}
	if hi > 0 && n > hi {
		n = hi
	}
	return n
}
