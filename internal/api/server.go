// Package api is the HTTP order flow: order placement and cancellation,
// merchant listings and the status endpoint the payment page polls.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/buildtall-systems/chainpos/internal/db"
	"github.com/buildtall-systems/chainpos/internal/payment"
)

// MerchantHeader carries the calling merchant's ID on merchant actions.
const MerchantHeader = "X-Merchant-ID"

// Store is the order persistence the API reads and writes.
type Store interface {
	CreateOrder(ctx context.Context, in db.NewOrder) (*db.Order, error)
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
	ListMerchantOrders(ctx context.Context, merchantID, status string, page, limit int) ([]db.Order, error)
	CountMerchantOrders(ctx context.Context, merchantID, status string) (int64, error)
	GetMerchantStatsSince(ctx context.Context, merchantID string, since time.Time) (*db.MerchantStats, error)
}

// Core is the payment confirmation core as seen by the order flow.
type Core interface {
	OnOrderCreated(ctx context.Context, orderID string) error
	OnOrderCancelled(ctx context.Context, orderID string) (*payment.Result, error)
	PaymentURL(orderID string) string
	Mode() string
	Polling() int
}

// RelayStatus reports notification transport health.
type RelayStatus interface {
	Connected() int
}

type Server struct {
	store  Store
	core   Core
	relays RelayStatus
	logger zerolog.Logger
	now    func() time.Time
}

func NewServer(store Store, core Core, logger zerolog.Logger) *Server {
	return &Server{
		store:  store,
		core:   core,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// WithRelays adds the connected relay count to /health.
func (s *Server) WithRelays(relays RelayStatus) *Server {
	s.relays = relays
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders/{orderID}", s.handleGetOrder)
		r.Put("/orders/{orderID}/cancel", s.handleCancelOrder)

		r.Route("/merchants/{merchantID}", func(r chi.Router) {
			r.Get("/orders", s.handleListOrders)
			r.Get("/orders/pending", s.handlePendingOrders)
			r.Get("/stats/today", s.handleTodayStats)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
