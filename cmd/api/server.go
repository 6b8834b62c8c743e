package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcclellann/loanbook/pkg/auth"
	"github.com/mcclellann/loanbook/pkg/cards"
	"github.com/mcclellann/loanbook/pkg/ledger"
	"github.com/mcclellann/loanbook/pkg/metrics"
)

// Server holds the services behind the HTTP API.
type Server struct {
	ledger  *ledger.Ledger
	cards   *cards.Service
	logger  *slog.Logger
	metrics *metrics.Metrics

	jwtSecret []byte
	issuer    string
	now       func() time.Time
}

func NewServer(l *ledger.Ledger, c *cards.Service, logger *slog.Logger, m *metrics.Metrics, jwtSecret []byte, issuer string) *Server {
	return &Server{
		ledger:    l,
		cards:     c,
		logger:    logger,
		metrics:   m,
		jwtSecret: jwtSecret,
		issuer:    issuer,
		now:       time.Now,
	}
}

// Router wires every route. metricsHandler may be nil to leave the scrape endpoint out.
func (s *Server) Router(metricsPath string, metricsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recoverer, s.requestLogger)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	if metricsHandler != nil {
		router.Handle(metricsPath, metricsHandler).Methods("GET")
	}

	api := router.NewRoute().Subrouter()
	api.Use(auth.Middleware(s.jwtSecret, s.issuer, s.logger))

	api.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	api.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	api.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/repayments", s.listRepaymentsHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/repayments", s.applyRepaymentHandler).Methods("POST")

	api.HandleFunc("/debit-cards", s.listCardsHandler).Methods("GET")
	api.HandleFunc("/debit-cards", s.createCardHandler).Methods("POST")
	api.HandleFunc("/debit-cards/{id}", s.getCardHandler).Methods("GET")
	api.HandleFunc("/debit-cards/{id}", s.updateCardHandler).Methods("PUT")
	api.HandleFunc("/debit-cards/{id}", s.deleteCardHandler).Methods("DELETE")

	api.HandleFunc("/debit-card-transactions", s.listTransactionsHandler).Methods("GET")
	api.HandleFunc("/debit-card-transactions", s.createTransactionHandler).Methods("POST")
	api.HandleFunc("/debit-card-transactions/{id}", s.getTransactionHandler).Methods("GET")

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.ErrorContext(r.Context(), "http request panicked", "path", r.URL.Path, "panic", p)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
