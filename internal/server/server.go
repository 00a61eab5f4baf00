// Package server is the HTTP front door: the webhook, a JSON API and a small
// HTML dashboard.
package server

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/cache"
	"github.com/eddiefleurent/scrip_bridge/internal/expiry"
	"github.com/eddiefleurent/scrip_bridge/internal/history"
	"github.com/eddiefleurent/scrip_bridge/internal/orders"
	"github.com/eddiefleurent/scrip_bridge/internal/resolver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

//go:embed templates/*
var templateFS embed.FS

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxBodyBytes        = 64 << 10
)

// SignalResolver maps a webhook signal to a contract.
type SignalResolver interface {
	ResolveSignal(ctx context.Context, sig resolver.Signal) (*resolver.Contract, error)
}

// OrderDispatcher places orders for a resolved contract.
type OrderDispatcher interface {
	Dispatch(ctx context.Context, c *resolver.Contract) (*orders.Result, error)
}

// Catalog exposes the instrument cache to the API.
type Catalog interface {
	Status() cache.Status
	Refresh(ctx context.Context) error
}

// Config holds the server settings.
type Config struct {
	Port            int
	AuthToken       string
	RateLimitPerSec float64
	RateBurst       int
	Location        *time.Location
	RolloverDays    int
}

// Server serves the webhook and dashboard.
type Server struct {
	router     *chi.Mux
	server     *http.Server
	resolver   SignalResolver
	dispatcher OrderDispatcher
	catalog    Catalog
	history    history.Store
	limiter    *rate.Limiter
	logger     logrus.FieldLogger
	cfg        Config
	dashboard  *template.Template
	now        func() time.Time
}

// CycleView describes the expiry cycle a signal would trade right now.
type CycleView struct {
	Today        string `json:"today"`
	Current      string `json:"current,omitempty"`
	Next         string `json:"next,omitempty"`
	Selected     string `json:"selected,omitempty"`
	DaysToExpiry int    `json:"days_to_expiry"`
	Rollover     bool   `json:"rollover"`
}

// CatalogView is the /api/catalog payload.
type CatalogView struct {
	Cache cache.Status `json:"cache"`
	Cycle CycleView    `json:"cycle"`
}

// DashboardData feeds the dashboard template.
type DashboardData struct {
	Catalog      CatalogView
	Stats        history.Stats
	Entries      []history.Entry
	LastUpdate   time.Time
	MarketStatus string
}

// NewServer builds the router. It does not listen until Start.
func NewServer(cfg Config, res SignalResolver, disp OrderDispatcher, cat Catalog,
	store history.Store, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	limit := rate.Inf
	if cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.RateLimitPerSec)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	s := &Server{
		router:     chi.NewRouter(),
		resolver:   res,
		dispatcher: disp,
		catalog:    cat,
		history:    store,
		limiter:    rate.NewLimiter(limit, cfg.RateBurst),
		logger:     logger,
		cfg:        cfg,
		dashboard:  template.Must(template.ParseFS(templateFS, "templates/dashboard.html")),
		now:        time.Now,
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.cfg.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/webhook", s.handleWebhook)
		r.Post("/mlfusion", s.handleWebhook)
	})

	s.router.Get("/", s.handleDashboard)
	s.router.Get("/api/history", s.handleHistory)
	s.router.Get("/api/catalog", s.handleCatalog)
	s.router.Post("/api/catalog/refresh", s.handleCatalogRefresh)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.logger.WithField("remote", r.RemoteAddr).Warn("Webhook rate limited")
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, webhookResponse{Status: "error", Remarks: "Rate limited"}, s.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on the configured port and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Infof("Starting webhook server on port %d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		Catalog:      s.catalogView(),
		Stats:        s.history.Stats(),
		Entries:      s.history.Recent(defaultHistoryLimit),
		LastUpdate:   s.now().In(s.cfg.Location),
		MarketStatus: "Closed",
	}
	if isMarketOpen(s.now(), s.cfg.Location) {
		data.MarketStatus = "Open"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.dashboard.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("Failed to execute dashboard template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.history.Recent(limit),
		"stats":   s.history.Stats(),
	}, s.logger)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalogView(), s.logger)
}

func (s *Server) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Refresh(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Manual catalog refresh failed")
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
			"cache":  s.catalog.Status(),
		}, s.logger)
		return
	}
	writeJSON(w, http.StatusOK, s.catalogView(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.catalog.Status()
	health := map[string]interface{}{
		"status":        "healthy",
		"catalog_ready": st.Ready,
		"timestamp":     s.now().Unix(),
	}
	writeJSON(w, http.StatusOK, health, s.logger)
}

func (s *Server) catalogView() CatalogView {
	st := s.catalog.Status()
	today := expiry.Today(s.now(), s.cfg.Location)
	view := CatalogView{Cache: st, Cycle: CycleView{Today: today.Format(time.DateOnly)}}

	current, next, ok := expiry.ActiveCycle(st.Expiries, today)
	if !ok {
		return view
	}
	selected := expiry.Select(current, next, today, s.cfg.RolloverDays)
	view.Cycle.Current = current.Format(time.DateOnly)
	view.Cycle.Next = next.Format(time.DateOnly)
	view.Cycle.Selected = selected.Format(time.DateOnly)
	view.Cycle.DaysToExpiry = expiry.DaysUntil(today, selected)
	view.Cycle.Rollover = !selected.Equal(current)
	return view
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("Failed to encode response")
	}
}

// isMarketOpen reports NSE cash-session hours, 09:15 to 15:30 on weekdays.
func isMarketOpen(now time.Time, loc *time.Location) bool {
	t := now.In(loc)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}

	totalMinutes := t.Hour()*60 + t.Minute()
	marketOpen := 9*60 + 15
	marketClose := 15*60 + 30

	return totalMinutes >= marketOpen && totalMinutes < marketClose
}
