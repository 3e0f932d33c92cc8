package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/atelierhq/billing/internal/auth"
	"github.com/atelierhq/billing/internal/handlers"
	"github.com/atelierhq/billing/internal/httpx"
	"github.com/atelierhq/billing/internal/services"
)

// New constructs the root http.Handler with all routes and middlewares applied.
func New(db *gorm.DB, svc *services.LifecycleManager, coordinator *services.SettlementCoordinator, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// --- Health endpoints ---
	//revive:disable:unused-parameter simple handlers intentionally ignore *http.Request
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		// Lightweight DB check (SELECT 1) - no error detail in the body.
		if err := db.Exec("SELECT 1").Error; err != nil {
			httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Invoice endpoints. List/Create via /invoices; the rest via action paths
	// with ?id= for simplicity.
	ih := handlers.NewInvoiceHandler(svc)
	mux.Handle("/invoices", auth.Middleware(auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			ih.List(w, r)
		case http.MethodPost:
			ih.Create(w, r)
		default:
			w.Header().Set("Allow", "GET,POST")
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
		}
	}))))
	mux.Handle("/invoices/get", auth.Middleware(auth.RequireAuth(requireMethod(ih.Get, http.MethodGet))))
	mux.Handle("/invoices/update", auth.Middleware(auth.RequireAuth(requireMethod(ih.Update, http.MethodPost))))
	mux.Handle("/invoices/delete", auth.Middleware(auth.RequireAuth(requireMethod(ih.Delete, http.MethodPost))))
	mux.Handle("/invoices/send", auth.Middleware(auth.RequireAuth(requireMethod(ih.Send, http.MethodPost))))
	mux.Handle("/invoices/cancel", auth.Middleware(auth.RequireAuth(requireMethod(ih.Cancel, http.MethodPost))))

	// Payment endpoints
	ph := handlers.NewPaymentHandler(coordinator)
	mux.Handle("/payments/order", auth.Middleware(auth.RequireAuth(requireMethod(ph.CreateOrder, http.MethodPost))))
	mux.Handle("/payments/capture", auth.Middleware(auth.RequireAuth(requireMethod(ph.Capture, http.MethodPost))))

	// Root placeholder
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if _, werr := w.Write([]byte("Atelier Billing API")); werr != nil {
			_ = werr
		}
	})
	//revive:enable:unused-parameter

	return withRecover(withLogging(mux, log), log)
}

func requireMethod(h http.HandlerFunc, method string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
			return
		}
		h(w, r)
	})
}

func withLogging(next http.Handler, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withRecover(next http.Handler, log zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("recovered from panic")
				httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
