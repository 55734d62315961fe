package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware(handler.allowedOrigins))
	router.Use(recoveryMiddleware(logger))

	// Health check endpoint
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Wallet session
	api.HandleFunc("/session", handler.HandleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/session/initialize", handler.HandleInitialize).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/session/connect", handler.HandleConnect).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/session/disconnect", handler.HandleDisconnect).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/session/events", handler.HandleSessionEvents).Methods(http.MethodGet)

	// Ledger reads
	api.HandleFunc("/ledger/balance", handler.HandleGetBalance).Methods(http.MethodGet)
	api.HandleFunc("/ledger/schedules", handler.HandleGetSchedules).Methods(http.MethodGet)
	api.HandleFunc("/ledger/overview", handler.HandleGetOverview).Methods(http.MethodGet)

	// Ledger transactions
	api.HandleFunc("/ledger/schedules", handler.HandleCreateSchedule).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/ledger/schedules/{index:[0-9]+}/execute", handler.HandleExecutePayment).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/ledger/deposit", handler.HandleDeposit).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/ledger/withdraw", handler.HandleWithdraw).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/ledger/pay", handler.HandlePayNow).Methods(http.MethodPost, http.MethodOptions)

	return router
}

// ==================== Middleware ====================

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// corsMiddleware adds CORS headers for the configured origins
func corsMiddleware(allowedOrigins []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := allowedOrigin(allowedOrigins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if origin != "*" {
					w.Header().Add("Vary", "Origin")
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowedOrigin returns the value for Access-Control-Allow-Origin, or "" to omit it
func allowedOrigin(allowed []string, origin string) string {
	for _, candidate := range allowed {
		if candidate == "*" {
			return "*"
		}
		if origin != "" && candidate == origin {
			return origin
		}
	}
	return ""
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error","message":"An unexpected error occurred"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
