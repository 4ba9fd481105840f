package api

import (
	"net/http"
	"strings"

	"edgerelay/internal/logging"
	"edgerelay/internal/otel"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

type apiError struct {
	Status  int
	Message string
	Code    string
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

const cacheControlNoStore = "no-store, must-revalidate"

func setSecurityHeaders(w http.ResponseWriter, cacheControl string) {
	headers := w.Header()
	headers.Set("X-Content-Type-Options", "nosniff")
	if cacheControl != "" {
		headers.Set("Cache-Control", cacheControl)
	}
}

func securityHeadersHandler(cacheControl string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, cacheControl)
		next(w, r)
	}
}

func securityHeadersMiddleware(cacheControl string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w, cacheControl)
		next.ServeHTTP(w, r)
	})
}

func validateToken(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == token
	}
	return false
}

func authMiddleware(token string, next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) *apiError {
		if !validateToken(r, token) {
			otel.RecordSpanEvent(r.Context(), "auth.token_rejected")
			return &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"}
		}
		otel.RecordSpanEvent(r.Context(), "auth.token_validated")
		return next(w, r)
	}
}

// rateLimitMiddleware rejects requests once limiter runs dry. A nil limiter
// lets everything through.
func rateLimitMiddleware(limiter *rate.Limiter, next apiHandler) apiHandler {
	return func(w http.ResponseWriter, r *http.Request) *apiError {
		if limiter != nil && !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			return &apiError{Status: http.StatusTooManyRequests, Message: "too many requests"}
		}
		return next(w, r)
	}
}

func jsonErrorMiddleware(next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			writeJSONError(w, err)
		}
	}
}

func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger != nil {
			logger.Debug("api request", map[string]string{
				"edgerelay.category": "api",
				"http.route":         r.URL.Path,
				"method":             r.Method,
			})
		}
		next.ServeHTTP(w, r)
	})
}

func tracingMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.StartSpan(r.Context(), "http "+route,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		)
		defer otel.EndSpan(span, nil)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) *apiError {
	w.Header().Set("Allow", allow)
	return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
}

func restHandler(token string, limiter *rate.Limiter, handler apiHandler) http.HandlerFunc {
	return securityHeadersHandler(cacheControlNoStore, jsonErrorMiddleware(rateLimitMiddleware(limiter, authMiddleware(token, handler))))
}

// newLimiter allows perSecond requests with a burst of twice that. Zero
// disables limiting.
func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
