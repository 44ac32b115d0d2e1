package api

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type contextKey string

const (
	ClientIDKey     contextKey = "clientID"
	TraceIDKey      contextKey = "traceID"
	RequestIDKey    contextKey = "requestID"
	ledgerFormatKey contextKey = "ledgerFormat"

	ClientIDHeader  = "X-Client-ID"
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"
)

// maxClientIDLen bounds client IDs, which end up in bus subjects, cache
// keys and stored run rows.
const maxClientIDLen = 128

var tracer = otel.Tracer("nexus-api")

// ledgerFormats maps accepted upload media types to the reader that parses
// them. CSV exports often arrive as text/plain or application/csv.
var ledgerFormats = map[string]string{
	contentJSON:       contentJSON,
	contentCSV:        contentCSV,
	"application/csv": contentCSV,
	"text/plain":      contentCSV,
	contentXLSX:       contentXLSX,
}

// validClientID reports whether id can be used as one NATS subject token
// and as a "client:key" cache prefix.
func validClientID(id string) bool {
	if id == "" || len(id) > maxClientIDLen {
		return false
	}
	for _, r := range id {
		if r <= ' ' || r == 0x7f || strings.ContainsRune(".*>:", r) {
			return false
		}
	}
	return true
}

// ClientMiddleware requires a usable X-Client-ID and puts it on the context.
func ClientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := strings.TrimSpace(r.Header.Get(ClientIDHeader))
		if clientID == "" {
			writeError(w, http.StatusBadRequest, "X-Client-ID header is required")
			return
		}
		if !validClientID(clientID) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf(
				"X-Client-ID must be at most %d characters without spaces, '.', '*', '>' or ':'", maxClientIDLen))
			return
		}

		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("client.id", clientID))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ClientIDKey, clientID)))
	})
}

// LedgerUpload guards the routes that accept a ledger. It refuses media
// types no ledger reader understands (415) and bodies over maxBytes (413),
// and records the ledger format for the handler. A missing Content-Type
// is read as JSON.
func LedgerUpload(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			format := contentJSON
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mt, _, err := mime.ParseMediaType(ct)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid Content-Type: "+err.Error())
					return
				}
				f, ok := ledgerFormats[mt]
				if !ok {
					writeError(w, http.StatusUnsupportedMediaType, fmt.Sprintf(
						"unsupported ledger type %q: send JSON, CSV or XLSX", mt))
					return
				}
				format = f
			}

			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf(
					"ledger is %d bytes, limit is %d", r.ContentLength, maxBytes))
				return
			}
			// Chunked uploads have no length; the reader enforces the limit.
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			trace.SpanFromContext(r.Context()).SetAttributes(
				attribute.String("ledger.format", format),
				attribute.Int64("ledger.bytes", r.ContentLength),
			)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ledgerFormatKey, format)))
		})
	}
}

// ledgerFormat returns the media type LedgerUpload accepted, JSON when the
// request did not pass through it.
func ledgerFormat(ctx context.Context) string {
	if v, ok := ctx.Value(ledgerFormatKey).(string); ok {
		return v
	}
	return contentJSON
}

// TracingMiddleware opens a span per request. The span is renamed to the
// chi route pattern once routing is done so run IDs stay out of span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("request.id", requestID),
			),
		)
		defer span.End()

		traceID := requestID
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		}
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		ctx = context.WithValue(ctx, TraceIDKey, traceID)

		w.Header().Set(RequestIDHeader, requestID)
		w.Header().Set(TraceIDHeader, traceID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rw, r)

		route := routePattern(r)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", rw.statusCode),
		)
		if rw.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// LoggingMiddleware writes one structured line per request. Server errors
// log at warn.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		level := slog.LevelInfo
		if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_id", r.Header.Get(ClientIDHeader),
			"request_id", GetRequestID(r.Context()),
		}
		if r.Method == http.MethodPost {
			attrs = append(attrs, "ledger_bytes", r.ContentLength)
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// CORSMiddleware lets browser clients call the API and read report
// downloads. Credentials are only allowed for an explicit Origin.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Client-ID, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, Content-Disposition")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"route", routePattern(r),
					"client_id", r.Header.Get(ClientIDHeader),
					"request_id", GetRequestID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern is the matched chi pattern, or the raw path outside a router.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

func GetClientID(ctx context.Context) string {
	v, _ := ctx.Value(ClientIDKey).(string)
	return v
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
