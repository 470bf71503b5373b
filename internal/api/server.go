// Package api exposes the HTTP interface for the registry checker service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/image-registry-checker/internal/apidoc"
	"github.com/JakeFAU/image-registry-checker/internal/checker"
	"github.com/JakeFAU/image-registry-checker/internal/config"
	"github.com/JakeFAU/image-registry-checker/internal/id/uuid"
	"github.com/JakeFAU/image-registry-checker/internal/metrics"
)

const (
	healthBody      = "Ok"
	existsBody      = "ok"
	badQueryBody    = "Invalid query string"
	contentTypeText = "text/plain; charset=utf-8"
)

// IDGenerator produces request identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Server wires HTTP handlers to the image checker.
type Server struct {
	handler http.Handler
	doc     *openapi3.T
	checker checker.Checker
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(c checker.Checker, cfg config.Config, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		checker: c,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.NewUUIDGenerator(), logger))
	r.Use(loggingMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(recoverMiddleware(logger))

	r.Get("/health", s.health)
	r.Get("/exists", s.exists)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if cfg.Docs.Enabled {
		s.doc = apidoc.Document(version)
		if err := apidoc.Validate(context.Background(), s.doc); err != nil {
			logger.Error("api document is invalid", zap.Error(err))
		}
		r.Get(apidoc.SpecPath, s.apiDoc)
		r.Get("/swagger-ui", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/swagger-ui/", http.StatusFound)
		})
		r.Get("/swagger-ui/", s.swaggerUI)
	}

	s.handler = otelhttp.NewHandler(r, "registry-checker",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s
}

// Handler returns the traced router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, healthBody)
}

func (s *Server) exists(w http.ResponseWriter, r *http.Request) {
	image, err := imageParam(r.URL)
	if err != nil {
		writeText(w, http.StatusBadRequest, badQueryBody)
		return
	}

	outcome, err := s.checker.Check(r.Context(), image)
	switch outcome {
	case checker.Exists:
		writeText(w, http.StatusOK, existsBody)
	case checker.NotFound:
		writeText(w, http.StatusNotFound, fmt.Sprintf("Image %s does not exist", image))
	default:
		s.logger.Error("image lookup failed",
			zap.String("image", image),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// imageParam extracts the required image query parameter. An empty value is allowed.
// Only '&' separates parameters; a literal ';' stays part of the value.
func imageParam(u *url.URL) (string, error) {
	values, err := url.ParseQuery(strings.ReplaceAll(u.RawQuery, ";", "%3B"))
	if err != nil {
		return "", fmt.Errorf("parse query: %w", err)
	}
	images, ok := values["image"]
	if !ok || len(images) == 0 {
		return "", errors.New("missing image parameter")
	}
	return images[0], nil
}

func (s *Server) apiDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, s.doc)
}

func (s *Server) swaggerUI(w http.ResponseWriter, _ *http.Request) {
	page, err := apidoc.SwaggerUI(apidoc.SpecPath)
	if err != nil {
		s.logger.Error("render swagger ui failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(page); err != nil {
		s.logger.Warn("write swagger ui failed", zap.Error(err))
	}
}

func requestIDMiddleware(gen IDGenerator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, err := gen.NewID()
			if err != nil {
				logger.Warn("request id unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware logs one line per request; server errors are logged at error level.
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			level := zapcore.InfoLevel
			if ww.status >= http.StatusInternalServerError {
				level = zapcore.ErrorLevel
			}
			logger.Log(level, "request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestIDFrom(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.Bool("headers_sent", ww.wroteHeader),
						zap.Stack("stack"),
					)
					if !ww.wroteHeader {
						ww.WriteHeader(http.StatusInternalServerError)
					}
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	rw.wroteHeader = true
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", contentTypeText)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
