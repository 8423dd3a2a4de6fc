// Package httpapi exposes the governance overlay over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	coreerrors "github.com/davidahmann/govledger/core/errors"
	"github.com/davidahmann/govledger/core/overlay"
)

const (
	defaultMaxRequestBytes = 1 << 20
	requestIDHeader        = "X-Request-Id"
)

type Options struct {
	Overlay         *overlay.Overlay
	Logger          log.Logger
	MaxRequestBytes int64
}

type server struct {
	overlay         *overlay.Overlay
	logger          log.Logger
	maxRequestBytes int64
}

type requestIDKey struct{}

func NewHandler(opts Options) (http.Handler, error) {
	if opts.Overlay == nil {
		return nil, fmt.Errorf("missing overlay")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	maxRequestBytes := opts.MaxRequestBytes
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	s := &server{
		overlay:         opts.Overlay,
		logger:          logger.With("module", "httpapi"),
		maxRequestBytes: maxRequestBytes,
	}

	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(api chi.Router) {
		api.Post("/policies", s.handleCreatePolicy)
		api.Post("/policies/{policy_id}/revoke", s.handleRevokePolicy)
		api.Post("/policies/{policy_id}/check", s.handleCheckPolicy)
		api.Post("/inferences", s.handleInference)
		api.Post("/access", s.handleAccess)
		api.Get("/verify", s.handleVerify)
		api.Get("/ledger/head", s.handleHead)
		api.Get("/ledger/entries/{sequence}", s.handleEntry)
		api.Post("/ledger/attest", s.handleAttest)
	})
	return r, nil
}

func NewRequestID() string { return "req_" + uuid.NewString() }

func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := NewRequestID()
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK wraps a successful result in the common envelope.
func writeOK(w http.ResponseWriter, r *http.Request, status int, key string, v any) {
	writeJSON(w, status, map[string]any{"request_id": requestIDFrom(r.Context()), key: v})
}

type errorBody struct {
	Code      string `json:"code"`
	Category  string `json:"category,omitempty"`
	Message   string `json:"message"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := coreerrors.CodeOf(err)
	if code == "" {
		code = "INTERNAL_FAILURE"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestIDFrom(r.Context()), "code", code, "err", err)
	}
	writeJSON(w, status, map[string]any{
		"request_id": requestIDFrom(r.Context()),
		"error": errorBody{
			Code:      code,
			Category:  string(coreerrors.CategoryOf(err)),
			Message:   err.Error(),
			Hint:      coreerrors.HintOf(err),
			Retryable: coreerrors.RetryableOf(err),
		},
	})
}

func statusFor(err error) int {
	if coreerrors.CodeOf(err) == coreerrors.CodePolicyNotFound {
		return http.StatusNotFound
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return http.StatusBadRequest
	case coreerrors.CategoryAuthorizationDenied:
		return http.StatusForbidden
	case coreerrors.CategoryStateConflict, coreerrors.CategoryIntegrityViolation:
		return http.StatusConflict
	case coreerrors.CategoryCollaboratorFailure:
		return http.StatusBadGateway
	case coreerrors.CategoryLedgerCorrupt:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, badRequest(fmt.Errorf("request body exceeds %d bytes", s.maxRequestBytes))
		}
		return nil, badRequest(fmt.Errorf("read request body: %w", err))
	}
	return body, nil
}

func (s *server) readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if err := decodeStrict(body, dst); err != nil {
		return badRequest(err)
	}
	return nil
}

func decodeStrict(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode request: trailing data after JSON object")
	}
	return nil
}

func badRequest(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, coreerrors.CodeValidationFailed, "", false)
}
