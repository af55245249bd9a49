package api

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	relayerrors "github.com/rcourtman/streamrelay/internal/errors"
	"github.com/rcourtman/streamrelay/internal/utils"
)

// APIError represents a structured API error response
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// ErrorHandler is a middleware that recovers from panics and logs requests
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				if !rw.written {
					writeErrorResponse(rw, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
				}
			}

			elapsed := time.Since(start)
			recordAPIRequest(r.Method, normalizeRoute(r.URL.Path), rw.StatusCode(), elapsed)

			// The request body is never logged: it may carry stream keys.
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rw.StatusCode()).
				Dur("duration", elapsed).
				Msg("Request handled")
		}()

		next.ServeHTTP(rw, r)
	})
}

// writeErrorResponse writes a structured error response
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		Details:      details,
	}

	if err := utils.WriteJSONStatus(w, statusCode, resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeRelayError maps a relay error to its HTTP status. Relay errors never
// carry key material, so the message is passed through.
func writeRelayError(w http.ResponseWriter, err error) {
	kind := relayerrors.KindOf(err)

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relayerrors.ErrAlreadyRunning):
		status = http.StatusConflict
	case kind == relayerrors.KindConfiguration:
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("kind", string(kind)).Msg("Relay operation failed")
	}
	writeErrorResponse(w, status, string(kind), err.Error(), nil)
}

// responseWriter wraps http.ResponseWriter to capture status codes
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) StatusCode() int {
	if rw == nil {
		return http.StatusInternalServerError
	}
	return rw.statusCode
}

// Hijack implements http.Hijacker interface
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
	}
	rw.written = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// Flush implements http.Flusher when the underlying writer supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
