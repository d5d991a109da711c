package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrIdempotencyMismatch is returned by stores when a key is replayed with a
// different request body.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// StoredResponse is a cached response bound to an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// IdempotencyStore persists responses keyed by (client, Idempotency-Key).
// Lookup returns nil when the key is unseen and ErrIdempotencyMismatch when
// the request hash differs from the recorded one.
type IdempotencyStore interface {
	Lookup(ctx context.Context, client, key, requestHash string) (*StoredResponse, error)
	Save(ctx context.Context, client, key, requestHash string, status int, body []byte) error
}

const idempotencyHeader = "Idempotency-Key"

// Idempotency replays the recorded response for repeated mutating requests
// carrying the same Idempotency-Key. Requests without the header, and all
// GETs, pass through untouched.
func Idempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if store == nil || key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			client := clientID(r)
			if subject := Subject(r.Context()); subject != "" {
				client = subject
			}
			digest := sha256.Sum256(append([]byte(r.Method+" "+r.URL.Path+"\n"), body...))
			requestHash := hex.EncodeToString(digest[:])

			cached, err := store.Lookup(r.Context(), client, key, requestHash)
			if errors.Is(err, ErrIdempotencyMismatch) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			if err != nil {
				logger.Error("idempotency lookup failed", "error", err)
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if cached != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			buffer := &bufferingRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(buffer, r)
			if err := store.Save(r.Context(), client, key, requestHash, buffer.status, buffer.body.Bytes()); err != nil {
				logger.Error("idempotency save failed", "error", err)
			}
		})
	}
}

type bufferingRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferingRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bufferingRecorder) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
