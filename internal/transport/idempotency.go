package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/aventus/onboarding/internal/idempotency"
	"github.com/aventus/onboarding/internal/observability"
	"github.com/aventus/onboarding/model"
)

// IdempotencyKeyHeader carries the client's deduplication key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// Idempotency replays the stored response of a mutating request retried with
// the same X-Idempotency-Key. Reusing a key with a different body is a
// CONFLICT. Only 2xx responses are stored; requests without the header pass
// through untouched.
func Idempotency(store idempotency.Store, ttl time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			rctx := model.RequestContextFrom(r.Context())
			if key == "" || rctx == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteRequestError(w, r, model.NewBadRequestError("unable to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			storeKey := idempotency.FormatKey(rctx.TenantID, r.Method+" "+r.URL.Path, key)
			hash := hashRequest(body)

			// Step 1: Replay a stored outcome.
			cached, found, err := store.Check(r.Context(), storeKey, hash)
			if err != nil {
				WriteRequestError(w, r, err)
				return
			}
			if found && cached != nil {
				w.Header().Set("Idempotent-Replayed", "true")
				if len(cached.Body) == 0 {
					w.WriteHeader(cached.Status)
					return
				}
				WriteJSON(w, cached.Status, cached.Body)
				return
			}

			// Step 2: Run the handler, teeing what it writes.
			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			// Step 3: Keep successful outcomes. Best-effort.
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 {
				return
			}
			resp := idempotency.Response{Status: status, Body: json.RawMessage(bytes.TrimSpace(buf.Bytes()))}
			if len(resp.Body) == 0 {
				resp.Body = nil
			}
			if err := store.Save(r.Context(), storeKey, hash, resp, ttl); err != nil {
				observability.RequestLogger(r.Context(), logger).Warn("idempotency save failed",
					zap.String("key", storeKey),
					zap.Error(err),
				)
			}
		})
	}
}

func hashRequest(body []byte) string {
	h := sha256.Sum256(bytes.TrimSpace(body))
	return hex.EncodeToString(h[:])
}
