package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	// IdempotencyHeader is the standard HTTP header for idempotency keys.
	// The drainer sends the queued record id here, so a replay of a record
	// the server already processed returns the recorded response.
	IdempotencyHeader = "Idempotency-Key"

	idempotencyCacheTTL = 24 * time.Hour
	lockTimeout         = 10 * time.Second

	redisKeyPrefix = "idempotency:"
	lockKeyPrefix  = "lock:"
)

// responseRecorder captures the status code and body so successful
// responses can be cached for replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Idempotency wraps payment write handlers with a Redis-backed replay cache
// and an in-flight lock. Requests without a key pass straight through.
func Idempotency(rdb *redis.Client, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rdb == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			cacheKey := redisKeyPrefix + key
			lockKey := lockKeyPrefix + key

			cached, err := rdb.Get(ctx, cacheKey).Result()
			if err == nil {
				log.Debug().Str("key", key).Msg("idempotency cache hit")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.Write([]byte(cached))
				return
			}

			acquired, err := rdb.SetNX(ctx, lockKey, "processing", lockTimeout).Result()
			if err != nil {
				log.Error().Err(err).Msg("idempotency lock acquisition error")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !acquired {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "conflict",
					"message": "A request with this idempotency key is currently being processed",
				})
				return
			}

			defer func() {
				if err := rdb.Del(ctx, lockKey).Err(); err != nil {
					log.Error().Err(err).Str("key", key).Msg("failed to release idempotency lock")
				}
			}()

			recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(recorder, r)

			if recorder.statusCode >= 200 && recorder.statusCode < 300 {
				if err := rdb.Set(ctx, cacheKey, recorder.body.String(), idempotencyCacheTTL).Err(); err != nil {
					log.Error().Err(err).Str("key", key).Msg("failed to cache idempotent response")
				}
			}
		})
	}
}
