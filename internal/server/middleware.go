// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/rewindworks/rewind/internal/httputil"
	"github.com/rewindworks/rewind/internal/log"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares outermost-first.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// CorrelationHeader carries the request correlation ID.
const CorrelationHeader = "X-Correlation-Id"

// WithCorrelation assigns each request a correlation ID, honoring one the
// client supplied, and echoes it on the response.
func WithCorrelation() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationHeader)
			if id == "" {
				id = newCorrelationID()
			}
			w.Header().Set(CorrelationHeader, id)
			r.Header.Set(CorrelationHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

func newCorrelationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// WithRequestLog logs each request with method, path, status, and timing.
func WithRequestLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("request",
				log.String("method", r.Method),
				log.String("path", r.URL.Path),
				log.Int("status", rec.status),
				log.Duration(log.DurationKey, time.Since(start).Milliseconds()),
				log.String("correlation_id", r.Header.Get(CorrelationHeader)))
		})
	}
}

// clientLimiter tracks per-client token buckets, dropping idle entries.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	limit    rate.Limit
	burst    int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const clientIdleEviction = 10 * time.Minute

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = int(2 * rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{
		limiters: make(map[string]*clientEntry),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.limiters[client]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.limiters[client] = entry

		// Opportunistic eviction keeps the map bounded without a sweeper.
		for key, e := range c.limiters {
			if now.Sub(e.lastSeen) > clientIdleEviction {
				delete(c.limiters, key)
			}
		}
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// WithRateLimit enforces a per-client request budget keyed by remote IP.
// A zero rps disables limiting.
func WithRateLimit(rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newClientLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WithJWTAuth requires an HS256 bearer token signed with secret. An empty
// secret disables auth.
func WithJWTAuth(secret string) Middleware {
	if secret == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				httputil.WriteError(w, http.StatusUnauthorized, err.Error())
				return
			}
			_, err = jwt.Parse(token, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return key, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the token from an Authorization header,
// case-insensitive on the scheme per RFC 6750.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errMissingAuth
	}
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", errBadAuthFormat
	}
	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", errMissingAuth
	}
	return token, nil
}
