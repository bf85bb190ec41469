package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/castellan-ai/castellan/pkg/auth"
	"github.com/castellan-ai/castellan/pkg/fault"
)

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, kind fault.Kind, message string) {
	writeErrorStatus(w, fault.HTTPStatus(kind), kind, message)
}

func writeErrorStatus(w http.ResponseWriter, status int, kind fault.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiError{
		"error": {Kind: string(kind), Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	allowed := s.cfg.Server.AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// admit is the admission chain: request size cap, caller identity,
// per-user rate limit.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := s.cfg.Limits.MaxRequestBytes; max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, int64(max))
		}

		claims, err := s.identify(r)
		if err != nil {
			writeErrorStatus(w, http.StatusUnauthorized, fault.AdmissionError, "invalid or missing credentials")
			return
		}

		if res := s.limiter.Allow(claims.Subject); !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter/time.Second)+1))
			writeErrorStatus(w, http.StatusTooManyRequests, fault.AdmissionError, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *Server) identify(r *http.Request) (*auth.Claims, error) {
	if s.verifier == nil {
		subject := r.Header.Get("X-User-Id")
		if subject == "" {
			subject = "anonymous"
		}
		return &auth.Claims{Subject: subject}, nil
	}
	header := r.Header.Get("Authorization")
	token, ok := bearerToken(header)
	if !ok {
		return nil, fault.New(fault.AdmissionError, "missing bearer token")
	}
	return s.verifier.Verify(r.Context(), token)
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

// checkBudget enforces the daily token budget at admission: a hard cap
// rejects with 429, the soft threshold only sets a warning header. Read
// failures fail open so the store never blocks chat.
func (s *Server) checkBudget(w http.ResponseWriter, r *http.Request, userID string) bool {
	limit := s.cfg.Limits.UserDailyTokenLimit
	if limit <= 0 {
		return true
	}
	used, err := s.store.TokensUsedOn(r.Context(), userID, s.clock.Now().UTC().Format("2006-01-02"))
	if err != nil {
		s.logger.Warn("budget read failed, admitting request", "user", userID, "error", err)
		return true
	}
	if used >= limit {
		writeErrorStatus(w, http.StatusTooManyRequests, fault.BudgetExceeded, "daily token budget exhausted")
		return false
	}
	if soft := s.cfg.Limits.UserDailyTokenSoftPct; soft > 0 && float64(used) >= soft*float64(limit) {
		w.Header().Set("X-Budget-Warning", "daily token budget nearly exhausted")
	}
	return true
}

// requireAdmin gates the agent admin surface. With auth disabled every
// caller is an operator.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verifier != nil {
			claims := auth.ClaimsFrom(r.Context())
			if claims == nil || !claims.HasRole("admin") {
				writeError(w, fault.AdmissionError, "admin role required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
