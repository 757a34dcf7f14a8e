package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAgeSeconds = 600

var (
	defaultCORSAllowedMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
	}
	defaultCORSAllowedHeaders = []string{
		"Accept",
		"Authorization",
		"Content-Type",
		"Idempotency-Key",
		"Last-Event-Id",
		"X-Request-Id",
	}
	defaultCORSExposedHeaders = []string{
		"Retry-After",
		"X-Request-Id",
	}
)

// CORSConfig origins may be exact ("https://app.mira.example"), "*", or a
// single leading subdomain wildcard ("https://*.mira.example").
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

type originMatcher struct {
	any      bool
	exact    []string
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	domain string
}

func newOriginMatcher(origins []string) originMatcher {
	var m originMatcher
	for _, origin := range normalizeStringList(origins) {
		switch {
		case origin == "*":
			m.any = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			m.suffixes = append(m.suffixes, originSuffix{scheme: strings.ToLower(scheme), domain: strings.ToLower(host)})
		default:
			m.exact = append(m.exact, origin)
		}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if m.any || containsFold(m.exact, origin) {
		return true
	}
	scheme, host, ok := strings.Cut(strings.ToLower(origin), "://")
	if !ok {
		return false
	}
	for _, suffix := range m.suffixes {
		if scheme == suffix.scheme && strings.HasSuffix(host, suffix.domain) && len(host) > len(suffix.domain) {
			return true
		}
	}
	return false
}

func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := newOriginMatcher(cfg.AllowedOrigins)
	// a literal "*" cannot be combined with credentials, so echo the origin
	echoOrigin := !origins.any || cfg.AllowCredentials

	allowMethods := strings.Join(withDefault(cfg.AllowedMethods, defaultCORSAllowedMethods), ", ")
	allowHeaders := strings.Join(withDefault(cfg.AllowedHeaders, defaultCORSAllowedHeaders), ", ")
	exposeHeaders := strings.Join(withDefault(cfg.ExposedHeaders, defaultCORSExposedHeaders), ", ")

	maxAgeSeconds := cfg.MaxAgeSeconds
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = defaultCORSMaxAgeSeconds
	}
	maxAge := strconv.Itoa(maxAgeSeconds)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !origins.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if echoOrigin {
				header.Set("Access-Control-Allow-Origin", origin)
			} else {
				header.Set("Access-Control-Allow-Origin", "*")
			}
			if cfg.AllowCredentials {
				header.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				header.Add("Vary", "Access-Control-Request-Method")
				header.Add("Vary", "Access-Control-Request-Headers")
				header.Set("Access-Control-Allow-Methods", allowMethods)
				header.Set("Access-Control-Allow-Headers", allowHeaders)
				header.Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			header.Set("Access-Control-Expose-Headers", exposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

func withDefault(values, fallback []string) []string {
	normalized := normalizeStringList(values)
	if len(normalized) == 0 {
		return fallback
	}
	return normalized
}

func normalizeStringList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		result = append(result, value)
	}
	return result
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
