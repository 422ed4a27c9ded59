package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAgeSeconds = 600

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	// Last-Event-ID and Cache-Control are sent by EventSource clients of the chat stream.
	defaultCORSHeaders = []string{
		"Accept",
		"Authorization",
		"Cache-Control",
		"Content-Type",
		"Idempotency-Key",
		"Last-Event-ID",
		"X-Request-Id",
		TenantHeader,
	}
	corsExposedHeaders = []string{"X-Request-Id", "Retry-After"}
)

// CORSConfig lists allowed origins. "*" allows any origin and "https://*.example.com" allows
// every subdomain of example.com over https.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAgeSeconds  int
}

type corsPolicy struct {
	anyOrigin bool
	exact     map[string]struct{}
	// scheme + "://" and the dotted suffix of each wildcard origin.
	wildcards [][2]string

	methods string
	headers string
	exposed string
	maxAge  string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	policy := corsPolicy{exact: make(map[string]struct{})}
	for _, origin := range trimmedList(cfg.AllowedOrigins) {
		origin = strings.ToLower(strings.TrimSuffix(origin, "/"))
		switch {
		case origin == "*":
			policy.anyOrigin = true
		case strings.Contains(origin, "://*."):
			scheme, host, _ := strings.Cut(origin, "://*")
			policy.wildcards = append(policy.wildcards, [2]string{scheme + "://", host})
		default:
			policy.exact[origin] = struct{}{}
		}
	}

	methods := trimmedList(cfg.AllowedMethods)
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	headers := trimmedList(cfg.AllowedHeaders)
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAgeSeconds
	}

	policy.methods = strings.Join(methods, ", ")
	policy.headers = strings.Join(headers, ", ")
	policy.exposed = strings.Join(corsExposedHeaders, ", ")
	policy.maxAge = strconv.Itoa(maxAge)
	return policy
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	origin = strings.ToLower(origin)
	if _, ok := p.exact[origin]; ok {
		return true
	}
	for _, wildcard := range p.wildcards {
		rest, ok := strings.CutPrefix(origin, wildcard[0])
		if ok && strings.HasSuffix(rest, wildcard[1]) && len(rest) > len(wildcard[1]) {
			return true
		}
	}
	return false
}

// CORS answers preflights from allowed origins and decorates their actual requests. Requests from
// other origins pass through untouched so the browser enforces the block.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if policy.anyOrigin {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}
			header.Set("Access-Control-Expose-Headers", policy.exposed)

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			header.Add("Vary", "Access-Control-Request-Method")
			header.Add("Vary", "Access-Control-Request-Headers")
			header.Set("Access-Control-Allow-Methods", policy.methods)
			header.Set("Access-Control-Allow-Headers", policy.headers)
			header.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func trimmedList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		if value := strings.TrimSpace(raw); value != "" {
			result = append(result, value)
		}
	}
	return result
}
