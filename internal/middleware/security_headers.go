package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

const minPreloadMaxAge = 31536000

// TLSConfig controls HTTPS enforcement and the response security headers.
type TLSConfig struct {
	HSTSMaxAge            int
	IncludeSubdomains     bool
	Preload               bool
	ContentSecurityPolicy string
	ExcludedPaths         []string // health endpoints, left untouched
	ForceRedirect         bool     // GET/HEAD only
	TrustProxyHeader      bool     // honor X-Forwarded-Proto
}

func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		HSTSMaxAge:            63072000,
		IncludeSubdomains:     true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none';",
		ExcludedPaths:         []string{"/health", "/ready", "/live"},
		TrustProxyHeader:      true,
	}
}

type headerPair struct{ name, value string }

// gateway responses are JSON only and never framed or cached
var baseHeaders = []headerPair{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders sets baseHeaders on every response, adds HSTS and CSP on
// HTTPS ones and, with ForceRedirect, sends plain-HTTP reads to HTTPS.
func SecurityHeaders(cfg TLSConfig) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		skip[p] = struct{}{}
	}
	secure := []headerPair{{"Strict-Transport-Security", cfg.hsts()}}
	if csp := strings.TrimSpace(cfg.ContentSecurityPolicy); csp != "" {
		secure = append(secure, headerPair{"Content-Security-Policy", csp})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			https := cfg.isHTTPS(r)
			if !https && cfg.ForceRedirect && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
				target := *r.URL
				target.Scheme = "https"
				target.Host = hostWithoutPort(r.Host)
				http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
				return
			}

			h := w.Header()
			for _, p := range baseHeaders {
				h.Set(p.name, p.value)
			}
			if https {
				for _, p := range secure {
					h.Set(p.name, p.value)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c TLSConfig) isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return c.TrustProxyHeader && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (c TLSConfig) hsts() string {
	maxAge := c.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = minPreloadMaxAge
	}
	v := fmt.Sprintf("max-age=%d", maxAge)
	if c.IncludeSubdomains {
		v += "; includeSubDomains"
	}
	if c.Preload {
		if maxAge < minPreloadMaxAge {
			logger.Warnf("HSTS preload ignored by browsers below max-age=%d (got %d)", minPreloadMaxAge, maxAge)
		}
		v += "; preload"
	}
	return v
}

// hostWithoutPort drops a numeric port so the redirect uses the default 443.
func hostWithoutPort(hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if _, err := strconv.Atoi(port); err != nil {
		return hostport
	}
	return host
}
