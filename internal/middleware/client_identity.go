package middleware

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ComUnity/abuse-gateway/internal/models"
)

const maxHeaderLen = 256

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

type IdentityConfig struct {
	// EdgeIPHeader is set by the CDN/edge proxy and wins over forwarded chains.
	EdgeIPHeader      string
	DeviceIDMaxLength int
}

// IdentityExtractor derives a ClientIdentity from proxy headers. It never fails.
type IdentityExtractor struct {
	edgeHeader string
	maxDevice  int
}

func NewIdentityExtractor(cfg IdentityConfig) *IdentityExtractor {
	if cfg.EdgeIPHeader == "" {
		cfg.EdgeIPHeader = "CF-Connecting-IP"
	}
	if cfg.DeviceIDMaxLength <= 0 {
		cfg.DeviceIDMaxLength = 128
	}
	return &IdentityExtractor{edgeHeader: cfg.EdgeIPHeader, maxDevice: cfg.DeviceIDMaxLength}
}

// Extract resolves the client IP (edge header, then the left-most X-Forwarded-For
// entry, then X-Real-IP, else "unknown") and validates the caller-supplied device id.
func (x *IdentityExtractor) Extract(h http.Header, deviceID string) models.ClientIdentity {
	id := models.ClientIdentity{IP: x.resolveIP(h)}
	if d, ok := x.validDeviceID(deviceID); ok {
		id.DeviceID = &d
	}
	return id
}

// ExtractRequest is Extract over a request's headers.
func (x *IdentityExtractor) ExtractRequest(r *http.Request, deviceID string) models.ClientIdentity {
	return x.Extract(r.Header, deviceID)
}

// ClientIP returns only the resolved address; used for rate limit keys.
func (x *IdentityExtractor) ClientIP(r *http.Request) string {
	return x.resolveIP(r.Header)
}

func (x *IdentityExtractor) resolveIP(h http.Header) string {
	if ip := parseIP(h.Get(x.edgeHeader)); ip != "" {
		return ip
	}
	if xff := sanitizeHeader(h.Get("X-Forwarded-For"), maxHeaderLen); xff != "" {
		// Only the left-most hop is the client; later hops are proxies.
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if ip := parseIP(h.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return models.UnknownIP
}

func (x *IdentityExtractor) validDeviceID(v string) (string, bool) {
	if v == "" || len(v) > x.maxDevice || !deviceIDPattern.MatchString(v) {
		return "", false
	}
	return v, true
}

func parseIP(v string) string {
	v = sanitizeHeader(v, maxHeaderLen)
	if v == "" {
		return ""
	}
	ip := net.ParseIP(v)
	if ip == nil {
		return ""
	}
	return ip.String()
}

func sanitizeHeader(v string, maxLen int) string {
	v = strings.TrimSpace(v)
	if maxLen > 0 && len(v) > maxLen {
		v = v[:maxLen]
	}
	// Keep printable characters, drop control chars and DEL
	return strings.Map(func(r rune) rune {
		if r >= 32 && r != 127 {
			return r
		}
		return -1
	}, v)
}

type ctxKey int

const (
	identityKey ctxKey = iota
	adminKey
)

// WithIdentity stores the resolved identity for downstream handlers.
func WithIdentity(ctx context.Context, id models.ClientIdentity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (models.ClientIdentity, bool) {
	id, ok := ctx.Value(identityKey).(models.ClientIdentity)
	return id, ok
}

// ClientIdentityMiddleware resolves the network identity once per request.
// The device id comes from the body and is attached later by the handler.
func ClientIdentityMiddleware(x *IdentityExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := x.Extract(r.Header, "")
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
