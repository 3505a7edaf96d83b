package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ComUnity/abuse-gateway/internal/telemetry"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// RequestAudit logs one line per guarded request and mirrors it to the
// analytics publisher. Only the resolved client IP is recorded, never headers
// or bodies.
type RequestAudit struct {
	pub telemetry.Publisher
	ids *IdentityExtractor
	now func() time.Time
}

func NewRequestAudit(pub telemetry.Publisher, ids *IdentityExtractor) *RequestAudit {
	if pub == nil {
		pub = telemetry.NopPublisher{}
	}
	return &RequestAudit{pub: pub, ids: ids, now: time.Now}
}

func (m *RequestAudit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := m.now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := m.now().Sub(start)
		ip := m.ids.ClientIP(r)
		reqID := chimw.GetReqID(r.Context())

		logger.Infow("request_audit",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"latency_ms", elapsed.Milliseconds(),
			"ip", ip,
		)
		m.pub.Publish(telemetry.RequestAuditEvent{
			Timestamp:  start.UTC(),
			RequestID:  reqID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     status,
			DurationMs: elapsed.Milliseconds(),
			IP:         ip,
		})
	})
}
