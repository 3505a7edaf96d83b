package handler

import (
	"errors"
	"net/http"

	"github.com/ComUnity/abuse-gateway/internal/middleware"
	"github.com/ComUnity/abuse-gateway/internal/service"
)

// RecorderStatser exposes best-effort audit path counters.
type RecorderStatser interface {
	Stats() service.RecorderStats
}

type AdminHandler struct {
	verifier middleware.AdminVerifier
	ids      *middleware.IdentityExtractor
	limiter  middleware.WindowLimiter
	recorder RecorderStatser
}

func NewAdminHandler(v middleware.AdminVerifier, ids *middleware.IdentityExtractor, limiter middleware.WindowLimiter, recorder RecorderStatser) *AdminHandler {
	return &AdminHandler{verifier: v, ids: ids, limiter: limiter, recorder: recorder}
}

// Verify handles GET /v1/admin/verify. Any failure answers isAdmin=false.
func (h *AdminHandler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.verifier.Verify(r.Context(), middleware.BearerToken(r), middleware.RequestMetaFrom(h.ids, r))
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"isAdmin": false,
			"error":   "invalid or missing session",
		})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"isAdmin": false,
			"error":   "unable to verify role",
		})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type LimiterStatsResponse struct {
	Limiter  middleware.LimiterStats `json:"limiter"`
	Recorder *service.RecorderStats  `json:"recorder,omitempty"`
}

// RateLimitStats handles GET /v1/admin/rate-limit/stats. Admin only.
func (h *AdminHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	resp := LimiterStatsResponse{Limiter: h.limiter.Stats(r.Context())}
	if h.recorder != nil {
		st := h.recorder.Stats()
		resp.Recorder = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
