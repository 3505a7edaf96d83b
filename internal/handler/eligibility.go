package handler

import (
	"context"
	"net/http"

	"github.com/ComUnity/abuse-gateway/internal/middleware"
	"github.com/ComUnity/abuse-gateway/internal/models"
	"github.com/ComUnity/abuse-gateway/internal/util/logger"
)

// Evaluator is satisfied by *service.EligibilityEvaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, id models.ClientIdentity, userAgent string) models.EligibilityResult
}

type EligibilityRequest struct {
	// Validated against the device id pattern by the identity extractor;
	// a malformed value is ignored rather than rejected.
	DeviceID *string `json:"deviceId" validate:"omitempty,max=512"`
}

type EligibilityResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type EligibilityHandler struct {
	evaluator Evaluator
	ids       *middleware.IdentityExtractor
	messages  *Localizer
}

func NewEligibilityHandler(ev Evaluator, ids *middleware.IdentityExtractor, messages *Localizer) *EligibilityHandler {
	return &EligibilityHandler{evaluator: ev, ids: ids, messages: messages}
}

// Check handles POST /v1/freemium/eligibility. The IP always comes from
// headers; the body may only carry a device id.
func (h *EligibilityHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req EligibilityRequest
	if err := decodeStrict(w, r, &req); err != nil {
		logger.Debugf("eligibility request rejected: %v", err)
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device := ""
	if req.DeviceID != nil {
		device = *req.DeviceID
	}
	id := h.ids.ExtractRequest(r, device)

	res := h.evaluator.Evaluate(r.Context(), id, r.UserAgent())
	writeJSON(w, http.StatusOK, EligibilityResponse{
		Allowed: res.Allowed,
		Reason:  string(res.Reason),
		Message: h.messages.Message(r, res),
	})
}
