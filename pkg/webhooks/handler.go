package webhooks

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/rentbill/pkg/errs"
	"github.com/platinummonkey/rentbill/pkg/httputil"
)

// AckResponse is the body returned for an acknowledged notification
type AckResponse struct {
	Status  string  `json:"status"`
	Outcome Outcome `json:"outcome"`
	EventID string  `json:"eventId,omitempty"`
}

// Handler serves POST /billing/webhook
type Handler struct {
	adapter *Adapter
}

// NewHandler creates a Handler
func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := httputil.ReadBody(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	res, err := h.adapter.Handle(r.Context(), r.Header.Get(SignatureHeader), body)
	switch {
	case err == nil:
		httputil.WriteSuccess(w, AckResponse{Status: "ok", Outcome: res.Outcome, EventID: res.EventID})
	case errors.Is(err, errs.ErrUnauthenticated):
		httputil.WriteUnauthorized(w, "invalid signature")
	case errors.Is(err, errs.ErrInvalidInput):
		httputil.WriteBadRequest(w, err.Error())
	case errs.IsRetryable(err):
		httputil.WriteServiceUnavailable(w, "temporarily unavailable, retry later")
	default:
		httputil.WriteInternalError(w)
	}
}
