package azure

import (
	"errors"
	"net/http"
	"time"

	"github.com/wisbric/vmfleet/internal/httpserver"
	"github.com/wisbric/vmfleet/internal/store"
	"github.com/wisbric/vmfleet/internal/telemetry"
)

// registerResponse is the registerWorker RPC's success body: the
// instance needs to know when it must reregister by, and what
// worker-specific configuration the pool wants it to run with.
type registerResponse struct {
	Expires      time.Time      `json:"expires"`
	WorkerConfig map[string]any `json:"workerConfig,omitempty"`
}

// Handler exposes the registerWorker RPC over HTTP.
type Handler struct {
	provider *AzureProvider
}

// NewHandler wraps provider for HTTP mounting.
func NewHandler(provider *AzureProvider) *Handler {
	return &Handler{provider: provider}
}

// registrationStatus maps a RegistrationError cause to an HTTP status. Causes
// that mean "this document will never be valid" map to 4xx; anything else
// (chain/config problems) maps to 500 so an operator notices.
func registrationStatus(cause string) int {
	switch cause {
	case "unknown_worker":
		return http.StatusNotFound
	case "empty_document", "malformed_document", "malformed_payload",
		"missing_vm_id", "no_signer_certificate", "document_expired",
		"worker_not_registerable":
		return http.StatusBadRequest
	case "vm_id_mismatch", "untrusted_signer", "signature_invalid":
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// HandleRegisterWorker handles POST /api/v1/register.
func (h *Handler) HandleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	worker, err := h.provider.RegisterWorker(r.Context(), req)
	if err != nil {
		var regErr *RegistrationError
		if errors.As(err, &regErr) {
			telemetry.RegistrationErrorsTotal.WithLabelValues(regErr.Cause).Inc()
			// The caller only ever sees the opaque message; the cause and
			// underlying error go to the log.
			h.provider.logger.Warn("registerWorker rejected", "worker_pool_id", req.WorkerPoolID,
				"worker_id", req.WorkerID, "error", regErr)
			httpserver.RespondError(r.Context(), w, registrationStatus(regErr.Cause), "registration_error", "Signature validation error")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(r.Context(), w, http.StatusNotFound, "not_found", "worker not found")
			return
		}
		telemetry.RegistrationErrorsTotal.WithLabelValues("internal").Inc()
		httpserver.RespondError(r.Context(), w, http.StatusInternalServerError, "internal_error", "registering worker")
		return
	}

	telemetry.WorkersRunningTotal.WithLabelValues(worker.WorkerPoolID).Inc()
	httpserver.Respond(w, http.StatusOK, registerResponse{
		Expires:      worker.Expires,
		WorkerConfig: worker.ProviderData.WorkerConfig,
	})
}
