package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"sentineld/internal/verify"
	v1 "sentineld/pkg/contracts/api/v1"
	"sentineld/pkg/contracts/domain"
)

// VerifyHandler serves the machine-facing verification endpoint.
type VerifyHandler struct {
	engine *verify.Engine
	logger *slog.Logger
}

// NewVerifyHandler creates the verification handler.
func NewVerifyHandler(engine *verify.Engine, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "verify")),
	}
}

// Routes returns the verification routes.
func (h *VerifyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Verify)
	return r
}

// Verify handles POST /api/v1/verify. The source IP comes from the
// connection; the body carries only license_id, fingerprint and kind.
// Any server-side failure surfaces as an error status, never as a
// decision, so a broken store cannot be read as ALLOW.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req v1.VerifyRequest
	if err := decodeValid(r, &req); err != nil {
		validationProblem(w, r, err.Error())
		return
	}

	result, err := h.engine.Verify(r.Context(), verify.Request{
		LicenseID:   req.LicenseID,
		Fingerprint: verify.NormalizeFingerprint(req.MachineFingerprint),
		IP:          clientIP(r),
		Kind:        domain.CheckKind(req.Kind),
	})
	if errors.Is(err, verify.ErrMalformedRequest) {
		validationProblem(w, r, err.Error())
		return
	}
	if err != nil {
		domainProblem(w, r, err)
		return
	}

	resp := v1.VerifyResponse{
		Verdict:    result.Verdict,
		Reason:     result.Reason,
		ServerTime: time.Now().UTC(),
	}
	if result.Verdict == domain.VerdictKill {
		resp.KillMethod = result.KillMethod
	}
	if result.Verdict == domain.VerdictAllow {
		resp.KillMethod = result.KillMethod
		resp.CheckIntervalMS = result.CheckIntervalMS
		resp.MaxExecutions = result.MaxExecutions
		resp.ExpiresAt = result.ExpiresAt
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
