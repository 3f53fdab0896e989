package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"sentineld/internal/license"
	"sentineld/internal/store"
	v1 "sentineld/pkg/contracts/api/v1"
	"sentineld/pkg/contracts/domain"
)

// LicenseHandler serves the dashboard-facing license lifecycle routes.
type LicenseHandler struct {
	service *license.Service
	logger  *slog.Logger
}

// NewLicenseHandler creates the license handler.
func NewLicenseHandler(service *license.Service, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the license routes, mounted under /license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/create", h.Create)
	r.Route("/{licenseID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Patch)
		r.Delete("/", h.Delete)
		r.Post("/revoke", h.Revoke)
		r.Post("/re-enable", h.ReEnable)
		r.Get("/stats", h.Stats)
	})
	return r
}

// ListRoutes returns the collection route, mounted under /licenses.
func (h *LicenseHandler) ListRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// Create handles POST /license/create.
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req v1.CreateLicenseRequest
	if err := decodeValid(r, &req); err != nil {
		validationProblem(w, r, err.Error())
		return
	}

	lic, err := h.service.Create(r.Context(), &req)
	if err != nil {
		domainProblem(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, licenseResponse(lic, time.Now().UTC()))
}

// Get handles GET /license/{id}.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Get(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, licenseResponse(lic, time.Now().UTC()))
}

// Patch handles PATCH /license/{id}. Readonly licenses answer 422 and
// stay untouched.
func (h *LicenseHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req v1.PatchLicenseRequest
	if err := decodeValid(r, &req); err != nil {
		validationProblem(w, r, err.Error())
		return
	}

	lic, err := h.service.Patch(r.Context(), chi.URLParam(r, "licenseID"), req.Patch())
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, licenseResponse(lic, time.Now().UTC()))
}

// Revoke handles POST /license/{id}/revoke. Idempotent.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.Revoke(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, licenseResponse(lic, time.Now().UTC()))
}

// ReEnable handles POST /license/{id}/re-enable. Counters and expiry
// are left as they were.
func (h *LicenseHandler) ReEnable(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.ReEnable(r.Context(), chi.URLParam(r, "licenseID"))
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, licenseResponse(lic, time.Now().UTC()))
}

// Delete handles DELETE /license/{id}. Requires a prior revoke.
func (h *LicenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "licenseID")); err != nil {
		domainProblem(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// Stats handles GET /license/{id}/stats: the license, its machine
// fleet with derived status, and the most recent attempts.
func (h *LicenseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), chi.URLParam(r, "licenseID"), 20)
	if err != nil {
		domainProblem(w, r, err)
		return
	}

	now := time.Now().UTC()
	resp := v1.LicenseStatsResponse{
		License:   licenseResponse(stats.License, now),
		Instances: make([]v1.MachineInstanceView, 0, len(stats.Machines)),
		Recent:    stats.Recent,
	}
	for _, m := range stats.Machines {
		resp.Instances = append(resp.Instances, v1.MachineInstanceView{
			MachineInstance: m,
			Status:          m.Status(stats.License, now),
		})
	}
	render.JSON(w, r, resp)
}

// List handles GET /licenses with pagination and sorting.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Page:      queryInt(r, "page", 1),
		PerPage:   queryInt(r, "per_page", 50),
		SortBy:    queryDefault(r, "sort_by", "created_at"),
		SortOrder: queryDefault(r, "sort_order", "desc"),
	}
	if opts.PerPage > 200 {
		opts.PerPage = 200
	}

	licenses, total, err := h.service.List(r.Context(), opts)
	if err != nil {
		domainProblem(w, r, err)
		return
	}

	now := time.Now().UTC()
	resp := v1.ListLicensesResponse{
		Licenses: make([]v1.LicenseResponse, 0, len(licenses)),
		Page:     opts.Page,
		PerPage:  opts.PerPage,
		Total:    total,
	}
	for i := range licenses {
		resp.Licenses = append(resp.Licenses, licenseResponse(&licenses[i], now))
	}
	render.JSON(w, r, resp)
}

func licenseResponse(lic *domain.License, now time.Time) v1.LicenseResponse {
	return v1.LicenseResponse{
		License: *lic,
		State:   lic.State(now),
		Flagged: lic.Flagged(),
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryDefault(r *http.Request, key, def string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return def
}
