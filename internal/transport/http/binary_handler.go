package http

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	apperrors "sentineld/internal/errors"
	"sentineld/internal/exporter"
	"sentineld/internal/files"
	v1 "sentineld/pkg/contracts/api/v1"
	"sentineld/pkg/contracts/domain"
)

// BinaryStore is the persistence surface of the binary registry.
type BinaryStore interface {
	CreateBinary(ctx context.Context, b *domain.Binary) error
	GetBinary(ctx context.Context, id string) (*domain.Binary, error)
	ListBinaries(ctx context.Context) ([]domain.Binary, error)
	ListLicensesByBinary(ctx context.Context, binaryID string) ([]domain.License, error)
	AttemptsByBinary(ctx context.Context, binaryID string, limit, skip int) ([]domain.VerificationAttempt, int64, error)
	CreateDownloadToken(ctx context.Context, t *domain.DownloadToken) error
	ConsumeDownloadToken(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// BinaryHandler serves the binary registry, the attempt log views and
// the two-step download flow.
type BinaryHandler struct {
	store    BinaryStore
	files    *files.Manager
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewBinaryHandler creates the binary handler.
func NewBinaryHandler(store BinaryStore, fm *files.Manager, tokenTTL time.Duration, logger *slog.Logger) *BinaryHandler {
	return &BinaryHandler{
		store:    store,
		files:    fm,
		tokenTTL: tokenTTL,
		logger:   logger.With(slog.String("handler", "binary")),
	}
}

// Routes returns the binary routes, mounted under /binary.
func (h *BinaryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Route("/{binaryID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/artifact", h.UploadArtifact)
		r.Get("/licenses", h.Licenses)
		r.Get("/verification-attempts", h.Attempts)
		r.Get("/verification-attempts/export", h.ExportAttempts)
		r.Post("/download-token", h.CreateDownloadToken)
	})
	return r
}

// Register handles POST /binary.
func (h *BinaryHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req v1.RegisterBinaryRequest
	if err := decodeValid(r, &req); err != nil {
		validationProblem(w, r, err.Error())
		return
	}

	b := &domain.Binary{
		ID:           uuid.NewString(),
		Name:         req.Name,
		OriginalSize: req.OriginalSize,
		WrappedSize:  req.WrappedSize,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateBinary(r.Context(), b); err != nil {
		domainProblem(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "binary registered",
		slog.String("binary_id", b.ID), slog.String("name", b.Name))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, b)
}

// Get handles GET /binary/{id}.
func (h *BinaryHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBinary(r.Context(), chi.URLParam(r, "binaryID"))
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, b)
}

// List handles GET /binaries.
func (h *BinaryHandler) List(w http.ResponseWriter, r *http.Request) {
	binaries, err := h.store.ListBinaries(r.Context())
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, binaries)
}

// UploadArtifact handles PUT /binary/{id}/artifact: the wrapped
// artifact bytes, streamed to disk.
func (h *BinaryHandler) UploadArtifact(w http.ResponseWriter, r *http.Request) {
	binaryID := chi.URLParam(r, "binaryID")
	if _, err := h.store.GetBinary(r.Context(), binaryID); err != nil {
		domainProblem(w, r, err)
		return
	}

	n, err := h.files.Save(binaryID, r.Body)
	if err != nil {
		domainProblem(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "artifact stored",
		slog.String("binary_id", binaryID), slog.Int64("bytes", n))
	render.JSON(w, r, map[string]interface{}{"binary_id": binaryID, "size": n})
}

// Licenses handles GET /binary/{id}/licenses.
func (h *BinaryHandler) Licenses(w http.ResponseWriter, r *http.Request) {
	binaryID := chi.URLParam(r, "binaryID")
	if _, err := h.store.GetBinary(r.Context(), binaryID); err != nil {
		domainProblem(w, r, err)
		return
	}

	licenses, err := h.store.ListLicensesByBinary(r.Context(), binaryID)
	if err != nil {
		domainProblem(w, r, err)
		return
	}

	now := time.Now().UTC()
	out := make([]v1.LicenseResponse, 0, len(licenses))
	for i := range licenses {
		out = append(out, licenseResponse(&licenses[i], now))
	}
	render.JSON(w, r, out)
}

// Attempts handles GET /binary/{id}/verification-attempts?limit&skip.
func (h *BinaryHandler) Attempts(w http.ResponseWriter, r *http.Request) {
	binaryID := chi.URLParam(r, "binaryID")
	if _, err := h.store.GetBinary(r.Context(), binaryID); err != nil {
		domainProblem(w, r, err)
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	skip := queryInt(r, "skip", 0)

	attempts, total, err := h.store.AttemptsByBinary(r.Context(), binaryID, limit, skip)
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	render.JSON(w, r, v1.AttemptsPageResponse{
		Attempts: attempts,
		Limit:    limit,
		Skip:     skip,
		Total:    total,
	})
}

// ExportAttempts handles GET /binary/{id}/verification-attempts/export
// and streams the full log as CSV.
func (h *BinaryHandler) ExportAttempts(w http.ResponseWriter, r *http.Request) {
	binaryID := chi.URLParam(r, "binaryID")
	if _, err := h.store.GetBinary(r.Context(), binaryID); err != nil {
		domainProblem(w, r, err)
		return
	}

	// Page through in bulk; the exporter streams each page out.
	const pageSize = 1000
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="attempts-%s.csv"`, binaryID))

	skip := 0
	first := true
	for {
		attempts, _, err := h.store.AttemptsByBinary(r.Context(), binaryID, pageSize, skip)
		if err != nil {
			if first {
				domainProblem(w, r, err)
				return
			}
			h.logger.ErrorContext(r.Context(), "export aborted mid-stream",
				slog.String("binary_id", binaryID), slog.String("error", err.Error()))
			return
		}
		if first {
			if err := exporter.WriteAttemptsCSV(w, attempts, true); err != nil {
				h.logger.ErrorContext(r.Context(), "export write failed", slog.String("error", err.Error()))
				return
			}
			first = false
		} else if err := exporter.AppendAttemptsCSV(w, attempts); err != nil {
			h.logger.ErrorContext(r.Context(), "export write failed", slog.String("error", err.Error()))
			return
		}
		if len(attempts) < pageSize {
			return
		}
		skip += pageSize
	}
}

// CreateDownloadToken handles POST /binary/{id}/download-token. The
// raw token is returned exactly once; only its hash is stored.
func (h *BinaryHandler) CreateDownloadToken(w http.ResponseWriter, r *http.Request) {
	binaryID := chi.URLParam(r, "binaryID")
	if _, err := h.store.GetBinary(r.Context(), binaryID); err != nil {
		domainProblem(w, r, err)
		return
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		domainProblem(w, r, err)
		return
	}
	token := hex.EncodeToString(raw)

	now := time.Now().UTC()
	t := &domain.DownloadToken{
		TokenHash: hashToken(token),
		BinaryID:  binaryID,
		ExpiresAt: now.Add(h.tokenTTL),
		CreatedAt: now,
	}
	if err := h.store.CreateDownloadToken(r.Context(), t); err != nil {
		domainProblem(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, v1.DownloadTokenResponse{
		Token:     token,
		BinaryID:  binaryID,
		ExpiresAt: t.ExpiresAt,
	})
}

// Download handles GET /download/{id}?token=... and streams the
// artifact after consuming the one-time token.
func (h *BinaryHandler) Download(w http.ResponseWriter, r *http.Request) {
	binaryID := chi.URLParam(r, "binaryID")
	token := r.URL.Query().Get("token")
	if token == "" {
		validationProblem(w, r, "token query parameter is required")
		return
	}

	tokenBinary, err := h.store.ConsumeDownloadToken(r.Context(), hashToken(token), time.Now().UTC())
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	if tokenBinary != binaryID {
		domainProblem(w, r, fmt.Errorf("%w: token bound to a different binary", apperrors.ErrTokenInvalid))
		return
	}

	artifact, size, err := h.files.Open(binaryID)
	if err != nil {
		domainProblem(w, r, err)
		return
	}
	defer artifact.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s.bin"`, binaryID))
	if _, err := io.Copy(w, artifact); err != nil {
		h.logger.WarnContext(r.Context(), "download interrupted",
			slog.String("binary_id", binaryID), slog.String("error", err.Error()))
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
