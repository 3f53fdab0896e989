// Package errors holds the domain sentinel errors and the RFC 7807
// problem-details renderers shared by all HTTP handlers.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// Domain sentinel errors. Handlers map these to problem responses;
// services wrap them with %w so errors.Is works across layers.
var (
	ErrLicenseNotFound   = errors.New("license not found")
	ErrBinaryNotFound    = errors.New("binary not found")
	ErrMachineNotFound   = errors.New("machine instance not found")
	ErrImmutableLicense  = errors.New("license is readonly")
	ErrLicenseNotRevoked = errors.New("license must be revoked before deletion")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrTokenInvalid      = errors.New("download token invalid or consumed")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}
