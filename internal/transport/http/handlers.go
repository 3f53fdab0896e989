// Package http contains the chi HTTP handlers of the management and
// verification APIs. Handlers bind JSON with go-chi/render, validate
// with go-playground/validator, and answer failures as RFC 7807
// problem documents.
package http

import (
	"net"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "sentineld/internal/errors"
	"sentineld/internal/infrastructure"
)

var validate = validator.New()

// renderProblem writes a problem document, falling back to a bare
// status code if rendering itself fails.
func renderProblem(w http.ResponseWriter, r *http.Request, pd *apperrors.ProblemDetails) {
	if err := render.Render(w, r, pd); err != nil {
		http.Error(w, pd.Title, pd.Status)
	}
}

// domainProblem maps a service error onto the wire.
func domainProblem(w http.ResponseWriter, r *http.Request, err error) {
	pd := apperrors.Map(err, r.URL.Path, infrastructure.GetTraceID(r.Context()))
	renderProblem(w, r, pd)
}

// validationProblem answers a bind or validation failure.
func validationProblem(w http.ResponseWriter, r *http.Request, detail string) {
	pd := apperrors.ValidationProblem(detail, r.URL.Path, infrastructure.GetTraceID(r.Context()))
	renderProblem(w, r, pd)
}

// decodeValid binds the JSON body into v and runs struct validation.
func decodeValid(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return err
	}
	return validate.Struct(v)
}

// clientIP extracts the peer address. The RealIP middleware has
// already folded X-Forwarded-For into RemoteAddr where trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
