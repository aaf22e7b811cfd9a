package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Redirect error codes carried in the "error" query parameter.
const (
	codeMissingCredentials = "missing_credentials"
	codeInvalidCredentials = "invalid_credentials"
	codeInvalidUsername    = "invalid_username"
	codeWeakPassword       = "weak_password"
	codePasswordMismatch   = "password_mismatch"
	codeInvalidImage       = "invalid_image"
	codeUserExists         = "user_exists"
	codeServerError        = "server_error"
)

const maxJSONBodySize = 2 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers with a generic 500 so store and
// crypto details never reach the client.
func (a *API) writeInternalError(w http.ResponseWriter, msg string, err error) {
	a.logger.Error(msg, slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, msg)
}

// redirectWith sends a 303 to page with the given query parameters.
func redirectWith(w http.ResponseWriter, r *http.Request, page string, params url.Values) {
	target := page
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func redirectError(w http.ResponseWriter, r *http.Request, page, code string) {
	redirectWith(w, r, page, url.Values{"error": {code}})
}

// decodeJSON reads a single JSON object of type T from the request body,
// writing a 400 and returning false on any problem.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return v, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "request body must contain a single JSON object")
		return v, false
	}
	return v, true
}
