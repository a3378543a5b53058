package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-evidence/pkg/gateway/apierror"
	"github.com/vango-go/vai-evidence/pkg/gateway/mw"
)

func requestID(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}

// writeError maps err onto the API envelope. Unexpected errors are logged;
// the client only sees "internal error".
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	reqID := requestID(r)
	apiErr, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "request_id", reqID, "path", r.URL.Path, "error", err)
	}
	apierror.Write(w, status, apiErr)
}

func writeInvalid(w http.ResponseWriter, r *http.Request, message, param string) {
	apierror.Write(w, http.StatusBadRequest, &apierror.Error{
		Type:      apierror.ErrInvalidRequest,
		Message:   message,
		Param:     param,
		RequestID: requestID(r),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads one JSON object into v. An empty body leaves v untouched
// when allowEmpty is set. It writes the error response itself and reports
// whether the caller should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any, allowEmpty bool) bool {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil {
		if dec.More() {
			writeInvalid(w, r, "request body must contain a single JSON object", "")
			return false
		}
		return true
	}
	if errors.Is(err, io.EOF) {
		if allowEmpty {
			return true
		}
		writeInvalid(w, r, "request body is required", "")
		return false
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		apierror.Write(w, http.StatusRequestEntityTooLarge, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			Code:      "too_large",
			RequestID: requestID(r),
		})
		return false
	}
	writeInvalid(w, r, "invalid JSON body: "+err.Error(), "")
	return false
}
