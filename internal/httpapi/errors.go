package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"meshgate.org/internal/errs"
	"meshgate.org/internal/ids"
	"meshgate.org/internal/obs"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
	Step      string `json:"step,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError renders err as the gateway's JSON error body. Causes are logged,
// never returned.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	body := errorBody{
		Error:     string(errs.KindInternal),
		Message:   "internal error",
		RequestID: ids.RequestIDFromContext(r.Context()),
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		status = http.StatusRequestEntityTooLarge
		body.Error = string(errs.KindInvalidInput)
		body.Message = "request body too large"
	} else if e, ok := errs.As(err); ok && e.Kind != errs.KindInternal {
		body.Error = string(e.Kind)
		body.Message = e.Msg
		body.Reason = e.Reason
		if e.Kind == errs.KindProvisioning {
			body.Step = e.Op
		}
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	log := obs.Logger().With(
		zap.String("request_id", body.RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
	)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Debug("request rejected", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{
		Error:     "not_found",
		Message:   "no route for " + r.Method + " " + r.URL.Path,
		RequestID: ids.RequestIDFromContext(r.Context()),
	})
}
