package server

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/logger"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 4 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response with a plain message
func writeError(w http.ResponseWriter, status int, kind, message string) {
	_ = writeJSON(w, status, map[string]*ErrorBody{"error": {Message: message, Kind: kind}})
}

// writeFailure maps err to a status code and writes it. Server-side failures
// are logged with their full detail; clients get the message and hints only.
func writeFailure(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		log.Errorw("request failed", logger.FieldError, err, "details", errors.GetAllDetails(err))
	} else {
		log.Debugw("request rejected", logger.FieldError, err, "status", status)
	}
	_ = writeJSON(w, status, map[string]*ErrorBody{"error": body})
}

// readJSON decodes a bounded JSON request body into v. An empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Mark(errors.Wrap(err, "invalid request body"), errors.ErrInvalidRequest)
	}
	return nil
}
