package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jbweber/homelab/ddiagent/internal/directory"
	"github.com/jbweber/homelab/ddiagent/internal/log"
	"github.com/jbweber/homelab/ddiagent/internal/repository"
	"github.com/jbweber/homelab/ddiagent/internal/reservation"
)

// errBadRequest marks request validation failures
var errBadRequest = errors.New("bad request")

// statusFor maps an error to the HTTP status reported for it
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, repository.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrNotOwned), errors.Is(err, directory.ErrConflict),
		errors.Is(err, directory.ErrExhausted), errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, reservation.ErrConfiguration):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.G(r.Context()).WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	entry := log.G(r.Context()).WithError(err).WithField("status", status)
	if status == http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}
	writeJSON(w, r, status, ErrorResponse{Error: err.Error()})
}
