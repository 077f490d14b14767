package httpserver

import (
	"encoding/json"
	"net/http"
)

type restartRequest struct {
	IncludeErrors bool `json:"include_errors"`
}

// RestartQueueHandler reloads queued rows into memory, optionally retrying
// failed ones. Idempotent; restarting an already-running queue is a no-op
// beyond the reload.
func (s *Server) RestartQueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restartRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: apiError{
					Code: "INVALID_ARGUMENT", Message: "malformed JSON body",
				}})
				return
			}
		}
		res, err := s.Pipeline.RestartQueue(r.Context(), req.IncludeErrors)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CleanupDuplicatesHandler removes all but the newest row per CNPJ from the
// job and company tables.
func (s *Server) CleanupDuplicatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Pipeline.CleanupDuplicates(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
