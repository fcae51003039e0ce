package api

import (
	"net/http"
	"strconv"

	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// handleExecute answers 200 with the CommandResult whenever the command
// was attempted; timeouts and failures are reported in its error field.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req protocol.ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}

	res, err := s.runner.Execute(r.Context(), req.Command)
	if errs.Is(err, errs.BadRequest) {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.sendError(w, r, errs.E(errs.NotFound, "Command history is disabled", nil))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, r, errs.E(errs.BadRequest, "Invalid limit", err))
			return
		}
		limit = n
	}

	results, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.sendError(w, r, errs.E(errs.IOFailure, "Failed to read command history", err))
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.HistoryResponse{Commands: results})
}
