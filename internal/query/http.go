package query

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// RegisterRoutes mounts the read endpoints on mux.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/delegates/top", s.handleTop)
	mux.HandleFunc("/v1/delegates/", s.handleGet)
}

func (s *Service) handleTop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	views, err := s.TopDelegates(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("top delegates query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if views == nil {
		views = []DelegateView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"delegates": views,
		"count":     len(views),
	})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/delegates/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	view, ok, err := s.GetDelegate(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("delegate", id).Msg("delegate query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown delegate")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
