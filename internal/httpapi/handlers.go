package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"salewatch/internal/dashboard"
	"salewatch/internal/eventbus"
	"salewatch/internal/reconcile"
	"salewatch/pkg/logx"
)

type rowsResponse struct {
	Empty      bool                `json:"empty"`
	Generation uint64              `json:"generation"`
	Rows       []reconcile.RowView `json:"rows"`
}

type rangeRequest struct {
	Range string `json:"range"`
	Sort  string `json:"sort,omitempty"`
	Page  *int   `json:"page,omitempty"`
}

// Signals accepted by POST /api/signals/{name}.
var externalSignals = map[string]bool{
	eventbus.RowsRebind:    true,
	eventbus.ConfigApplied: true,
	eventbus.IconsChanged:  true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "tab": s.d.TabID}
	if s.d.Loops != nil {
		resp["loops"] = s.d.Loops()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rowsResponse{
		Empty:      s.d.Tree.Empty(),
		Generation: s.d.Tree.Generation(),
		Rows:       s.d.Tree.Rows(),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Recent.Items())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Dashboard.Status())
}

func (s *Server) handleToast(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Toast.View())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.d.Dashboard.ManualTrigger(flag(r, "persist"))
	writeJSON(w, http.StatusAccepted, s.d.Toast.View())
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	s.d.Toast.TogglePin()
	writeJSON(w, http.StatusOK, s.d.Toast.View())
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.d.Toast.Close()
	writeJSON(w, http.StatusOK, s.d.Toast.View())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.d.Dashboard.RefreshSessions(r.Context(), flag(r, "force")); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Dashboard.Status())
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Range = strings.TrimSpace(req.Range)
	if req.Range == "" {
		writeError(w, http.StatusBadRequest, errors.New("range is required"))
		return
	}
	if !dashboard.ValidSort(req.Sort) {
		writeError(w, http.StatusBadRequest, errors.New("unknown sort "+strconv.Quote(req.Sort)))
		return
	}
	if req.Page != nil && *req.Page < 0 {
		writeError(w, http.StatusBadRequest, errors.New("page must be >= 0"))
		return
	}
	err := s.d.Dashboard.SetRange(r.Context(), req.Range)
	if err == nil && req.Sort != "" {
		err = s.d.Dashboard.SetSort(r.Context(), req.Sort)
	}
	// range and sort reset paging, so the page goes last
	if err == nil && req.Page != nil {
		err = s.d.Dashboard.SetPage(r.Context(), *req.Page)
	}
	if err != nil {
		s.log.Warn("range change failed", logx.String("range", req.Range), logx.Err(err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Dashboard.Status())
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !externalSignals[name] {
		writeError(w, http.StatusNotFound, errors.New("unknown signal "+strconv.Quote(name)))
		return
	}
	var data any
	if theme := r.URL.Query().Get("theme"); theme != "" {
		data = theme
	}
	eventbus.Publish(s.d.Bus, name, data)
	w.WriteHeader(http.StatusAccepted)
}

func flag(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
