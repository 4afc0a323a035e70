package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/workmesh/workmesh/internal/model"
)

// workResponse is the JSON view of a work exposed by the API.
type workResponse struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Backend   string `json:"backend,omitempty"`
	URL       string `json:"url,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Restarts  int    `json:"restarts"`
	Alive     bool   `json:"alive"`
}

// listWorksResponse wraps the list response.
type listWorksResponse struct {
	Works []workResponse `json:"works"`
	Total int            `json:"total"`
}

func (s *Server) workView(w *model.Work) workResponse {
	alive := false
	if m, ok := s.app.Manager(w.Name); ok {
		alive = m.IsAlive()
	}
	return workResponse{
		Name:      w.Name,
		Status:    w.Status(),
		Backend:   w.Backend,
		URL:       s.app.ResolveURL(w.Name),
		LastError: w.LastError(),
		Restarts:  w.Restarts(),
		Alive:     alive,
	}
}

func (s *Server) handleListWorks(w http.ResponseWriter, r *http.Request) {
	works := s.app.Works()
	views := make([]workResponse, 0, len(works))
	for _, wk := range works {
		views = append(views, s.workView(wk))
	}
	s.writeJSON(w, http.StatusOK, listWorksResponse{Works: views, Total: len(views)})
}

func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	wk, ok := s.app.Work(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "work not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.workView(wk))
}

func (s *Server) handleStartWork(w http.ResponseWriter, r *http.Request) {
	s.lifecycleVerb(w, r, func(m lifecycle) error { return m.Start() })
}

func (s *Server) handleStopWork(w http.ResponseWriter, r *http.Request) {
	s.lifecycleVerb(w, r, func(m lifecycle) error { return m.Kill() })
}

func (s *Server) handleRestartWork(w http.ResponseWriter, r *http.Request) {
	s.lifecycleVerb(w, r, func(m lifecycle) error { return m.Restart() })
}

// lifecycle narrows the manager surface the verb handlers need.
type lifecycle interface {
	Start() error
	Kill() error
	Restart() error
}

func (s *Server) lifecycleVerb(w http.ResponseWriter, r *http.Request, verb func(lifecycle) error) {
	name := chi.URLParam(r, "name")

	m, ok := s.app.Manager(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "work not found")
		return
	}

	if err := verb(m); err != nil {
		s.logger.Error("lifecycle operation", "work", name, "error", err)
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	wk, _ := s.app.Work(name)
	s.writeJSON(w, http.StatusOK, s.workView(wk))
}

// handleFetchArtifact pulls an artifact payload out of the work's execution
// context over its copy channel and serves it as raw bytes.
func (s *Server) handleFetchArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	key := chi.URLParam(r, "key")

	if _, ok := s.app.Work(name); !ok {
		s.writeError(w, http.StatusNotFound, "work not found")
		return
	}

	payload, found, err := s.app.FetchArtifact(r.Context(), name, key)
	if err != nil {
		s.logger.Error("fetch artifact", "work", name, "key", key, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		s.logger.Error("write artifact", "work", name, "key", key, "error", err)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.Synchronizer().Snapshot())
}

// healthResponse reports liveness plus the queue identity the deployment
// runs under, so probes can tell instances apart.
type healthResponse struct {
	Status  string `json:"status"`
	QueueID string `json:"queue_id"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", QueueID: s.app.QueueID()})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
