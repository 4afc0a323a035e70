package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/workmesh/workmesh/internal/model"
)

func (s *Server) handleStreamDeltas(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// Verify the work exists.
	wk, ok := s.app.Work(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "work not found")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribe to the delta stream. If the work is removed between the
	// existence check and this call, Subscribe returns a closed channel
	// and the loop exits immediately.
	ch, unsub := s.app.Synchronizer().Broker().Subscribe(wk.Name)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				// Work removed; send explicit done event before closing.
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEDelta(w, d); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// deltaHistoryResponse is the JSON response for
// GET /v1/works/{name}/deltas/history.
type deltaHistoryResponse struct {
	WorkName string         `json:"work_name"`
	Deltas   []*model.Delta `json:"deltas"`
}

func (s *Server) handleGetDeltaHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, ok := s.app.Work(name); !ok {
		s.writeError(w, http.StatusNotFound, "work not found")
		return
	}

	if s.store == nil {
		s.writeJSON(w, http.StatusOK, deltaHistoryResponse{WorkName: name, Deltas: []*model.Delta{}})
		return
	}

	deltas, err := s.store.ListDeltas(r.Context(), name)
	if err != nil {
		s.logger.Error("list deltas", "work", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get delta history")
		return
	}
	if deltas == nil {
		deltas = []*model.Delta{}
	}

	s.writeJSON(w, http.StatusOK, deltaHistoryResponse{WorkName: name, Deltas: deltas})
}

// writeSSEDelta writes an applied delta as an SSE data event with a JSON
// payload.
func writeSSEDelta(w http.ResponseWriter, d *model.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
