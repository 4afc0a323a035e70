package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	TotalRestarts int            `json:"total_restarts"`
	DeltasApplied int            `json:"deltas_applied"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		// No persistence configured; compute from live works.
		byStatus := make(map[string]int)
		restarts := 0
		works := s.app.Works()
		for _, wk := range works {
			byStatus[wk.Status()]++
			restarts += wk.Restarts()
		}
		s.writeJSON(w, http.StatusOK, statsResponse{
			Total:         len(works),
			ByStatus:      byStatus,
			TotalRestarts: restarts,
		})
		return
	}

	stats, err := s.store.GetWorkStats(r.Context())
	if err != nil {
		s.logger.Error("get work stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		TotalRestarts: stats.TotalRestarts,
		DeltasApplied: stats.DeltasApplied,
	})
}
