package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/counselsim/internal/observability"
)

// handlePerfLatency reports the rolling session-start latency window.
// ?stage=negotiate,start_to_connected narrows the report.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{Stages: []observability.StageStats{}})
		return
	}
	var only []string
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		only = strings.Split(raw, ",")
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages(only...))
}
