package ingress

import (
	"net/http"
	"strings"
)

// Mux builds the reporter-facing HTTP surface (spec §4.1, §6).
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/post_report", s.HandlePostReport)
	mux.HandleFunc("/post_reports_batch", s.HandlePostReportsBatch)
	mux.HandleFunc("/post_aggregated_consensus_vote", s.HandlePostAggregatedConsensusVote)
	mux.HandleFunc("/get_last_published_value_and_time/", func(w http.ResponseWriter, r *http.Request) {
		feedIDHex := strings.TrimPrefix(r.URL.Path, "/get_last_published_value_and_time/")
		s.HandleGetLastPublishedValueAndTime(w, r, feedIDHex)
	})
	return mux
}
