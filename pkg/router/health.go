package router

import (
	"encoding/json"
	"net/http"
	goruntime "runtime"
	"time"
)

type healthResponse struct {
	Status      string `json:"status"`
	UptimeMS    int64  `json:"uptimeMs"`
	PID         int    `json:"pid"`
	MemAllocKB  uint64 `json:"memAllocKb"`
	MemSysKB    uint64 `json:"memSysKb"`
	NumGoroutine int   `json:"numGoroutine"`
	LiveSessions int   `json:"liveSessions"`
	LivePTYTabs  int   `json:"livePtyTabs"`
}

// handleHealth serves the unauthenticated /health route (spec §4.11.1).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)

	resp := healthResponse{
		Status:       "healthy",
		UptimeMS:     time.Since(s.startedAt).Milliseconds(),
		PID:          s.pid,
		MemAllocKB:   mem.Alloc / 1024,
		MemSysKB:     mem.Sys / 1024,
		NumGoroutine: goruntime.NumGoroutine(),
		LiveSessions: s.Aggregator.SessionCount(),
		LivePTYTabs:  s.PTY.LiveTabCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
