package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

var startedAt = time.Now()

type healthResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	Goroutines     int     `json:"goroutines"`
	ConnectedWS    int     `json:"connectedClients"`
	ActiveSessions int     `json:"activeSessions"`
	ProcessRSS     uint64  `json:"processRssBytes,omitempty"`
	ProcessCPUPct  float64 `json:"processCpuPercent,omitempty"`
	SystemMemPct   float64 `json:"systemMemoryPercent,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		UptimeSeconds:  time.Since(startedAt).Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		ConnectedWS:    s.announce.ClientCount(),
		ActiveSessions: s.sessions.ActiveSessions(),
	}

	// Process and system stats are best-effort; the endpoint stays "ok"
	// even when they are unavailable.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			resp.ProcessRSS = mi.RSS
		}
		if pct, err := p.CPUPercent(); err == nil {
			resp.ProcessCPUPct = pct
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.SystemMemPct = vm.UsedPercent
	}

	respondJSON(w, http.StatusOK, resp)
}
