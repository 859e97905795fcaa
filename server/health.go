package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/genq/coordinator"
	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/version"
)

// healthTimeout bounds the storage ping.
const healthTimeout = 2 * time.Second

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status        string              `json:"status"` // ok or degraded
	Ready         bool                `json:"ready"`
	StartedAt     time.Time           `json:"started_at"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Database      string              `json:"database"`
	Version       version.Info        `json:"version"`
	Worker        *coordinator.Status `json:"worker,omitempty"`
	Memory        *MemoryStats        `json:"memory,omitempty"`
}

// MemoryStats reports host and process memory.
type MemoryStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	Goroutines     int     `json:"goroutines"`
}

// getMemoryStats returns host memory from gopsutil plus Go runtime figures.
func getMemoryStats() (*MemoryStats, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get memory stats")
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return &MemoryStats{
		TotalBytes:     v.Total,
		AvailableBytes: v.Available,
		UsedPercent:    v.UsedPercent,
		HeapAllocBytes: ms.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
	}, nil
}

// handleHealth reports readiness: storage reachable and, inside a worker,
// the coordinator loop running. Not ready answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	resp := HealthResponse{
		Status:        "ok",
		Ready:         true,
		StartedAt:     s.startedAt,
		UptimeSeconds: now.Sub(s.startedAt).Seconds(),
		Database:      "ok",
		Version:       version.Get(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		resp.Database = err.Error()
		resp.Ready = false
	}

	if s.worker != nil {
		status := s.worker.Status()
		resp.Worker = &status
		if !status.Running {
			resp.Ready = false
		}
	}

	if stats, err := getMemoryStats(); err == nil {
		resp.Memory = stats
	} else {
		s.logger.Debugw("Memory stats unavailable", "error", err)
	}

	code := http.StatusOK
	if !resp.Ready {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
