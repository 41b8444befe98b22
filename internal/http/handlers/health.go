// Package handlers provides HTTP API handlers for chunkrelay.
package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// SessionCounter reports how many sessions are live.
type SessionCounter interface {
	Count() int
}

// Pinger is implemented by registry backends with a remote dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	sessions  SessionCounter
	registry  Pinger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, sessions SessionCounter) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		sessions:  sessions,
	}
}

// WithRegistry adds a registry connectivity check to the health report.
func (h *HealthHandler) WithRegistry(p Pinger) *HealthHandler {
	h.registry = p
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the health report.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Sessions      int               `json:"sessions"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo holds host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds host and relay process memory figures in MB.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMB         float64 `json:"process_mb"`
	TranscodersMB     float64 `json:"transcoders_mb"`
	TranscoderCount   int     `json:"transcoder_count"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/health",
		Summary:     "Health check",
		Description: "Returns the health status of the relay including host load and live session count",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	status := "healthy"
	checks := map[string]string{"registry": "ok"}
	if h.registry != nil {
		if err := h.registry.Ping(ctx); err != nil {
			checks["registry"] = err.Error()
			status = "degraded"
		}
	}

	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions.Count()
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Sessions:      sessions,
			CPUInfo:       cpuInfo(ctx),
			Memory:        memoryInfo(ctx),
			Checks:        checks,
		},
	}, nil
}

func cpuInfo(ctx context.Context) CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	avg, err := load.AvgWithContext(ctx)
	if err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

const mb = 1024 * 1024

func memoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / mb
		info.UsedMemoryMB = float64(vm.Used) / mb
		info.AvailableMemoryMB = float64(vm.Available) / mb
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}
	if m, err := proc.MemoryInfoWithContext(ctx); err == nil && m != nil {
		info.ProcessMB = float64(m.RSS) / mb
	}
	// Transcoders are the relay's children.
	if children, err := proc.ChildrenWithContext(ctx); err == nil {
		info.TranscoderCount = len(children)
		for _, child := range children {
			if m, err := child.MemoryInfoWithContext(ctx); err == nil && m != nil {
				info.TranscodersMB += float64(m.RSS) / mb
			}
		}
	}
	return info
}
