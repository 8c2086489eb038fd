package server

import (
	"runtime"
	"time"
)

// Stats returns a snapshot of the hub for the health endpoint.
func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"uptime_seconds": time.Since(h.started).Seconds(),
		"sessions":       h.reg.Count(),
		"instances":      h.pool.Awake(),
		"history":        h.feed != nil,
		"memory":         MemoryStats(),
	}
}

// MemoryStats returns Go runtime memory statistics.
func MemoryStats() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]any{
		"heap_alloc_bytes":  m.HeapAlloc,
		"heap_inuse_bytes":  m.HeapInuse,
		"heap_alloc_mb":     float64(m.HeapAlloc) / 1024 / 1024,
		"goroutines":        runtime.NumGoroutine(),
		"gc_cycles":         m.NumGC,
		"gc_pause_total_ns": m.PauseTotalNs,
	}
}
