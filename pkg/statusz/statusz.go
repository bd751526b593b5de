// Package statusz reports the gateway's own runtime status and provides the
// local health fallback used when no external health endpoint is configured.
package statusz

import (
	"context"
	"encoding/json"
	"runtime"
	"time"
)

// Process answers the status method from process introspection.
type Process struct {
	version   string
	commit    string
	started   time.Time
	connCount func() int
}

// NewProcess creates a Process status source. connCount may be nil.
func NewProcess(version, commit string, connCount func() int) *Process {
	return &Process{
		version:   version,
		commit:    commit,
		started:   time.Now(),
		connCount: connCount,
	}
}

// Status returns an opaque runtime summary.
func (p *Process) Status(_ context.Context) (json.RawMessage, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	conns := 0
	if p.connCount != nil {
		conns = p.connCount()
	}

	return json.Marshal(map[string]any{
		"version":        p.version,
		"commit":         p.commit,
		"uptimeMs":       time.Since(p.started).Milliseconds(),
		"goroutines":     runtime.NumGoroutine(),
		"heapAllocBytes": mem.HeapAlloc,
		"numCPU":         runtime.NumCPU(),
		"connections":    conns,
	})
}

// LocalHealth is the fallback health source: the gateway process being able
// to answer is the whole check.
type LocalHealth struct{}

// Health reports ok with a timestamp.
func (LocalHealth) Health(_ context.Context) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"status":    "ok",
		"checkedAt": time.Now().UnixMilli(),
	})
}
