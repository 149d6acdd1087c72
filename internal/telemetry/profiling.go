package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// ProfilingServer serves pprof and runtime statistics on a separate
// address from the monitoring server.
type ProfilingServer struct {
	server *http.Server
}

func NewProfilingServer(addr string) *ProfilingServer {
	ps := &ProfilingServer{}
	ps.server = &http.Server{
		Addr:              addr,
		Handler:           ps.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ps
}

// Handler returns the profiling routes.
func (ps *ProfilingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/stats", ps.statsHandler)
	mux.HandleFunc("/debug/gc", ps.gcHandler)
	mux.HandleFunc("/debug/build", ps.buildInfoHandler)
	return mux
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (ps *ProfilingServer) Start() error {
	log.Info().Str("addr", ps.server.Addr).Msg("Starting profiling server")
	if err := ps.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ps *ProfilingServer) Shutdown(ctx context.Context) error {
	return ps.server.Shutdown(ctx)
}

func (ps *ProfilingServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	writeJSON(w, map[string]any{
		"memory": map[string]any{
			"alloc_mb":       bToMb(m.Alloc),
			"total_alloc_mb": bToMb(m.TotalAlloc),
			"sys_mb":         bToMb(m.Sys),
			"heap_alloc_mb":  bToMb(m.HeapAlloc),
			"heap_inuse_mb":  bToMb(m.HeapInuse),
			"heap_objects":   m.HeapObjects,
			"stack_inuse_mb": bToMb(m.StackInuse),
		},
		"gc": map[string]any{
			"num_gc":          m.NumGC,
			"gc_cpu_fraction": m.GCCPUFraction,
			"pause_total_ns":  m.PauseTotalNs,
			"pause_ns":        m.PauseNs[(m.NumGC+255)%256],
		},
		"goroutines": runtime.NumGoroutine(),
		"cpu_cores":  runtime.NumCPU(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// gcHandler forces a collection. POST only.
func (ps *ProfilingServer) gcHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	before := time.Now()
	runtime.GC()
	writeJSON(w, map[string]any{
		"message":     "Garbage collection triggered",
		"duration_ms": float64(time.Since(before).Microseconds()) / 1000,
	})
}

func (ps *ProfilingServer) buildInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"version":    ServiceVersion,
		"go_version": runtime.Version(),
		"go_os":      runtime.GOOS,
		"go_arch":    runtime.GOARCH,
		"compiler":   runtime.Compiler,
		"max_procs":  runtime.GOMAXPROCS(0),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func bToMb(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
