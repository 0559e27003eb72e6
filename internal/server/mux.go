// Package server provides HTTP server construction for chat-sync.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       auth.KeyHashes
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP, metrics and health endpoints.
// Only the MCP endpoint requires an API key.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
