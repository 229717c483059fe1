package handlers

import (
	"net/http"

	"github.com/voiceforge/forge/pkg/gateway/config"
	"github.com/voiceforge/forge/pkg/gateway/lifecycle"
	"github.com/voiceforge/forge/pkg/gateway/session"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *session.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining,omitempty"`
		Sessions int      `json:"sessions"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Lifecycle.IsDraining() {
		issues = append(issues, "draining")
	}
	if len(h.Config.ExtractionWorker) == 0 {
		issues = append(issues, "extraction worker command not configured")
	}
	if len(h.Config.BuildWorker) == 0 {
		issues = append(issues, "build worker command not configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if h.Config.ExtractionTimeout <= 0 {
		issues = append(issues, "extraction timeout must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "websocket intervals must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	sessions := 0
	if h.Registry != nil {
		sessions = h.Registry.Len()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:       ok,
		Draining: h.Lifecycle.IsDraining(),
		Sessions: sessions,
		Issues:   issues,
	})
}
