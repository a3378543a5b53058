package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-evidence/pkg/gateway/config"
	"github.com/vango-go/vai-evidence/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 while draining. Degraded features (no voice, no
// search) are listed as issues but do not fail readiness.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining,omitempty"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		AuthMode       string   `json:"auth_mode"`
		StoreBackend   string   `json:"store_backend"`
		SearchProvider string   `json:"search_provider"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := h.Config.Issues()
	status := http.StatusOK
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
		status = http.StatusInternalServerError
	}
	since, draining := h.Lifecycle.DrainingSince()
	var drainingSince string
	if draining {
		status = http.StatusServiceUnavailable
		drainingSince = since.UTC().Format(time.RFC3339)
	}

	writeJSON(w, status, readyResp{
		OK:             status == http.StatusOK,
		Draining:       draining,
		DrainingSince:  drainingSince,
		AuthMode:       string(h.Config.AuthMode),
		StoreBackend:   string(h.Config.StoreBackend),
		SearchProvider: string(h.Config.SearchProvider),
		Issues:         issues,
	})
}
