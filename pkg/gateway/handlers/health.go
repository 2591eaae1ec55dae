package handlers

import (
	"net/http"

	"github.com/voiceinbox/voiceinbox/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK              bool     `json:"ok"`
		CacheDriver     string   `json:"cache_driver"`
		OAuthConfigured bool     `json:"oauth_configured"`
		Issues          []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.OpenAIAPIKey == "" {
		issues = append(issues, "openai api key is not configured")
	}
	oauthOK := h.Config.GoogleClientID != "" && h.Config.GoogleClientSecret != ""
	if !oauthOK {
		issues = append(issues, "google oauth credentials are not configured")
	}
	if h.Config.MaxResultBytes <= 0 {
		issues = append(issues, "max_result_bytes must be > 0")
	}
	if h.Config.UpstreamMaxReconnects <= 0 {
		issues = append(issues, "upstream_max_reconnects must be > 0")
	}

	resp := readyResp{
		OK:              len(issues) == 0,
		CacheDriver:     h.Config.CacheDriver,
		OAuthConfigured: oauthOK,
		Issues:          issues,
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
