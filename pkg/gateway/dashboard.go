package gateway

import (
	"html/template"
	"net/http"
	"runtime"
	"strings"

	"github.com/harun/datalens/internal/metrics"
)

// DashboardView is the JSON dashboard body: the metrics summary plus
// process and connection figures.
type DashboardView struct {
	*metrics.Snapshot
	Runtime RuntimeSnapshot `json:"runtime"`
	Clients int             `json:"websocketClients"`
}

// RuntimeSnapshot reports Go heap and goroutine counts.
type RuntimeSnapshot struct {
	HeapAllocMB float64 `json:"heapAllocMb"`
	HeapSysMB   float64 `json:"heapSysMb"`
	Goroutines  int     `json:"goroutines"`
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>DataLens Metrics Dashboard</title>
<meta http-equiv="refresh" content="30">
<style>
* { box-sizing: border-box; }
body { font-family: -apple-system, sans-serif; padding: 24px; background: #f5f7fa; }
h1 { color: #1a1a2e; font-size: 28px; }
.grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(240px, 1fr)); gap: 20px; margin-bottom: 24px; }
.card { background: white; border-radius: 12px; padding: 20px; box-shadow: 0 1px 3px rgba(0,0,0,0.08); }
.card h3 { color: #666; font-size: 12px; font-weight: 600; text-transform: uppercase; }
.metric { font-size: 32px; font-weight: 700; color: #2563eb; }
table { width: 100%; border-collapse: collapse; }
th, td { padding: 10px 12px; text-align: left; border-bottom: 1px solid #eee; }
th { background: #f8f9fa; font-weight: 600; font-size: 12px; text-transform: uppercase; }
</style>
</head>
<body>
<h1>{{.Application}} Metrics Dashboard</h1>
<p>Version {{.Version}}. Last updated: {{.Timestamp.Format "2006-01-02T15:04:05Z07:00"}}</p>
<div class="grid">
<div class="card"><h3>Active Sessions</h3><div class="metric">{{.Sessions.Active}} / {{.Sessions.MaxAllowed}}</div></div>
<div class="card"><h3>Total Requests</h3><div class="metric">{{.Requests.Total}}</div></div>
<div class="card"><h3>Avg Query Time</h3><div class="metric">{{printf "%.0f" .Performance.AvgQueryDurationMs}} ms</div></div>
<div class="card"><h3>Max Query Time</h3><div class="metric">{{printf "%.0f" .Performance.MaxQueryDurationMs}} ms</div></div>
<div class="card"><h3>LLM Tokens</h3><div class="metric">{{.LLM.PromptTokens}} / {{.LLM.CompletionTokens}}</div></div>
<div class="card"><h3>Errors</h3><div class="metric">{{.Errors.Total}}</div></div>
<div class="card"><h3>Heap</h3><div class="metric">{{printf "%.0f" .Runtime.HeapAllocMB}} MB</div></div>
<div class="card"><h3>WebSocket Clients</h3><div class="metric">{{.Clients}}</div></div>
</div>
<div class="grid">
<div class="card"><h3>Requests by Environment</h3>
<table><tr><th>Environment</th><th>Requests</th></tr>
{{range $k, $v := .Requests.ByEnvironment}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>{{end}}
</table></div>
<div class="card"><h3>Requests by Tool</h3>
<table><tr><th>Tool</th><th>Requests</th></tr>
{{range $k, $v := .Requests.ByTool}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>{{end}}
</table></div>
<div class="card"><h3>Errors by Type</h3>
<table><tr><th>Type</th><th>Count</th></tr>
{{range $k, $v := .Errors.ByType}}<tr><td>{{$k}}</td><td>{{$v}}</td></tr>{{end}}
</table></div>
</div>
</body>
</html>
`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dashboard == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "metrics are disabled"})
		return
	}

	snapshot, err := s.cfg.Dashboard.Snapshot(ApplicationName, s.cfg.Version, s.cfg.Sessions.MaxSessions())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to gather dashboard metrics")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to gather metrics"})
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	view := DashboardView{
		Snapshot: snapshot,
		Runtime: RuntimeSnapshot{
			HeapAllocMB: float64(mem.HeapAlloc) / 1e6,
			HeapSysMB:   float64(mem.HeapSys) / 1e6,
			Goroutines:  runtime.NumGoroutine(),
		},
		Clients: s.clients.Count(),
	}

	if !wantsHTML(r) {
		writeJSON(w, http.StatusOK, view)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, view); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render dashboard")
	}
}

func wantsHTML(r *http.Request) bool {
	if format := r.URL.Query().Get("format"); format != "" {
		return strings.EqualFold(format, "html")
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
