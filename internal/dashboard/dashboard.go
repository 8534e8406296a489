// Package dashboard is the small, unauthenticated HTTP surface of §4.4:
// an auto-refreshing status page plus a couple of JSON endpoints for
// scripting, built with gin exactly the way the corpus embeds gin
// elsewhere (explicit *http.Server, async ListenAndServe).
package dashboard

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/samjin/taskmaster/internal/applog"
	"github.com/samjin/taskmaster/internal/engine"
	"github.com/samjin/taskmaster/internal/metrics"
)

// Server is the dashboard's HTTP surface over a running Engine.
type Server struct {
	eng     *engine.Engine
	metrics *metrics.Collector
	log     *applog.Logger

	httpSrv  *http.Server
	stopOnce sync.Once
}

// New constructs a dashboard bound to eng. metrics may be nil, in which
// case /metrics is omitted.
func New(eng *engine.Engine, addr string, metrics *metrics.Collector, log *applog.Logger) *Server {
	s := &Server{eng: eng, metrics: metrics, log: log}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/", s.handleIndex)
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/programs", s.handlePrograms)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start launches the HTTP server on a background goroutine. A bind
// failure (e.g. address already in use) is logged, not fatal: the shell
// and the rest of the engine remain usable without the dashboard.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("dashboard server error", "addr", s.httpSrv.Addr, "err", err)
		}
	}()
	s.log.Info("dashboard listening", "addr", s.httpSrv.Addr)
}

// Stop gracefully shuts the HTTP server down. Idempotent: a second call
// is a no-op, resolving the "who calls stop twice" ambiguity between the
// shell's exit path and the top-level signal handler.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("dashboard shutdown error", "err", err)
		}
	})
}

type statusEntry struct {
	Name     string `json:"name"`
	Instance int    `json:"instance"`
	Status   string `json:"status"`
	Pid      int    `json:"pid,omitempty"`
	Uptime   int64  `json:"uptime"`
	Retries  int    `json:"retries"`

	// CPUPercent and MemoryRSSBytes are the optional, non-normative
	// resource fields of §10.7. Omitted entirely (rather than zero) when
	// the engine has no gopsutil sample for the instance yet.
	CPUPercent     *float64 `json:"cpu_percent,omitempty"`
	MemoryRSSBytes *uint64  `json:"memory_rss_bytes,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	recs, err := s.eng.Status("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]statusEntry, 0, len(recs))
	for _, r := range recs {
		entry := statusEntry{
			Name:     r.Program,
			Instance: r.Index,
			Status:   r.State.String(),
			Pid:      r.Pid,
			Uptime:   r.UptimeSeconds,
			Retries:  r.RetryCount,
		}
		if r.ResourceSampled {
			cpu, rss := r.CPUPercent, r.MemoryRSSBytes
			entry.CPUPercent = &cpu
			entry.MemoryRSSBytes = &rss
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handlePrograms(c *gin.Context) {
	names := s.eng.ProgramNames()
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"programs": names})
}

func (s *Server) handleIndex(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(c.Writer, nil)
}

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>taskmaster</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Arial,sans-serif;
  background:linear-gradient(135deg,#667eea 0%,#764ba2 100%);min-height:100vh;padding:20px;margin:0}
.container{max-width:1200px;margin:0 auto;background:#fff;padding:30px;border-radius:12px;
  box-shadow:0 10px 40px rgba(0,0,0,.2)}
h1{color:#333;margin:0 0 10px;font-size:28px}
table{width:100%;border-collapse:collapse;margin-top:20px}
th,td{padding:12px;text-align:left;border-bottom:1px solid #e0e0e0}
th{background:linear-gradient(135deg,#667eea 0%,#764ba2 100%);color:#fff;font-size:12px;
  text-transform:uppercase;letter-spacing:.5px}
.status{display:inline-block;padding:4px 10px;border-radius:16px;font-weight:600;font-size:11px;
  text-transform:uppercase}
.status.running{background:#d4edda;color:#155724}
.status.starting{background:#fff3cd;color:#856404}
.status.stopped{background:#e2e3e5;color:#383d41}
.status.exited,.status.fatal,.status.backoff{background:#f8d7da;color:#721c24}
#lastUpdate{color:#666;font-size:13px}
</style>
</head>
<body>
<div class="container">
  <h1>taskmaster</h1>
  <div id="lastUpdate">loading&hellip;</div>
  <table>
    <thead><tr><th>Program</th><th>Instance</th><th>Status</th><th>PID</th><th>Uptime</th><th>Retries</th><th>CPU%</th><th>RSS</th></tr></thead>
    <tbody id="statusBody"><tr><td colspan="8">loading&hellip;</td></tr></tbody>
  </table>
</div>
<script>
function fmtUptime(s){if(!s)return '-';if(s<60)return s+'s';if(s<3600)return Math.floor(s/60)+'m '+(s%60)+'s';
  return Math.floor(s/3600)+'h '+Math.floor((s%3600)/60)+'m'}
function fmtRSS(b){if(b===undefined||b===null)return '-';const mb=b/1048576;return mb.toFixed(1)+' MiB'}
function esc(t){const d=document.createElement('div');d.textContent=t;return d.innerHTML}
function load(){
  fetch('/api/status').then(r=>r.json()).then(rows=>{
    const body=document.getElementById('statusBody')
    if(!rows||rows.length===0){body.innerHTML='<tr><td colspan="8">no programs configured</td></tr>';return}
    body.innerHTML=rows.map(function(p){
      const inst=p.instance>=0?p.instance:'-'
      const pid=p.pid||'-'
      const cpu=p.cpu_percent!==undefined?p.cpu_percent.toFixed(1)+'%':'-'
      return '<tr><td><strong>'+esc(p.name)+'</strong></td><td>'+inst+'</td>'+
        '<td><span class="status '+p.status.toLowerCase()+'">'+p.status+'</span></td>'+
        '<td>'+pid+'</td><td>'+fmtUptime(p.uptime)+'</td><td>'+p.retries+'</td>'+
        '<td>'+cpu+'</td><td>'+fmtRSS(p.memory_rss_bytes)+'</td></tr>'
    }).join('')
    document.getElementById('lastUpdate').textContent='last updated: '+new Date().toLocaleTimeString()
  }).catch(function(){document.getElementById('lastUpdate').textContent='failed to load status'})
}
setInterval(load,5000)
load()
</script>
</body>
</html>
`
