package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/ctamigrate/internal/metrics"
	"github.com/loykin/ctamigrate/internal/supervisor"
)

// StateFunc returns the live state of the running supervision.
type StateFunc func() supervisor.Status

// Router provides embeddable HTTP handlers exposing a supervision.
// Endpoints:
//
//	GET {basePath}/status    query: job=... (optional, must match the running job)
//	GET {basePath}/healthz
//	GET {basePath}/metrics   prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	state    StateFunc
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(state StateFunc, basePath string) *Router {
	return &Router{state: state, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with the returned server's Shutdown or Close.
func NewServer(addr, basePath string, state StateFunc) (*http.Server, error) {
	r := NewRouter(state, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK    bool             `json:"ok"`
	Phase supervisor.Phase `json:"phase"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.state == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no supervisor"})
		return
	}
	st := r.state()
	if job := c.Query("job"); job != "" {
		if !isJobName(job) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("invalid job filter: up to %d of A-Z a-z 0-9 %s", maxJobName, jobNameExtra)})
			return
		}
		if job != st.Job {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "job " + job + " is not supervised"})
			return
		}
	}
	writeJSON(c, http.StatusOK, st)
}

// handleHealth reports 503 once the supervised job aborted.
func (r *Router) handleHealth(c *gin.Context) {
	phase := supervisor.PhaseIdle
	if r.state != nil {
		phase = r.state().Phase
	}
	if phase == supervisor.PhaseAborted {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{OK: false, Phase: phase})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{OK: true, Phase: phase})
}
