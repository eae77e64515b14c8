package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sdn-rl-controller/internal/controller"
	"sdn-rl-controller/internal/history"
	"sdn-rl-controller/internal/logging"
	"sdn-rl-controller/internal/routing"
	"sdn-rl-controller/internal/topology"

	"github.com/gin-gonic/gin"
)

// Controller is the part of the control loop the API can drive.
type Controller interface {
	Status() controller.Status
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Network exposes the environment's current view.
type Network interface {
	State() routing.State
	RoutingTable() []routing.FlowEntry
}

type Server struct {
	ctrl    Controller
	network Network
	history *history.History
	topo    *topology.Topology
	metrics topology.LinkMetrics

	engine *gin.Engine
	server *http.Server
}

// NewServer builds the HTTP handlers. The API only triggers controller
// operations; the control loop itself runs elsewhere.
func NewServer(addr string, ctrl Controller, network Network, hist *history.History, topo *topology.Topology, metrics topology.LinkMetrics) *Server {
	s := &Server{
		ctrl:    ctrl,
		network: network,
		history: hist,
		topo:    topo,
		metrics: metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	g := r.Group("/api")
	g.GET("/status", s.handleStatus)
	g.GET("/routing", s.handleRouting)
	g.GET("/state", s.handleState)
	g.GET("/ticks", s.handleTicks)
	g.GET("/path", s.handlePath)
	g.POST("/stop", s.handleStop)
	g.POST("/reset", s.handleReset)

	s.engine = r
	s.server = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves in the background until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	logger := logging.GetLogger()
	go func() {
		logger.WithField("addr", s.server.Addr).Info("API listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("API server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleRouting(c *gin.Context) {
	flows := s.network.RoutingTable()
	if flows == nil {
		flows = []routing.FlowEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows, "count": len(flows)})
}

func (s *Server) handleState(c *gin.Context) {
	st := s.network.State()
	c.JSON(http.StatusOK, gin.H{
		"links":  st.Links(),
		"routes": st.Routes(),
		"size":   st.Len(),
	})
}

func (s *Server) handleTicks(c *gin.Context) {
	n := 100
	if v := c.Query("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	steps := []history.Step{}
	if s.history != nil {
		steps = append(steps, s.history.Last(n)...)
	}
	c.JSON(http.StatusOK, gin.H{"ticks": steps})
}

func (s *Server) handlePath(c *gin.Context) {
	src, dst := c.Query("src"), c.Query("dst")
	if src == "" || dst == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "src and dst are required"})
		return
	}
	prefs, err := topology.ParseMetrics(c.DefaultQuery("metrics", string(topology.Bandwidth)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path := s.topo.FindPath(src, dst, prefs, s.metrics)
	resp := gin.H{"path": path}
	if len(path) >= 2 {
		bottleneck, err := s.topo.PathMetrics(path, s.metrics)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp["metrics"] = bottleneck
	} else {
		resp["path"] = []string{}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.ctrl.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleReset(c *gin.Context) {
	if err := s.ctrl.Reset(c.Request.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, controller.ErrInvalidState) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.ctrl.Status())
}
