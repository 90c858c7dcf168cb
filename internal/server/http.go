// Package server exposes the node's outward-facing HTTP surface: status,
// command submission, key reads, pause/resume for failover demos, and a
// Prometheus scrape endpoint. All raft RPC traffic travels over the
// internal/transport TCP listener instead; this package is strictly the
// API a client or operator talks to.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mathdee/raftkv/internal/metrics"
	"github.com/mathdee/raftkv/internal/raft"
	"github.com/mathdee/raftkv/internal/store"
)

// Server wraps a gin engine around the node it fronts.
type Server struct {
	node    *raft.Node
	store   *store.Store
	metrics *metrics.Collector
	http    *http.Server
}

type statusResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	VotedFor    string `json:"votedFor"`
	LogLength   int    `json:"logLength"`
	CommitIndex int64  `json:"commitIndex"`
	LastApplied int64  `json:"lastApplied"`
	Paused      bool   `json:"paused"`
}

type submitRequest struct {
	Command string `json:"command" binding:"required"`
}

// New builds a Server bound to addr (not yet listening; call
// ListenAndServe).
func New(addr string, node *raft.Node, st *store.Store, collector *metrics.Collector) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{node: node, store: st, metrics: collector}
	s.http = &http.Server{Addr: addr, Handler: engine}

	engine.GET("/status", s.handleStatus)
	engine.POST("/submit", s.handleSubmit)
	engine.GET("/kv/:key", s.handleGet)
	engine.POST("/pause", s.handlePause)
	engine.POST("/resume", s.handleResume)
	engine.GET("/metrics", gin.WrapH(collector.Handler()))

	return s
}

// ListenAndServe blocks serving the HTTP API until Shutdown is called, at
// which point it returns http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.node.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		ID:          st.ID,
		Role:        st.Role.String(),
		Term:        st.Term,
		VotedFor:    st.VotedFor,
		LogLength:   st.LogLength,
		CommitIndex: st.CommitIndex,
		LastApplied: st.LastApplied,
		Paused:      s.node.IsPaused(),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.node.Submit(c.Request.Context(), req.Command)
	if errors.Is(err, raft.ErrNotLeader) {
		c.JSON(http.StatusConflict, gin.H{"error": "not leader"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"index": res.Index, "term": res.Term})
}

func (s *Server) handleGet(c *gin.Context) {
	key := c.Param("key")
	e, err := s.store.Get(key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": e.Value, "updatedAt": e.UpdatedAt.Format(time.RFC3339Nano)})
}

func (s *Server) handlePause(c *gin.Context) {
	s.node.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.node.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
