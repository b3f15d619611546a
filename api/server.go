// Package api exposes target management and the change event stream over
// HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amartya2002/pagewatch/watch"
)

// Watcher is the part of *watch.Watcher the API drives.
type Watcher interface {
	AddTarget(t watch.Target) (watch.Target, error)
	UpdateTarget(id string, patch watch.TargetPatch) (watch.Target, error)
	RemoveTarget(id string) error
	GetTarget(id string) (watch.Target, bool)
	ListTargets() []watch.Target
	CheckNow(ctx context.Context, id string) (*watch.ChangeRecord, error)
	Snapshot(ctx context.Context, id string) (*watch.Snapshot, error)
	Subscribe() (<-chan watch.ChangeEvent, func())
}

type Server struct {
	watcher Watcher
	logger  *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(w Watcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{watcher: w, logger: logger, done: make(chan struct{})}
}

// Close ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on them.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/targets", s.listTargets)
	api.POST("/targets", s.createTarget)
	api.GET("/targets/:id", s.getTarget)
	api.PUT("/targets/:id", s.updateTarget)
	api.DELETE("/targets/:id", s.deleteTarget)
	api.POST("/targets/:id/check", s.checkTarget)
	api.GET("/targets/:id/snapshot", s.getSnapshot)
	api.GET("/events", s.events)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// ===== Request / response shapes =====

type targetRequest struct {
	Name          string `json:"name" binding:"required"`
	URL           string `json:"url" binding:"required"`
	CheckInterval int64  `json:"check_interval,omitempty"` // seconds
	Enabled       *bool  `json:"enabled,omitempty"`
	Selector      string `json:"selector,omitempty"`
}

type targetPatchRequest struct {
	Name          *string `json:"name,omitempty"`
	URL           *string `json:"url,omitempty"`
	CheckInterval *int64  `json:"check_interval,omitempty"` // seconds
	Enabled       *bool   `json:"enabled,omitempty"`
	Selector      *string `json:"selector,omitempty"`
}

type targetResponse struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	URL           string              `json:"url"`
	CheckInterval int64               `json:"check_interval"`
	Enabled       bool                `json:"enabled"`
	Selector      string              `json:"selector,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	LastCheckedAt *time.Time          `json:"last_checked_at,omitempty"`
	LastChange    *watch.ChangeRecord `json:"last_change,omitempty"`
}

func toResponse(t watch.Target) targetResponse {
	return targetResponse{
		ID:            t.ID,
		Name:          t.Name,
		URL:           t.URL,
		CheckInterval: int64(t.CheckInterval / time.Second),
		Enabled:       t.Enabled,
		Selector:      t.Selector,
		CreatedAt:     t.CreatedAt,
		LastCheckedAt: t.LastCheckedAt,
		LastChange:    t.LastChange,
	}
}

func toResponses(ts []watch.Target) []targetResponse {
	out := make([]targetResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, toResponse(t))
	}
	return out
}

// ===== Handlers =====

func (s *Server) listTargets(c *gin.Context) {
	c.JSON(http.StatusOK, toResponses(s.watcher.ListTargets()))
}

func (s *Server) createTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t := watch.Target{
		ID:            uuid.NewString(),
		Name:          req.Name,
		URL:           req.URL,
		CheckInterval: time.Duration(req.CheckInterval) * time.Second,
		Enabled:       req.Enabled == nil || *req.Enabled,
		Selector:      req.Selector,
	}
	created, err := s.watcher.AddTarget(t)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(created))
}

func (s *Server) getTarget(c *gin.Context) {
	t, ok := s.watcher.GetTarget(c.Param("id"))
	if !ok {
		s.fail(c, watch.ErrTargetNotFound)
		return
	}
	c.JSON(http.StatusOK, toResponse(t))
}

func (s *Server) updateTarget(c *gin.Context) {
	var req targetPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch := watch.TargetPatch{
		Name:     req.Name,
		URL:      req.URL,
		Enabled:  req.Enabled,
		Selector: req.Selector,
	}
	if req.CheckInterval != nil {
		d := time.Duration(*req.CheckInterval) * time.Second
		patch.CheckInterval = &d
	}
	updated, err := s.watcher.UpdateTarget(c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(updated))
}

func (s *Server) deleteTarget(c *gin.Context) {
	if err := s.watcher.RemoveTarget(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) checkTarget(c *gin.Context) {
	rec, err := s.watcher.CheckNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": rec != nil, "change": rec})
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.watcher.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "target has not been checked yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// events streams server-sent events: one targets_update with the current
// list, then a change_detected per change until the client goes away.
func (s *Server) events(c *gin.Context) {
	events, cancel := s.watcher.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("targets_update", toResponses(s.watcher.ListTargets()))
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("change_detected", ev)
			return true
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	var (
		verr *watch.ValidationError
		ferr *watch.FetchError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, watch.ErrTargetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, watch.ErrTargetExists):
		status = http.StatusConflict
	case errors.As(err, &ferr):
		status = http.StatusBadGateway
	case errors.Is(err, watch.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
