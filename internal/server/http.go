package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"loom/internal/engine"
	"loom/internal/logging"
	"loom/internal/store"
)

// HTTPMirror is the read-only loopback API for dashboards. It exposes no
// mutating operation; writes go through the stdio tool surface only.
type HTTPMirror struct {
	engine *engine.Engine
	port   int
	srv    *http.Server
}

// NewHTTPMirror builds the mirror on the given loopback port.
func NewHTTPMirror(e *engine.Engine, port int) *HTTPMirror {
	return &HTTPMirror{engine: e, port: port}
}

func (m *HTTPMirror) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})

	api := r.Group("/api")
	api.GET("/streams", func(c *gin.Context) {
		resp, err := m.engine.StreamList(engine.StreamListRequest{
			InitiativeID:    c.Query("initiativeId"),
			PRDID:           c.Query("prdId"),
			IncludeArchived: c.Query("includeArchived") == "true",
		})
		reply(c, resp, err)
	})
	api.GET("/streams/:id", func(c *gin.Context) {
		resp, err := m.engine.StreamGet(engine.StreamGetRequest{
			StreamID:        c.Param("id"),
			IncludeArchived: c.Query("includeArchived") == "true",
		})
		reply(c, resp, err)
	})
	api.GET("/tasks", func(c *gin.Context) {
		resp, err := m.engine.TaskList(engine.TaskListRequest{
			PRDID:           c.Query("prdId"),
			ParentID:        c.Query("parentId"),
			Status:          c.Query("status"),
			AssignedAgent:   c.Query("assignedAgent"),
			IncludeArchived: c.Query("includeArchived") == "true",
		})
		reply(c, resp, err)
	})
	api.GET("/tasks/:id", func(c *gin.Context) {
		resp, err := m.engine.TaskGet(engine.TaskGetRequest{
			ID:                  c.Param("id"),
			IncludeSubtasks:     c.Query("includeSubtasks") == "true",
			IncludeWorkProducts: c.Query("includeWorkProducts") == "true",
		})
		reply(c, resp, err)
	})
	api.GET("/activity", func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			fmt.Sscanf(raw, "%d", &limit)
		}
		entries, err := m.engine.Store().ListActivity(store.ActivityFilter{
			InitiativeID: c.Query("initiativeId"),
			EntityType:   c.Query("entityType"),
			EntityID:     c.Query("entityId"),
			Limit:        limit,
		})
		if err != nil {
			reply(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
	})

	return r
}

func reply(c *gin.Context, resp interface{}, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if isNil(resp) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m == nil
	}
	return false
}

// Run serves until the context is cancelled. Binds loopback only.
func (m *HTTPMirror) Run(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", m.port))
	m.srv = &http.Server{
		Addr:              addr,
		Handler:           m.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Server("http mirror listening on %s", addr)
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = m.srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
