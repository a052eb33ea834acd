// Package monitor serves the operator-facing HTTP API on a separate port.
package monitor

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"mytunnel/internal/conn"
	"mytunnel/internal/flog"
	"mytunnel/internal/metrics"
	"mytunnel/internal/pool"
)

// NewRouter builds the API routes against the live connection manager and
// buffer pool.
func NewRouter(mgr *conn.Manager, bufs *pool.BufferPool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "mytunnel",
			"endpoints": gin.H{
				"/connections": "list active connections",
				"/stats":       "metrics snapshot",
			},
		})
	})

	r.GET("/connections", func(c *gin.Context) {
		infos := mgr.ListConnections()
		c.JSON(http.StatusOK, gin.H{
			"count":       len(infos),
			"connections": infos,
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		resp := gin.H{"metrics": metrics.M.Snapshot()}
		if bufs != nil {
			resp["buffer_pool"] = bufs.Stats()
		}
		c.JSON(http.StatusOK, resp)
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

// Start serves the API until ctx is cancelled.
func Start(ctx context.Context, addr string, mgr *conn.Manager, bufs *pool.BufferPool) {
	srv := &http.Server{Addr: addr, Handler: NewRouter(mgr, bufs)}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			flog.Errorf("monitoring API error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	flog.Infof("monitoring API listening on %s", addr)
}
