// Package http serves the local status API and the WebSocket bridge.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orris-inc/meshnode/internal/interfaces/http/handlers"
	"github.com/orris-inc/meshnode/internal/interfaces/http/middleware"
	"github.com/orris-inc/meshnode/internal/interfaces/ws"
	"github.com/orris-inc/meshnode/internal/shared/logger"
)

const shutdownTimeout = 5 * time.Second

// Router owns the gin engine of the local HTTP surface.
type Router struct {
	engine        *gin.Engine
	statusHandler *handlers.StatusHandler
	bridge        *ws.Bridge
	logger        logger.Interface
}

// NewRouter builds the engine. bridge may be nil.
func NewRouter(view handlers.NodeView, bridge *ws.Bridge, log logger.Interface) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := &Router{
		engine:        gin.New(),
		statusHandler: handlers.NewStatusHandler(view, log),
		bridge:        bridge,
		logger:        log,
	}
	r.SetupRoutes()
	return r
}

// SetupRoutes configures all HTTP routes
func (r *Router) SetupRoutes() {
	r.engine.Use(middleware.Logger(r.logger))
	r.engine.Use(middleware.Recovery(r.logger))

	api := r.engine.Group("/api/v1")
	{
		api.GET("/status", r.statusHandler.GetStatus)
		api.GET("/nodes", r.statusHandler.ListNodes)
	}

	if r.bridge != nil {
		r.engine.GET("/ws", r.bridge.ServeWS)
	}
}

// Handler returns the engine as an http.Handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Run serves on addr until ctx is done.
func (r *Router) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if r.bridge != nil {
		r.bridge.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
