package httpapp

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// EchoServer is the HTTP server wrapper.
type EchoServer struct {
	h *Handlers
	e *echo.Echo
}

// NewEchoServer creates a new HTTP server.
func NewEchoServer(h *Handlers) (*EchoServer, error) {
	es := &EchoServer{h: h, e: echo.New()}
	es.e.HideBanner = true
	es.e.Use(middleware.Recover())
	es.registerRoutes()
	return es, nil
}

func (es *EchoServer) registerRoutes() {
	es.e.GET("/healthz", es.h.HandleHealthz)

	es.e.POST("/webhooks/:orgID/deletions", es.h.HandleDeletionWebhook)

	es.e.POST("/orgs", es.h.HandleOnboard)
	es.e.POST("/orgs/:orgID/sync", es.h.HandleTriggerSync)
	es.e.POST("/orgs/:orgID/credentials", es.h.HandleRotateCredentials)
	es.e.DELETE("/orgs/:orgID", es.h.HandleOffboard)
}

// Start starts the HTTP server.
func (es *EchoServer) Start(addr string) error {
	return es.e.Start(addr)
}

// StartServer starts the HTTP server with a custom http.Server.
func (es *EchoServer) StartServer(server *http.Server) error {
	return es.e.StartServer(server)
}

// Shutdown gracefully shuts down the HTTP server.
func (es *EchoServer) Shutdown(ctx context.Context) error {
	return es.e.Shutdown(ctx)
}
