package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"

	"github.com/acme/call-dispatcher/internal/api/handlers"
	"github.com/acme/call-dispatcher/internal/app"
)

// Server wraps the Fiber application.
type Server struct {
	app      *fiber.App
	deps     *app.Container
	handlers *handlers.HandlerSet
}

// NewServer constructs the HTTP server and its handlers from the container.
func NewServer(deps *app.Container) *Server {
	checks := make(map[string]handlers.HealthCheck)
	for name, check := range deps.HealthChecks() {
		checks[name] = check
	}

	services := deps.Services()
	hs := handlers.NewHandlerSet(handlers.Deps{
		Campaigns: services.Campaign,
		Calls:     services.Call,
		Ledger:    deps.Ledger(),
		Waker:     deps.Publishers().Wake,
		Checks:    checks,
		Logger:    deps.Logger.Named("http"),
	})

	cfg := fiber.Config{
		AppName:      deps.Config.App.Name,
		ReadTimeout:  deps.Config.HTTP.ReadTimeout,
		WriteTimeout: deps.Config.HTTP.WriteTimeout,
		IdleTimeout:  deps.Config.HTTP.IdleTimeout,
		ErrorHandler: hs.ErrorHandler,
	}

	fiberApp := fiber.New(cfg)
	fiberApp.Use(otelfiber.Middleware())
	hs.Register(fiberApp)

	return &Server{app: fiberApp, deps: deps, handlers: hs}
}

// Start begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.deps.Config.HTTP.Port)
	go func() {
		<-ctx.Done()
		_ = s.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
