// Package server exposes the roster, the character cards and pipeline runs over HTTP.
package server

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xueanxi/sharebook/pkg/pipeline"
	"github.com/xueanxi/sharebook/pkg/portrait"
)

type Server struct {
	Echo       *echo.Echo
	Ctx        context.Context
	Pipeline   *pipeline.Orchestrator
	Stores     pipeline.Stores
	Portraits  *portrait.Generator // nil disables the portrait endpoints
	ReportPath string

	logger *log.Logger
}

type Deps struct {
	Pipeline   *pipeline.Orchestrator
	Stores     pipeline.Stores
	Portraits  *portrait.Generator
	ReportPath string
	ImageDir   string
}

func NewServer(ctx context.Context, deps Deps, logger *log.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		Echo:       e,
		Ctx:        ctx,
		Pipeline:   deps.Pipeline,
		Stores:     deps.Stores,
		Portraits:  deps.Portraits,
		ReportPath: deps.ReportPath,
		logger:     logger.WithPrefix("server"),
	}

	s.registerRoutes()
	if deps.ImageDir != "" {
		e.Static("/images", deps.ImageDir)
	}
	return s
}

func (s *Server) registerRoutes() {
	s.Echo.GET("/", s.handleGetRoot)

	api := s.Echo.Group("/api")
	api.GET("/roster", s.handleGetRoster)
	api.GET("/roster/:name", s.handleGetRecord) // name or alias
	api.POST("/resolve", s.handlePostResolve)
	api.GET("/cards", s.handleGetCardNames)
	api.GET("/cards/:name", s.handleGetCard)
	api.GET("/progress", s.handleGetProgress)
	api.GET("/report", s.handleGetReport)

	api.POST("/run", s.handlePostRun) // SSE stream of pipeline events
	api.POST("/portrait/:name", s.handlePostPortrait)
	api.GET("/portrait/:name", s.handleGetPortrait)
}

func (s *Server) Start(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.Echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.Echo.Shutdown(ctx)
}
