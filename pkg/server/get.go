package server

import (
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xueanxi/sharebook/pkg/pipeline"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

func (s *Server) handleGetRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "sharebook",
		"status":  "ok",
		"running": s.Pipeline != nil && s.Pipeline.Running(),
	})
}

func nameParam(c echo.Context) (string, error) {
	name, err := url.PathUnescape(c.Param("name"))
	if err != nil || strings.TrimSpace(name) == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid name")
	}
	return strings.TrimSpace(name), nil
}

// GET /api/roster
func (s *Server) handleGetRoster(c echo.Context) error {
	roster, err := s.Stores.Roster.Read()
	if err != nil {
		s.logger.Error("failed reading roster", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	records := roster.Records
	if records == nil {
		records = []schema.Record{}
	}
	return c.JSON(http.StatusOK, records)
}

// GET /api/roster/:name
func (s *Server) handleGetRecord(c echo.Context) error {
	name, err := nameParam(c)
	if err != nil {
		return err
	}
	roster, err := s.Stores.Roster.Read()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	rec, ok := roster.Find(name)
	if !ok {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("character not found: "+name))
	}
	return c.JSON(http.StatusOK, rec)
}

// GET /api/cards
func (s *Server) handleGetCardNames(c echo.Context) error {
	names, err := s.Stores.Cards.Names()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, names)
}

// GET /api/cards/:name accepts an alias too; cards are stored under the roster name.
func (s *Server) handleGetCard(c echo.Context) error {
	name, err := nameParam(c)
	if err != nil {
		return err
	}
	if roster, err := s.Stores.Roster.Read(); err == nil {
		if rec, ok := roster.Find(name); ok {
			name = rec.Name
		}
	}
	card, err := s.Stores.Cards.Read(name)
	if err != nil {
		s.logger.Error("failed reading card", "name", name, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if card == nil {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("no card for "+name))
	}
	return c.JSON(http.StatusOK, card)
}

// GET /api/progress
func (s *Server) handleGetProgress(c echo.Context) error {
	p, err := s.Stores.Progress.Read()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if p.ProcessedChapters == nil {
		p.ProcessedChapters = []string{}
	}
	return c.JSON(http.StatusOK, p)
}

// GET /api/report returns the last run of this process, else the report on disk.
func (s *Server) handleGetReport(c echo.Context) error {
	if s.Pipeline != nil {
		if r := s.Pipeline.LastReport(); r != nil {
			return c.JSON(http.StatusOK, r)
		}
	}
	if s.ReportPath == "" {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("no report"))
	}
	r, err := utils.Load[pipeline.Report](s.ReportPath)
	if errors.Is(err, os.ErrNotExist) {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("no report"))
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, r)
}
