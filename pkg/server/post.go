package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xueanxi/sharebook/pkg/pipeline"
	"github.com/xueanxi/sharebook/pkg/portrait"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// POST /api/run streams pipeline events as SSE: "state" per transition, then "done"
// with the report or "error".
func (s *Server) handlePostRun(c echo.Context) error {
	if s.Pipeline == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "pipeline not configured")
	}
	if s.Pipeline.Running() {
		return c.JSON(http.StatusConflict, utils.ErrJSON(pipeline.ErrRunning.Error()))
	}
	if s.Pipeline.Busy() {
		return c.JSON(http.StatusConflict, utils.ErrJSON(pipeline.ErrBusy.Error()))
	}

	w, err := utils.NewSSEWriter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer w.Close()

	// The run stops with the client or with the server, whichever goes first.
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	stop := context.AfterFunc(s.Ctx, cancel)
	defer stop()

	report, err := s.Pipeline.Run(ctx, func(ev pipeline.Event) {
		if err := w.Event("state", ev); err != nil {
			s.logger.Warn("SSE write error", "error", err)
		}
	})
	if err != nil {
		s.logger.Warn("run ended early", "error", err)
		return w.Event("error", map[string]any{"error": err.Error(), "report": report})
	}
	return w.Event("done", report)
}

type resolveResponse struct {
	New      []schema.Candidate `json:"new"`
	Existing []schema.Candidate `json:"existing"`
}

// POST /api/resolve splits {"characters":[...]} into new and known characters.
func (s *Server) handlePostResolve(c echo.Context) error {
	var req schema.CandidateList
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	fresh, existing, err := s.Stores.Roster.FindExisting(req.Characters)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if fresh == nil {
		fresh = []schema.Candidate{}
	}
	if existing == nil {
		existing = []schema.Candidate{}
	}
	return c.JSON(http.StatusOK, resolveResponse{New: fresh, Existing: existing})
}

type portraitResponse struct {
	portrait.Result
	URLs []string `json:"urls,omitempty"`
}

// POST /api/portrait/:name?force=true
func (s *Server) handlePostPortrait(c echo.Context) error {
	if s.Portraits == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "portraits not configured")
	}
	name, err := nameParam(c)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	var res portrait.Result
	err = s.withStores(func() error {
		var err error
		res, err = s.Portraits.Portrait(c.Request().Context(), name, force)
		return err
	})
	if errors.Is(err, pipeline.ErrRunning) {
		return c.JSON(http.StatusConflict, utils.ErrJSON("roster is being updated by a run"))
	}
	if errors.Is(err, portrait.ErrUnknownCharacter) {
		return c.JSON(http.StatusNotFound, utils.ErrJSON(err.Error()))
	}
	if err != nil {
		s.logger.Error("portrait failed", "name", name, "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "generation failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, s.withURLs(res))
}

// GET /api/portrait/:name lists stored images without generating anything.
func (s *Server) handleGetPortrait(c echo.Context) error {
	if s.Portraits == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "portraits not configured")
	}
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
	files, err := s.Portraits.Images(rec.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, s.withURLs(portrait.Result{Name: rec.Name, Prompt: rec.AppearancePrompt, Files: files}))
}

// withStores keeps runs out while fn writes the roster.
func (s *Server) withStores(fn func() error) error {
	if s.Pipeline == nil {
		return fn()
	}
	return s.Pipeline.WithStores(fn)
}

func (s *Server) withURLs(res portrait.Result) portraitResponse {
	out := portraitResponse{Result: res}
	for _, f := range res.Files {
		if u, ok := s.Portraits.URL(f); ok {
			out.URLs = append(out.URLs, u)
		}
	}
	return out
}
