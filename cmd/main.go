package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/joho/godotenv/autoload"
	glog "github.com/labstack/gommon/log"

	"github.com/xueanxi/sharebook/pkg/chapters"
	"github.com/xueanxi/sharebook/pkg/config"
	"github.com/xueanxi/sharebook/pkg/extract"
	"github.com/xueanxi/sharebook/pkg/inference"
	"github.com/xueanxi/sharebook/pkg/pipeline"
	"github.com/xueanxi/sharebook/pkg/portrait"
	"github.com/xueanxi/sharebook/pkg/queue"
	"github.com/xueanxi/sharebook/pkg/queue/comfyui"
	"github.com/xueanxi/sharebook/pkg/resolve"
	"github.com/xueanxi/sharebook/pkg/server"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

const usage = `usage: sharebook [-config path] <command>

commands:
  run                 process new chapters (default)
  serve               start the HTTP API
  chapters            list chapters in reading order with their progress
  reset               clear the progress checkpoint
  portraits           generate appearance prompts and portraits for every character
  backups             list backups of the roster, progress and cards
  restore <backup>    restore a file from one of its backups
`

type app struct {
	cfg    *config.Config
	logger *log.Logger
	stores pipeline.Stores
}

func main() {
	configPath := flag.String("config", "sharebook.yaml", "path to the YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "sharebook"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	logger.SetLevel(cfg.Level())

	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	backups := cfg.Backups()
	a := &app{
		cfg:    cfg,
		logger: logger,
		stores: pipeline.Stores{
			Roster:   store.NewRosterStore(cfg.RosterPath, backups, logger),
			Cards:    store.NewCardStore(cfg.CardsDir, backups),
			Progress: store.NewProgressStore(cfg.ProgressPath, backups),
		},
	}

	cmd := "run"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	switch cmd {
	case "run":
		err = a.run(ctx)
	case "serve":
		err = a.serve(ctx)
	case "chapters":
		err = a.listChapters()
	case "reset":
		err = a.stores.Progress.Reset(time.Now())
		if err == nil {
			logger.Info("progress reset", "path", a.stores.Progress.Path())
		}
	case "portraits":
		err = a.portraits(ctx)
	case "backups":
		err = a.listBackups()
	case "restore":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = a.restore(flag.Arg(1))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(cmd+" failed", "error", err)
		done()
		os.Exit(1)
	}
}

func (a *app) inferencer(ctx context.Context) (inference.Inferencer, error) {
	llm := a.cfg.LLM
	var inf inference.Inferencer
	switch llm.Provider {
	case config.ProviderMoonshot:
		m := inference.NewMoonshotInferencer(llm.APIKey, llm.Model)
		if llm.BaseURL != "" {
			m.ChangeBaseURL(llm.BaseURL)
		}
		inf = m
	case config.ProviderOpenAI:
		model := llm.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		o := inference.NewOpenAIInferencer(llm.APIKey, model)
		if llm.BaseURL != "" {
			o.ChangeBaseURL(llm.BaseURL)
		} else if llm.APIKey == "" {
			o.ChangeBaseURL("http://localhost:1234/v1")
			o.SetModel("")
		}
		inf = o
	case config.ProviderGemini:
		g, err := inference.NewGeminiInferencer(ctx, llm.APIKey, llm.Model)
		if err != nil {
			return nil, err
		}
		inf = g
	default:
		return nil, fmt.Errorf("unknown llm provider %q", llm.Provider)
	}
	a.logger.Info("llm configured", "provider", llm.Provider, "model", llm.Model)
	return inference.NewRetrying(inf, a.cfg.Retry(), llm.Interval, a.logger), nil
}

func (a *app) orchestrator(inf inference.Inferencer) *pipeline.Orchestrator {
	ext := extract.New(inf, a.logger,
		extract.WithChunkLimit(a.cfg.ChunkLimit),
		extract.WithTokenCounter(utils.NumTokens),
	)
	return pipeline.New(
		pipeline.Options{NovelDir: a.cfg.NovelDir, Workers: a.cfg.Workers, ReportPath: a.cfg.ReportPath},
		a.stores, ext, resolve.New(inf, a.logger), a.logger,
	)
}

// portraitGenerator connects to ComfyUI. The returned queue must be stopped by the caller.
func (a *app) portraitGenerator(ctx context.Context, inf inference.Inferencer) (*portrait.Generator, *queue.Queue, error) {
	client, err := comfyui.New(a.cfg.ComfyUIURL, a.logger)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		a.logger.Warn("comfyui not reachable yet", "url", a.cfg.ComfyUIURL, "error", err)
	}
	if a.cfg.ComfyUIWorkflow != "" {
		data, err := os.ReadFile(a.cfg.ComfyUIWorkflow)
		if err != nil {
			return nil, nil, fmt.Errorf("read workflow: %w", err)
		}
		if client.Workflow, err = comfyui.LoadWorkflow(data); err != nil {
			return nil, nil, fmt.Errorf("parse workflow %s: %w", a.cfg.ComfyUIWorkflow, err)
		}
	}
	q := queue.New(client, 0, a.logger)
	q.Start()
	gen := portrait.New(inf, a.stores.Roster, q, portrait.Options{
		Dir:       a.cfg.ImageDir,
		Batch:     a.cfg.BatchSize,
		Workers:   a.cfg.Workers,
		PromptTTL: a.cfg.PromptCacheTTL,
	}, a.logger)
	return gen, q, nil
}

func (a *app) run(ctx context.Context) error {
	inf, err := a.inferencer(ctx)
	if err != nil {
		return err
	}
	report, err := a.orchestrator(inf).Run(ctx, func(ev pipeline.Event) {
		a.logger.Debug("stage", "chapter", ev.Chapter, "index", ev.Index, "total", ev.Total, "state", ev.State)
	})
	if report != nil {
		fmt.Println(report.Summary())
	}
	if err != nil {
		return err
	}
	if report.Failed() > 0 {
		return fmt.Errorf("%d chapters failed", report.Failed())
	}
	return nil
}

func (a *app) serve(ctx context.Context) error {
	inf, err := a.inferencer(ctx)
	if err != nil {
		return err
	}
	deps := server.Deps{
		Pipeline:   a.orchestrator(inf),
		Stores:     a.stores,
		ReportPath: a.cfg.ReportPath,
		ImageDir:   a.cfg.ImageDir,
	}
	gen, q, err := a.portraitGenerator(ctx, inf)
	if err != nil {
		a.logger.Warn("portraits disabled", "error", err)
		deps.ImageDir = ""
	} else {
		defer q.Stop()
		deps.Portraits = gen
	}

	srv := server.NewServer(ctx, deps, a.logger)
	srv.Echo.Logger.SetLevel(glog.INFO)
	if a.cfg.Level() <= log.DebugLevel {
		srv.Echo.Logger.SetLevel(glog.DEBUG)
	}

	finishedShutDown := make(chan struct{})
	go func() {
		defer close(finishedShutDown)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(a.cfg.ServerAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-finishedShutDown
	return nil
}

func (a *app) portraits(ctx context.Context) error {
	inf, err := a.inferencer(ctx)
	if err != nil {
		return err
	}
	gen, q, err := a.portraitGenerator(ctx, inf)
	if err != nil {
		return err
	}
	defer q.Stop()

	results, err := gen.All(ctx, false)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Printf("%s\tfailed: %s\n", r.Name, r.Error)
			continue
		}
		fmt.Printf("%s\t%d images\n", r.Name, len(r.Files))
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d portraits failed", failed)
	}
	return nil
}

func (a *app) listChapters() error {
	names, err := chapters.List(a.cfg.NovelDir)
	if err != nil {
		return err
	}
	progress, err := a.stores.Progress.Read()
	if err != nil {
		return err
	}
	for _, name := range chapters.Order(names) {
		mark := " "
		if progress.Processed(name) {
			mark = "x"
		}
		fmt.Printf("[%s] %s\n", mark, name)
	}
	return nil
}

func (a *app) listBackups() error {
	paths := []string{a.stores.Roster.Path(), a.stores.Progress.Path()}
	names, err := a.stores.Cards.Names()
	if err != nil {
		return err
	}
	for _, n := range names {
		paths = append(paths, a.stores.Cards.Path(n))
	}

	backups := a.cfg.Backups()
	for _, p := range paths {
		list, err := backups.List(p)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			continue
		}
		fmt.Println(p)
		for _, b := range list {
			fmt.Println("  " + b)
		}
	}
	return nil
}

func (a *app) restore(backup string) error {
	target, err := store.OriginalPath(backup)
	if err != nil {
		return err
	}
	if err := a.cfg.Backups().Restore(backup, target); err != nil {
		return err
	}
	a.logger.Info("restored", "from", backup, "to", target)
	return nil
}
