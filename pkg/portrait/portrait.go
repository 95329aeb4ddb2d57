// Package portrait turns roster records into image prompts and rendered WebP portraits.
package portrait

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/webp"
	"golang.org/x/sync/errgroup"

	"github.com/xueanxi/sharebook/pkg/flight"
	"github.com/xueanxi/sharebook/pkg/inference"
	"github.com/xueanxi/sharebook/pkg/queue"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

var ErrUnknownCharacter = errors.New("character not on roster")

// Renderer produces encoded images for a request. *queue.Queue satisfies it.
type Renderer interface {
	Generate(ctx context.Context, req queue.Request) ([][]byte, error)
}

type Generator struct {
	inf      inference.Inferencer
	roster   *store.RosterStore
	renderer Renderer
	dir      string
	batch    int
	workers  int
	logger   *log.Logger

	prompts *flight.Cache[string, string]
	mu      sync.Mutex // serialises roster read-modify-write
}

type Options struct {
	Dir     string
	Batch   int
	Workers int

	// PromptTTL is how long generated prompts are held in memory; zero keeps the cache default.
	PromptTTL time.Duration
}

func New(inf inference.Inferencer, roster *store.RosterStore, renderer Renderer, opts Options, logger *log.Logger) *Generator {
	g := &Generator{
		inf:      inf,
		roster:   roster,
		renderer: renderer,
		dir:      opts.Dir,
		batch:    max(opts.Batch, 1),
		workers:  max(opts.Workers, 1),
		logger:   logger.WithPrefix("portrait"),
	}
	g.prompts = flight.NewCache(g.inferPrompt)
	if opts.PromptTTL != 0 {
		g.prompts.Expiry(opts.PromptTTL)
	}
	return g
}

// Result is what one character's portrait run produced.
type Result struct {
	Name   string   `json:"name"`
	Prompt string   `json:"prompt"`
	Files  []string `json:"files,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Dir is where name's images are stored.
func (g *Generator) Dir(name string) string {
	safe := utils.SanitizeFilename(name)
	if safe == "" {
		safe = "unknown"
	}
	return filepath.Join(g.dir, safe)
}

// URL maps a stored image to its path under the /images route.
func (g *Generator) URL(file string) (string, bool) {
	rel, err := filepath.Rel(g.dir, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "/images/" + strings.Join(parts, "/"), true
}

// Images lists name's stored portraits, sorted.
func (g *Generator) Images(name string) ([]string, error) {
	entries, err := os.ReadDir(g.Dir(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".webp") {
			out = append(out, filepath.Join(g.Dir(name), e.Name()))
		}
	}
	slices.Sort(out)
	return out, nil
}

// Prompts makes sure every roster record has an appearance prompt. With force set,
// existing prompts are regenerated. The roster is written once at the end.
func (g *Generator) Prompts(ctx context.Context, force bool) (*store.Roster, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roster, err := g.roster.Read()
	if err != nil {
		return nil, err
	}

	prompts := make([]string, len(roster.Records))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i, rec := range roster.Records {
		if rec.AppearancePrompt != "" && !force {
			continue
		}
		eg.Go(func() error {
			p, err := g.prompt(ectx, rec, force)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				g.logger.Warn("prompt generation failed", "name", rec.Name, "error", err)
				return nil
			}
			prompts[i] = p
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	changed := 0
	for i, p := range prompts {
		if p != "" && p != roster.Records[i].AppearancePrompt {
			roster.Records[i].AppearancePrompt = p
			changed++
		}
	}
	if changed > 0 {
		if err := g.roster.Write(roster); err != nil {
			return nil, err
		}
	}
	g.logger.Info("appearance prompts ready", "records", len(roster.Records), "updated", changed)
	return roster, nil
}

// Portrait renders name's portrait. The appearance prompt is generated and stored on the
// roster first when missing. Existing images are returned as they are unless force is set.
func (g *Generator) Portrait(ctx context.Context, name string, force bool) (Result, error) {
	rec, err := g.ensurePrompt(ctx, name, force)
	if err != nil {
		return Result{Name: name}, err
	}
	res := Result{Name: rec.Name, Prompt: rec.AppearancePrompt}

	if !force {
		if files, err := g.Images(rec.Name); err == nil && len(files) > 0 {
			g.logger.Info("portrait cache hit", "name", rec.Name, "files", len(files))
			res.Files = files
			return res, nil
		}
	}

	images, err := g.renderer.Generate(ctx, queue.Request{
		Name:   rec.Name,
		Prompt: qualityTags + rec.AppearancePrompt + styleTags,
		Batch:  g.batch,
	})
	if err != nil {
		return res, fmt.Errorf("generate %s: %w", rec.Name, err)
	}
	for _, img := range images {
		path, err := g.save(rec.Name, img)
		if err != nil {
			return res, err
		}
		res.Files = append(res.Files, path)
	}
	g.logger.Info("portrait saved", "name", rec.Name, "files", len(res.Files))
	return res, nil
}

// All renders every roster character in roster order. Failures are recorded per
// character and do not stop the batch.
func (g *Generator) All(ctx context.Context, force bool) ([]Result, error) {
	roster, err := g.Prompts(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(roster.Records))
	for _, rec := range roster.Records {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := g.Portrait(ctx, rec.Name, force)
		if err != nil {
			g.logger.Error("portrait failed", "name", rec.Name, "error", err)
			res.Error = err.Error()
		}
		out = append(out, res)
	}
	return out, nil
}

func (g *Generator) ensurePrompt(ctx context.Context, name string, force bool) (schema.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	roster, err := g.roster.Read()
	if err != nil {
		return schema.Record{}, err
	}
	rec, ok := roster.Find(name)
	if !ok {
		return schema.Record{}, fmt.Errorf("%w: %s", ErrUnknownCharacter, name)
	}
	if rec.AppearancePrompt != "" && !force {
		return rec, nil
	}

	p, err := g.prompt(ctx, rec, force)
	if err != nil {
		if rec.AppearancePrompt != "" {
			g.logger.Warn("keeping previous prompt", "name", rec.Name, "error", err)
			return rec, nil
		}
		return rec, fmt.Errorf("appearance prompt for %s: %w", rec.Name, err)
	}
	if p == rec.AppearancePrompt {
		return rec, nil
	}
	rec.AppearancePrompt = p
	for i := range roster.Records {
		if roster.Records[i].Name == rec.Name {
			roster.Records[i].AppearancePrompt = p
		}
	}
	if err := g.roster.Write(roster); err != nil {
		return rec, err
	}
	return rec, nil
}

// prompt is keyed by the record's description so an edited record gets a fresh prompt.
func (g *Generator) prompt(ctx context.Context, rec schema.Record, force bool) (string, error) {
	key := describe(rec)
	if force {
		return g.prompts.Force(ctx, key)
	}
	return g.prompts.Get(ctx, key)
}

func describe(rec schema.Record) string {
	return fmt.Sprintf("姓名：%s\n性别：%s\n外貌特征：%s\n服装特点：%s\n角色类型：%s",
		rec.Name, rec.Gender, rec.Appearance, rec.Clothing, rec.RoleType)
}

func (g *Generator) inferPrompt(ctx context.Context, description string) (string, error) {
	out, err := g.inf.Infer(ctx, nil, appearancePrompt, description)
	if err != nil {
		return "", err
	}
	return cleanPrompt(out), nil
}

func cleanPrompt(s string) string {
	s = strings.TrimSpace(utils.CleanJSON(s))
	s = strings.Trim(s, "\"'`")
	s = strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", ", ")), " ")
	for strings.Contains(s, ",,") || strings.Contains(s, ", ,") {
		s = strings.ReplaceAll(strings.ReplaceAll(s, ", ,", ","), ",,", ",")
	}
	return strings.Trim(s, ", ")
}

// save encodes img as WebP into name's directory under the next free number.
func (g *Generator) save(name string, img []byte) (string, error) {
	dir := g.Dir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create image dir: %w", err)
	}

	data, err := toWebP(img)
	if err != nil {
		return "", err
	}

	existing, err := g.Images(name)
	if err != nil {
		return "", err
	}
	n := len(existing) + 1
	var path string
	for {
		path = filepath.Join(dir, fmt.Sprintf("%03d.webp", n))
		if !utils.Exists(path) {
			break
		}
		n++
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return path, nil
}

func toWebP(data []byte) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		var err2 error
		img, _, err2 = image.Decode(bytes.NewReader(data))
		if err2 != nil {
			return nil, fmt.Errorf("failed to decode image (png: %v, generic: %v)", err, err2)
		}
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}
