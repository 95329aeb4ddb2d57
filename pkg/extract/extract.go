// Package extract asks the model which characters a chapter mentions and what they look like.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"

	"github.com/xueanxi/sharebook/pkg/inference"
	"github.com/xueanxi/sharebook/pkg/resolve"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

const DefaultChunkLimit = 6000

// ErrUnparseable is returned when a model answer holds no usable JSON.
var ErrUnparseable = errors.New("unparseable model response")

type Extractor struct {
	inf        inference.Inferencer
	logger     *log.Logger
	chunkLimit int
	tokens     func(string) (int, error)
}

type Option func(*Extractor)

// WithChunkLimit sets the largest chapter piece sent in one extraction call.
func WithChunkLimit(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.chunkLimit = n
		}
	}
}

// WithTokenCounter logs request sizes with fn and lets chapters that fit in the
// chunk limit by token count skip splitting.
func WithTokenCounter(fn func(string) (int, error)) Option {
	return func(e *Extractor) { e.tokens = fn }
}

func New(inf inference.Inferencer, logger *log.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		inf:        inf,
		logger:     logger.WithPrefix("extract"),
		chunkLimit: DefaultChunkLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) chunks(text string) []string {
	if e.tokens != nil {
		if n, err := e.tokens(text); err == nil {
			e.logger.Debug("chapter size", "runes", utf8.RuneCountInString(text), "tokens", n)
			if n <= e.chunkLimit {
				return []string{strings.TrimSpace(text)}
			}
		}
	}
	return utils.ChunkText(text, e.chunkLimit)
}

// Candidates extracts the characters named in text. Long chapters are split and the
// per-piece lists merged by name. Names that look like places or organisations are
// confirmed before being kept.
func (e *Extractor) Candidates(ctx context.Context, text string) ([]schema.Candidate, error) {
	var all []schema.Candidate
	chunks := e.chunks(text)
	for i, chunk := range chunks {
		params := &openai.ChatCompletionNewParams{
			ResponseFormat:      schema.CandidateListFormat(),
			MaxCompletionTokens: openai.Int(4096),
		}
		out, err := e.inf.Infer(ctx, params, extractPrompt, chunk)
		if err != nil {
			return nil, fmt.Errorf("extract chunk %d/%d: %w", i+1, len(chunks), err)
		}
		found, err := ParseCandidates(out)
		if err != nil {
			return nil, fmt.Errorf("extract chunk %d/%d: %w", i+1, len(chunks), err)
		}
		e.logger.Debug("chunk extracted", "chunk", i+1, "of", len(chunks), "characters", len(found))
		all = resolve.MergeCandidates(all, found)
	}
	return e.FilterNonPersons(ctx, all), nil
}

// ParseCandidates reads either {"characters": [...]} or a bare array.
func ParseCandidates(text string) ([]schema.Candidate, error) {
	raw, err := utils.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}

	var list []schema.Candidate
	if strings.HasPrefix(raw, "[") {
		list, err = utils.ParseJSON[[]schema.Candidate](raw)
	} else {
		var wrapped schema.CandidateList
		wrapped, err = utils.ParseJSON[schema.CandidateList](raw)
		list = wrapped.Characters
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseable, err)
	}
	return resolve.MergeCandidates(nil, list), nil
}
