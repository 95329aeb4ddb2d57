package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// Analyze describes one candidate as it appears in the chapter text.
func (e *Extractor) Analyze(ctx context.Context, c schema.Candidate, text string) (schema.Analysis, error) {
	var b strings.Builder
	b.WriteString("角色姓名：" + c.Name + "\n")
	if len(c.Aliases) > 0 {
		b.WriteString("别名：" + strings.Join(c.Aliases, "、") + "\n")
	} else {
		b.WriteString("别名：无\n")
	}
	b.WriteString("\n章节文本：\n")
	b.WriteString(text)

	params := &openai.ChatCompletionNewParams{
		ResponseFormat:      schema.AnalysisFormat(),
		MaxCompletionTokens: openai.Int(2048),
	}
	out, err := e.inf.Infer(ctx, params, analyzePrompt, b.String())
	if err != nil {
		return schema.Analysis{}, fmt.Errorf("analyze %s: %w", c.Name, err)
	}
	a, err := utils.ParseJSON[schema.Analysis](out)
	if err != nil {
		return schema.Analysis{}, fmt.Errorf("analyze %s: %w: %w", c.Name, ErrUnparseable, err)
	}
	a.CoreFeatures = utils.UniqueStrings(a.CoreFeatures)
	a.Outfit = utils.UniqueStrings(a.Outfit)
	a.KeyItems = utils.UniqueStrings(a.KeyItems)
	a.KeyChanges = utils.UniqueStrings(a.KeyChanges)
	return a, nil
}

// MergeRecord asks the model to combine an existing roster row with new observations.
// Any failure falls back to the field-level store.MergeRecord. The roster name is kept
// and no known alias is lost either way.
func (e *Extractor) MergeRecord(ctx context.Context, prev, next schema.Record) schema.Record {
	fallback := store.MergeRecord(prev, next)

	payload, err := json.MarshalIndent(map[string]schema.Record{"existing": prev, "new": next}, "", "  ")
	if err != nil {
		return fallback
	}
	out, err := e.inf.Infer(ctx, nil, mergePrompt, string(payload))
	if err != nil {
		e.logger.Warn("attribute merge failed, using field merge", "name", prev.Name, "error", err)
		return fallback
	}
	merged, err := utils.ParseJSON[schema.Record](out)
	if err != nil {
		e.logger.Warn("attribute merge unparseable, using field merge", "name", prev.Name, "error", err)
		return fallback
	}

	merged.Name = prev.Name
	merged.Aliases = utils.UniqueStrings(fallback.Aliases, merged.Aliases)
	merged = merged.Normalize()
	if !schema.Known(merged.Appearance) {
		merged.Appearance = fallback.Appearance
	}
	if !schema.Known(merged.Clothing) {
		merged.Clothing = fallback.Clothing
	}
	if !schema.Known(merged.Gender) {
		merged.Gender = fallback.Gender
	}
	if merged.RoleType == schema.RoleOther {
		merged.RoleType = fallback.RoleType
	}
	if merged.AppearancePrompt == "" {
		merged.AppearancePrompt = fallback.AppearancePrompt
	}
	return merged
}
