// Package profile merges per-chapter visual data into character cards, deciding when a
// character has entered a new lifecycle stage.
package profile

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// State is the outcome of comparing new data against an existing card.
type State int

const (
	NoExistingProfile State = iota
	ExistingNoNewStage
	ExistingNewStage
)

func (s State) String() string {
	switch s {
	case NoExistingProfile:
		return "new_card"
	case ExistingNoNewStage:
		return "update_stage"
	case ExistingNewStage:
		return "new_stage"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MajorChangeKeywords in any key change force a new stage.
var MajorChangeKeywords = []string{"突破", "晋级", "飞升", "变身", "恢复", "重伤"}

// NewFeatureRatio is the share of unseen core features above which a new stage starts.
const NewFeatureRatio = 0.5

// Decide classifies how attrs relate to existing, which may be nil.
func Decide(existing *schema.Card, attrs schema.CardAttributes) State {
	if existing == nil {
		return NoExistingProfile
	}
	if needsNewStage(*existing, attrs) {
		return ExistingNewStage
	}
	return ExistingNoNewStage
}

func needsNewStage(card schema.Card, attrs schema.CardAttributes) bool {
	for _, change := range attrs.KeyChanges {
		if utils.StringContains(change, true, MajorChangeKeywords...) {
			return true
		}
	}

	incoming := utils.UniqueStrings(attrs.CoreFeatures)
	if len(incoming) == 0 {
		return false
	}
	known := make(map[string]struct{})
	for _, e := range card.VisualTimeline {
		for _, f := range e.Stage.CoreFeatures {
			known[strings.TrimSpace(f)] = struct{}{}
		}
	}
	unseen := 0
	for _, f := range incoming {
		if _, ok := known[f]; !ok {
			unseen++
		}
	}
	return float64(unseen) > float64(len(incoming))*NewFeatureRatio
}

// Merge returns the card that results from applying attrs to existing (nil for an
// unseen character), along with the transition taken. existing is never modified.
func Merge(name string, existing *schema.Card, attrs schema.CardAttributes, now time.Time) (schema.Card, State) {
	state := Decide(existing, attrs)

	var card schema.Card
	switch state {
	case NoExistingProfile:
		card = schema.Card{
			Name:       name,
			Importance: importance(attrs.CoreFeatures),
			VisualTimeline: schema.Timeline{
				{Key: schema.StageCurrent, Stage: stageFrom(attrs)},
			},
		}
	case ExistingNewStage:
		card = existing.Clone()
		key := NextStageKey(card.VisualTimeline.Keys())
		card.VisualTimeline = card.VisualTimeline.Set(key, stageFrom(attrs))
	case ExistingNoNewStage:
		card = existing.Clone()
		last, ok := card.VisualTimeline.Last()
		if !ok {
			card.VisualTimeline = schema.Timeline{{Key: schema.StageCurrent, Stage: stageFrom(attrs)}}
			break
		}
		card.VisualTimeline[len(card.VisualTimeline)-1].Stage = updateStage(last.Stage, attrs)
	}

	if card.Name == "" {
		card.Name = name
	}
	if card.Importance == "" {
		card.Importance = importance(attrs.CoreFeatures)
	}
	card.BaseFeatures = baseFeatures(card)
	card.Changes = changes(card, attrs)
	card.LastUpdated = now
	return card, state
}

// NextStageKey picks the first unused of early, middle, late, then the smallest unused stage_N.
func NextStageKey(existing []string) string {
	for _, k := range []string{schema.StageEarly, schema.StageMiddle, schema.StageLate} {
		if !slices.Contains(existing, k) {
			return k
		}
	}
	for i := 1; ; i++ {
		k := fmt.Sprintf("stage_%d", i)
		if !slices.Contains(existing, k) {
			return k
		}
	}
}

func importance(features []string) schema.Importance {
	switch n := len(utils.UniqueStrings(features)); {
	case n >= 5:
		return schema.ImportanceMain
	case n >= 3:
		return schema.ImportanceSupport
	}
	return schema.ImportanceMinor
}

func stageFrom(attrs schema.CardAttributes) schema.Stage {
	return schema.Stage{
		CoreFeatures: utils.UniqueStrings(attrs.CoreFeatures),
		Clothing:     utils.UniqueStrings(attrs.Clothing),
		KeyItems:     utils.UniqueStrings(attrs.KeyItems),
		Quote:        strings.TrimSpace(attrs.Quote),
		KeyChanges:   utils.UniqueStrings(attrs.KeyChanges),
		Chapters:     strings.TrimSpace(attrs.Chapters),
	}
}

// updateStage unions list fields into s. The quote is only set when s has none and
// chapter labels accumulate without repeats.
func updateStage(s schema.Stage, attrs schema.CardAttributes) schema.Stage {
	s.CoreFeatures = utils.UniqueStrings(s.CoreFeatures, attrs.CoreFeatures)
	s.Clothing = utils.UniqueStrings(s.Clothing, attrs.Clothing)
	s.KeyItems = utils.UniqueStrings(s.KeyItems, attrs.KeyItems)
	if s.Quote == "" {
		s.Quote = strings.TrimSpace(attrs.Quote)
	}
	s.Chapters = joinChapters(s.Chapters, attrs.Chapters)
	return s
}

const chapterSep = "、"

// Covers reports whether chapter is already recorded on one of card's stages.
func Covers(card *schema.Card, chapter string) bool {
	chapter = strings.TrimSpace(chapter)
	if card == nil || chapter == "" {
		return false
	}
	for _, e := range card.VisualTimeline {
		if slices.Contains(strings.Split(e.Stage.Chapters, chapterSep), chapter) {
			return true
		}
	}
	return false
}

func joinChapters(have, add string) string {
	add = strings.TrimSpace(add)
	if add == "" {
		return have
	}
	if have == "" {
		return add
	}
	if slices.Contains(strings.Split(have, chapterSep), add) {
		return have
	}
	return have + chapterSep + add
}

func baseFeatures(card schema.Card) []string {
	lists := [][]string{card.BaseFeatures}
	for _, e := range card.VisualTimeline {
		lists = append(lists, e.Stage.CoreFeatures)
	}
	return utils.UniqueStrings(lists...)
}

func changes(card schema.Card, attrs schema.CardAttributes) []string {
	lists := [][]string{card.Changes}
	for _, e := range card.VisualTimeline {
		lists = append(lists, e.Stage.KeyChanges)
	}
	lists = append(lists, attrs.KeyChanges)
	return utils.UniqueStrings(lists...)
}
