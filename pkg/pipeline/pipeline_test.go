package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xueanxi/sharebook/pkg/extract"
	"github.com/xueanxi/sharebook/pkg/inference/inferencetest"
	"github.com/xueanxi/sharebook/pkg/resolve"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/store"
	"github.com/xueanxi/sharebook/pkg/utils"
)

func analysisReply(t *testing.T, a schema.Analysis) string {
	t.Helper()
	data, err := json.Marshal(a)
	require.NoError(t, err)
	return string(data)
}

type fixture struct {
	dir    string
	stores Stores
	report string
}

func newFixture(t *testing.T, chapters map[string]string) fixture {
	t.Helper()
	dir := t.TempDir()
	novel := filepath.Join(dir, "novel")
	require.NoError(t, os.MkdirAll(novel, 0o755))
	for name, text := range chapters {
		require.NoError(t, os.WriteFile(filepath.Join(novel, name), []byte(text), 0o644))
	}

	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	b := store.Backups{Keep: store.DefaultKeep, Now: tick}
	logger := log.New(os.Stderr)
	return fixture{
		dir: dir,
		stores: Stores{
			Roster:   store.NewRosterStore(filepath.Join(dir, "roster.csv"), b, logger),
			Cards:    store.NewCardStore(filepath.Join(dir, "cards"), b),
			Progress: store.NewProgressStore(filepath.Join(dir, "progress.yaml"), b),
		},
		report: filepath.Join(dir, "report.json"),
	}
}

func (f fixture) orchestrator(fake *inferencetest.Fake) *Orchestrator {
	logger := log.New(os.Stderr)
	return New(
		Options{NovelDir: filepath.Join(f.dir, "novel"), Workers: 2, ReportPath: f.report},
		f.stores,
		extract.New(fake, logger),
		resolve.New(fake, logger),
		logger,
	)
}

func TestRunScenarios(t *testing.T) {
	f := newFixture(t, map[string]string{
		"第一章.txt": "【一】叶君临身穿白衣，手持青锋剑，立于青云宗山门之前。",
		"第二章.txt": "【二】叶师兄头戴斗笠而来，林月轻声唤他，月儿站在一旁。",
		"第三章.txt": "【三】叶师兄境界突破，白发金瞳。萧炎与炎帝之名传遍大陆。",
		"第四章.txt": "短",
		"第十章.txt": "【十】这一章的模型调用会一直失败下去。",
	})

	fake := inferencetest.New(
		inferencetest.Rule{System: "角色提取", User: "【一】", Reply: `{"characters":[{"name":"叶君临","aliases":[]},{"name":"青云宗","aliases":[]}]}`},
		inferencetest.Rule{System: "角色提取", User: "【二】", Reply: `{"characters":[{"name":"叶君临","aliases":["叶师兄"]},{"name":"林月","aliases":["月儿"]}]}`},
		inferencetest.Rule{System: "角色提取", User: "【三】", Reply: `{"characters":[{"name":"叶师兄","aliases":[]},{"name":"萧炎","aliases":[]},{"name":"炎帝","aliases":[]}]}`},
		inferencetest.Rule{System: "角色提取", User: "【十】", Err: errors.New("quota exhausted")},
		inferencetest.Rule{System: "人物名称判断", User: "青云宗", Reply: "否"},
		inferencetest.Rule{System: "人物整理", Reply: `[{"main_name":"萧炎","aliases":["炎帝"],"reason":"炎帝是萧炎的称号"}]`},

		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：叶君临", "【一】"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "男", Appearance: "剑眉星目", Clothing: "白衣", RoleType: "主角",
			CoreFeatures: []string{"黑发", "剑眉", "星目"}, Outfit: []string{"白衣"}, KeyItems: []string{"青锋剑"},
			Quote: "我命由我不由天",
		})},
		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：叶君临", "【二】"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "男", Appearance: "未知", Clothing: "白衣斗笠", RoleType: "主角",
			CoreFeatures: []string{"黑发", "剑眉"}, Outfit: []string{"白衣", "斗笠"},
		})},
		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：林月"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "女", Appearance: "清丽", Clothing: "青裙", RoleType: "配角",
			CoreFeatures: []string{"长发"}, Outfit: []string{"青裙"},
		})},
		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：叶师兄", "【三】"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "男", Appearance: "白发金瞳", Clothing: "未知", RoleType: "主角",
			CoreFeatures: []string{"白发", "金瞳"}, KeyChanges: []string{"境界突破"},
		})},
		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：萧炎"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "男", Appearance: "黑袍少年", Clothing: "黑袍", RoleType: "配角",
			CoreFeatures: []string{"黑发"}, Outfit: []string{"黑袍"},
		})},
	)

	var events []Event
	var mu sync.Mutex
	o := f.orchestrator(fake)
	report, err := o.Run(context.Background(), func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"第一章.txt", "第二章.txt", "第三章.txt"}, report.Processed)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "第四章.txt", report.Failures[0].Chapter)
	assert.Equal(t, Read.String(), report.Failures[0].Stage)
	assert.ErrorIs(t, report.Failures[0].Error, ErrChapterTooShort)
	assert.Equal(t, "第十章.txt", report.Failures[1].Chapter)
	assert.Equal(t, Extract.String(), report.Failures[1].Stage)
	assert.Equal(t, 3, report.NewCharacters)
	assert.Equal(t, 2, report.UpdatedCharacters)
	assert.Equal(t, 1, report.NewStages)
	assert.Equal(t, 1, report.Placeholders, "炎帝 has no analysis")
	assert.NotEmpty(t, report.RunID)
	assert.Same(t, report, o.LastReport())

	// roster
	roster, err := f.stores.Roster.Read()
	require.NoError(t, err)
	require.Len(t, roster.Records, 3)
	assert.Empty(t, roster.Conflicts())

	ye, ok := roster.Find("叶师兄")
	require.True(t, ok)
	assert.Equal(t, "叶君临", ye.Name)
	assert.Equal(t, "白发金瞳", ye.Appearance)
	assert.Equal(t, "白衣斗笠", ye.Clothing, "unknown clothing never overwrites")
	assert.Equal(t, "主角", ye.RoleType)

	_, ok = roster.Find("青云宗")
	assert.False(t, ok, "organisations are dropped")

	xiao, ok := roster.Find("炎帝")
	require.True(t, ok)
	assert.Equal(t, "萧炎", xiao.Name)
	assert.Equal(t, "黑袍少年", xiao.Appearance)

	lin, ok := roster.Find("月儿")
	require.True(t, ok)
	assert.Equal(t, "林月", lin.Name)

	// cards
	card, err := f.stores.Cards.Read("叶君临")
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, []string{schema.StageCurrent, schema.StageEarly}, card.VisualTimeline.Keys())
	current, _ := card.VisualTimeline.Get(schema.StageCurrent)
	assert.Equal(t, []string{"白衣", "斗笠"}, current.Clothing)
	assert.Equal(t, "第一章.txt、第二章.txt", current.Chapters)
	early, _ := card.VisualTimeline.Get(schema.StageEarly)
	assert.Equal(t, []string{"白发", "金瞳"}, early.CoreFeatures)
	assert.Equal(t, "第三章.txt", early.Chapters)
	assert.Equal(t, []string{"境界突破"}, card.Changes)

	yan, err := f.stores.Cards.Read("炎帝")
	require.NoError(t, err)
	assert.Nil(t, yan)
	names, err := f.stores.Cards.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"叶君临", "林月", "萧炎"}, names)

	// progress and report
	progress, err := f.stores.Progress.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"第一章.txt", "第二章.txt", "第三章.txt"}, progress.ProcessedChapters)
	assert.Equal(t, "第三章.txt", progress.CurrentChapter)

	saved, err := utils.Load[Report](f.report)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, saved.RunID)
	require.Len(t, saved.Failures, 2)
	assert.Contains(t, saved.Failures[1].Error.Error(), "quota exhausted")

	assert.Equal(t, "第一章.txt", events[0].Chapter)
	assert.Equal(t, SelectChapter, events[0].State)
	assert.Equal(t, Failed, events[len(events)-1].State)

	// resume: processed chapters are skipped and nothing new is asked of the model
	before := len(fake.Calls())
	again, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Skipped)
	assert.Empty(t, again.Processed)
	assert.Len(t, again.Failures, 2)
	assert.Equal(t, before+1, len(fake.Calls()), "only 第十章 is retried against the model")
}

func TestRunFatalErrors(t *testing.T) {
	f := newFixture(t, map[string]string{"第一章.txt": "【一】叶君临站在山门前，望向远方。"})
	require.NoError(t, os.WriteFile(f.stores.Roster.Path(), []byte("name,gender\n"), 0o644))

	_, err := f.orchestrator(inferencetest.New()).Run(context.Background(), nil)
	assert.ErrorIs(t, err, store.ErrUnknownSchema)

	empty := newFixture(t, nil)
	_, err = empty.orchestrator(inferencetest.New()).Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestRunCorruptCardIsFatal(t *testing.T) {
	f := newFixture(t, map[string]string{"第一章.txt": "【一】叶君临站在山门前，望向远方。"})
	require.NoError(t, os.MkdirAll(f.stores.Cards.Dir(), 0o755))
	require.NoError(t, os.WriteFile(f.stores.Cards.Path("叶君临"), []byte("{not json"), 0o644))

	fake := inferencetest.New()
	report, err := f.orchestrator(fake).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "叶君临")
	assert.Nil(t, report)
	assert.Empty(t, fake.Calls(), "no chapter is attempted")
}

func TestRunKeepsRosterAfterLateFailure(t *testing.T) {
	f := newFixture(t, map[string]string{
		"第一章.txt": "【一】叶君临境界突破，白发飘飘立于山巅。",
		"第二章.txt": "【二】林月提着灯笼走过长街，月色如水。",
	})
	fake := inferencetest.New(
		inferencetest.Rule{System: "角色提取", User: "【一】", Reply: `{"characters":[{"name":"叶君临","aliases":[]}]}`},
		inferencetest.Rule{System: "角色提取", User: "【二】", Reply: `{"characters":[{"name":"林月","aliases":[]}]}`},
		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：叶君临"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "男", Appearance: "白发", Clothing: "白衣", RoleType: "主角",
			CoreFeatures: []string{"白发"}, KeyChanges: []string{"境界突破"},
		})},
		inferencetest.Rule{System: "角色分析", Users: []string{"角色姓名：林月"}, Reply: analysisReply(t, schema.Analysis{
			Gender: "女", Appearance: "清丽", Clothing: "青裙", RoleType: "配角",
			CoreFeatures: []string{"长发"},
		})},
	)

	// The progress file is replaced by a directory while chapter one checkpoints.
	progress := f.stores.Progress.Path()
	o := f.orchestrator(fake)
	report, err := o.Run(context.Background(), func(e Event) {
		switch {
		case e.Chapter == "第一章.txt" && e.State == Checkpoint:
			require.NoError(t, os.MkdirAll(filepath.Join(progress, "blocked"), 0o755))
		case e.Chapter == "第二章.txt" && e.State == SelectChapter:
			require.NoError(t, os.RemoveAll(progress))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"第二章.txt"}, report.Processed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, Checkpoint.String(), report.Failures[0].Stage)

	roster, err := f.stores.Roster.Read()
	require.NoError(t, err)
	_, ok := roster.Find("叶君临")
	assert.True(t, ok, "rows written before the failed checkpoint survive the next chapter")
	_, ok = roster.Find("林月")
	assert.True(t, ok)

	// Retrying the chapter does not stack another stage on the card it already wrote.
	again, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"第一章.txt"}, again.Processed)
	assert.Zero(t, again.NewStages)

	card, err := f.stores.Cards.Read("叶君临")
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, []string{schema.StageCurrent}, card.VisualTimeline.Keys())

	roster, err = f.stores.Roster.Read()
	require.NoError(t, err)
	assert.Len(t, roster.Records, 2)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, map[string]string{"第一章.txt": "【一】叶君临站在山门前，望向远方。"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.orchestrator(inferencetest.New()).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Processed)
}

func TestWithStoresExcludesRuns(t *testing.T) {
	f := newFixture(t, map[string]string{"第一章.txt": "【一】林月站在山门之前，望着远方。"})
	fake := inferencetest.New(
		inferencetest.Rule{System: "角色提取", Reply: `{"characters":[{"name":"林月","aliases":[]}]}`},
		inferencetest.Rule{System: "角色分析", Reply: analysisReply(t, schema.Analysis{Gender: "女", RoleType: "配角"})},
	)
	o := f.orchestrator(fake)

	err := o.WithStores(func() error {
		assert.True(t, o.Busy())
		assert.False(t, o.Running())
		assert.NoError(t, o.WithStores(func() error { return nil }), "holders may overlap")
		_, err := o.Run(context.Background(), nil)
		assert.ErrorIs(t, err, ErrBusy)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, o.Busy())
	assert.Empty(t, fake.Calls())

	var during []error
	report, err := o.Run(context.Background(), func(e Event) {
		if e.State == Persist {
			during = append(during, o.WithStores(func() error {
				t.Error("called during a run")
				return nil
			}))
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"第一章.txt"}, report.Processed)
	require.Len(t, during, 1)
	assert.ErrorIs(t, during[0], ErrRunning)
	assert.False(t, o.Busy())
}

func TestDebugFollowsLoggerLevel(t *testing.T) {
	o := newFixture(t, nil).orchestrator(inferencetest.New())
	o.logger.SetLevel(log.InfoLevel)
	assert.False(t, o.debug())
	o.logger.SetLevel(log.DebugLevel)
	assert.True(t, o.debug())
}

func TestCombine(t *testing.T) {
	got := combine([]schema.CardAttributes{
		{CoreFeatures: []string{"黑发"}, Chapters: "第三章.txt"},
		{CoreFeatures: []string{"黑发", "金瞳"}, Quote: "走", KeyChanges: []string{"突破"}},
	})
	assert.Equal(t, []string{"黑发", "金瞳"}, got.CoreFeatures)
	assert.Equal(t, "走", got.Quote)
	assert.Equal(t, "第三章.txt", got.Chapters)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "merge", Merge.String())
	assert.Equal(t, "unknown", State(42).String())
	text, err := Checkpoint.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "checkpoint", string(text))
}
