package extract

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xueanxi/sharebook/pkg/inference/inferencetest"
	"github.com/xueanxi/sharebook/pkg/schema"
)

var logger = log.New(os.Stderr)

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []schema.Candidate
	}{
		{
			"wrapped",
			`{"characters":[{"name":"叶君临","aliases":["叶师兄"]}]}`,
			[]schema.Candidate{{Name: "叶君临", Aliases: schema.Aliases{"叶师兄"}}},
		},
		{
			"bare array with prose and string aliases",
			"好的，结果如下：\n```json\n[{\"name\":\"林月\",\"aliases\":\"月儿，林姑娘\"},{\"name\":\"林月\",\"aliases\":[\"林月\"]}]\n```",
			[]schema.Candidate{{Name: "林月", Aliases: schema.Aliases{"月儿", "林姑娘"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCandidates("本章没有人物")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestCandidatesMergesChunks(t *testing.T) {
	first := strings.Repeat("甲", 40)
	second := strings.Repeat("乙", 40)
	fake := inferencetest.New(
		inferencetest.Rule{System: "角色提取", User: "甲", Reply: `{"characters":[{"name":"叶君临","aliases":["叶师兄"]}]}`},
		inferencetest.Rule{System: "角色提取", User: "乙", Reply: `{"characters":[{"name":"叶君临","aliases":["君临"]},{"name":"林月","aliases":[]}]}`},
	)
	e := New(fake, logger, WithChunkLimit(40))

	got, err := e.Candidates(context.Background(), first+"\n\n"+second)
	require.NoError(t, err)
	assert.Equal(t, []schema.Candidate{
		{Name: "叶君临", Aliases: schema.Aliases{"叶师兄", "君临"}},
		{Name: "林月"},
	}, got)
	assert.Equal(t, 2, fake.Count("角色提取"))
}

func TestCandidatesSkipsSplitWhenTokensFit(t *testing.T) {
	fake := inferencetest.New(inferencetest.Rule{System: "角色提取", Reply: `{"characters":[]}`})
	e := New(fake, logger, WithChunkLimit(10), WithTokenCounter(func(string) (int, error) { return 5, nil }))

	got, err := e.Candidates(context.Background(), strings.Repeat("字", 30))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, fake.Count("角色提取"))
}

func TestCandidatesFailure(t *testing.T) {
	fake := inferencetest.New(inferencetest.Rule{System: "角色提取", Err: errors.New("rate limited")})
	_, err := New(fake, logger).Candidates(context.Background(), "叶君临拔剑而起。")
	assert.Error(t, err)

	fake = inferencetest.New(inferencetest.Rule{System: "角色提取", Reply: "抱歉"})
	_, err = New(fake, logger).Candidates(context.Background(), "叶君临拔剑而起。")
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestLooksLikeOrganization(t *testing.T) {
	for _, name := range []string{"青云宗", "天剑门", "萧家族", "落日山脉", "大秦帝国"} {
		assert.True(t, LooksLikeOrganization(name), name)
	}
	for _, name := range []string{"叶君临", "林月", "宗", "萧炎"} {
		assert.False(t, LooksLikeOrganization(name), name)
	}
}

func TestFilterNonPersons(t *testing.T) {
	fake := inferencetest.New(
		inferencetest.Rule{System: "人物名称判断", User: "青云宗", Reply: "否"},
		inferencetest.Rule{System: "人物名称判断", User: "东方阁", Reply: "是"},
		inferencetest.Rule{System: "人物名称判断", User: "天剑门", Err: errors.New("timeout")},
	)
	e := New(fake, logger)

	in := []schema.Candidate{{Name: "叶君临"}, {Name: "青云宗"}, {Name: "东方阁"}, {Name: "天剑门"}}
	got := e.FilterNonPersons(context.Background(), in)

	assert.Equal(t, []schema.Candidate{{Name: "叶君临"}, {Name: "东方阁"}, {Name: "天剑门"}}, got)
	assert.Equal(t, 3, fake.Count("人物名称判断"), "plain names are not checked")
}

func TestAnalyze(t *testing.T) {
	fake := inferencetest.New(inferencetest.Rule{
		System: "角色分析",
		User:   "叶君临",
		Reply: `{"gender":"男","appearance":"剑眉星目","clothing":"白衣","role_type":"主角","aliases":["叶师兄"],
"core_features":["剑眉","星目","剑眉"],"outfit":["白衣"],"key_items":["青锋剑"],"quote":"","key_changes":["境界突破"]}`,
	})
	e := New(fake, logger)

	a, err := e.Analyze(context.Background(), schema.Candidate{Name: "叶君临"}, "叶君临一身白衣。")
	require.NoError(t, err)
	assert.Equal(t, []string{"剑眉", "星目"}, a.CoreFeatures)

	rec := a.Record(schema.Candidate{Name: "叶君临"})
	assert.Equal(t, "主角", rec.RoleType)
	assert.Equal(t, []string{"叶师兄"}, rec.Aliases)

	_, err = e.Analyze(context.Background(), schema.Candidate{Name: "林月"}, "林月。")
	assert.Error(t, err)
}

func TestMergeRecord(t *testing.T) {
	prev := schema.Record{Name: "叶君临", Gender: "男", Appearance: "剑眉", Clothing: "白衣", RoleType: "主角", Aliases: []string{"叶师兄"}, AppearancePrompt: "young swordsman"}
	next := schema.Record{Name: "叶君临", Gender: "未知", Appearance: "剑眉星目，身形修长", Clothing: "未知", RoleType: "其他", Aliases: []string{"君临"}}

	fake := inferencetest.New(inferencetest.Rule{
		System: "整合",
		Reply:  `{"name":"叶公子","gender":"男","appearance":"剑眉星目，身形修长","clothing":"未知","role_type":"其他","aliases":["叶公子"]}`,
	})
	got := New(fake, logger).MergeRecord(context.Background(), prev, next)

	assert.Equal(t, "叶君临", got.Name)
	assert.Equal(t, "剑眉星目，身形修长", got.Appearance)
	assert.Equal(t, "白衣", got.Clothing, "unknown answer falls back")
	assert.Equal(t, "主角", got.RoleType)
	assert.Equal(t, []string{"叶师兄", "君临", "叶公子"}, got.Aliases)
	assert.Equal(t, "young swordsman", got.AppearancePrompt)

	failing := inferencetest.New(inferencetest.Rule{System: "整合", Err: errors.New("down")})
	got = New(failing, logger).MergeRecord(context.Background(), prev, next)
	assert.Equal(t, "剑眉星目，身形修长", got.Appearance)
	assert.Equal(t, "男", got.Gender)
	assert.Equal(t, []string{"叶师兄", "君临"}, got.Aliases)
}
