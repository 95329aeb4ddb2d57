package extract

import (
	"context"
	"strings"

	"github.com/xueanxi/sharebook/pkg/schema"
)

// orgSuffixes end names that usually denote a sect, place or family rather than a person.
var orgSuffixes = []string{
	"山脉", "学院", "家族", "商会", "王朝", "帝国",
	"宗", "门", "派", "帮", "阁", "殿", "宫", "府", "城", "国", "会", "盟",
	"谷", "岛", "州", "镇", "村", "楼", "堂", "院", "寺", "观", "庄",
}

// LooksLikeOrganization reports whether name ends in an organisational or place suffix.
func LooksLikeOrganization(name string) bool {
	name = strings.TrimSpace(name)
	for _, s := range orgSuffixes {
		if strings.HasSuffix(name, s) && name != s {
			return true
		}
	}
	return false
}

// FilterNonPersons drops candidates the model confirms are not people. Only names
// with an organisational suffix are checked, and a failed check keeps the candidate.
func (e *Extractor) FilterNonPersons(ctx context.Context, candidates []schema.Candidate) []schema.Candidate {
	out := make([]schema.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !LooksLikeOrganization(c.Name) {
			out = append(out, c)
			continue
		}
		person, err := e.isPerson(ctx, c)
		if err != nil {
			e.logger.Warn("person check failed, keeping candidate", "name", c.Name, "error", err)
			out = append(out, c)
			continue
		}
		if !person {
			e.logger.Info("dropping non-person candidate", "name", c.Name)
			continue
		}
		out = append(out, c)
	}
	return out
}

func (e *Extractor) isPerson(ctx context.Context, c schema.Candidate) (bool, error) {
	user := "名称：" + c.Name
	if len(c.Aliases) > 0 {
		user += "\n其他称呼：" + strings.Join(c.Aliases, "、")
	}
	out, err := e.inf.Infer(ctx, nil, personCheckPrompt, user)
	if err != nil {
		return false, err
	}
	answer := strings.TrimSpace(out)
	if i := strings.LastIndex(answer, "</think>"); i != -1 {
		answer = strings.TrimSpace(answer[i+len("</think>"):])
	}
	switch {
	case strings.HasPrefix(answer, "否"), strings.HasPrefix(answer, "不是"), strings.HasPrefix(strings.ToLower(answer), "no"):
		return false, nil
	default:
		return true, nil
	}
}
