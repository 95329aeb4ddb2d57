package resolve

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/xueanxi/sharebook/pkg/inference"
	"github.com/xueanxi/sharebook/pkg/schema"
	"github.com/xueanxi/sharebook/pkg/utils"
)

// MergeInstruction says that Aliases name the same character as MainName.
type MergeInstruction struct {
	MainName string   `json:"main_name"`
	Aliases  []string `json:"aliases"`
	Reason   string   `json:"reason"`
}

// noMergeWords mark a free-text answer meaning nothing should be merged.
var noMergeWords = []string{"没有", "空", "无需", "无", "不需要", "不存在"}

// Resolver proposes merges among characters discovered in the same chapter.
type Resolver struct {
	inf    inference.Inferencer
	logger *log.Logger
}

func New(inf inference.Inferencer, logger *log.Logger) *Resolver {
	return &Resolver{inf: inf, logger: logger.WithPrefix("resolve")}
}

// ProposeMerges asks the model which of records are the same person. Any failure
// yields no instructions.
func (r *Resolver) ProposeMerges(ctx context.Context, records []schema.Record) []MergeInstruction {
	if len(records) < 2 {
		return nil
	}

	payload, err := json.Marshal(records)
	if err != nil {
		r.logger.Warn("failed encoding merge candidates", "error", err)
		return nil
	}

	resp, err := r.inf.Infer(ctx, nil, groupingPrompt, string(payload))
	if err != nil {
		r.logger.Warn("merge proposal failed, keeping characters separate", "error", err)
		return nil
	}

	instr := ParseMerges(resp)
	r.logger.Debug("merge proposals", "candidates", len(records), "instructions", len(instr))
	return instr
}

// ParseMerges reads a model answer as a list of instructions. Unparseable answers and
// answers saying there is nothing to merge produce an empty list.
func ParseMerges(text string) []MergeInstruction {
	list, err := utils.ParseJSON[[]MergeInstruction](text)
	if err != nil {
		wrapped, werr := utils.ParseJSON[struct {
			Merges []MergeInstruction `json:"merges"`
		}](text)
		if werr != nil {
			if utils.StringContains(text, true, noMergeWords...) {
				log.Debug("model reported no merges", "answer", utils.LimitStr(text, 40))
			}
			return nil
		}
		list = wrapped.Merges
	}

	out := list[:0]
	for _, m := range list {
		m.MainName = strings.TrimSpace(m.MainName)
		m.Aliases = slices.DeleteFunc(utils.UniqueStrings(m.Aliases), func(a string) bool { return a == m.MainName })
		if m.MainName == "" || len(m.Aliases) == 0 {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ApplyMerges collapses each instruction's records into one. The record with the most
// known attributes donates its fields, every name involved becomes an alias, and the
// main name is kept out of its own alias list. Records not named by any instruction
// pass through unchanged and in order.
func ApplyMerges(analyzed []schema.Record, instr []MergeInstruction) []schema.Record {
	out := slices.Clone(analyzed)
	for _, m := range instr {
		names := append([]string{m.MainName}, m.Aliases...)

		var members []int
		for i, r := range out {
			if slices.Contains(names, r.Name) {
				members = append(members, i)
			}
		}
		if len(members) == 0 {
			continue
		}

		donor := members[0]
		for _, i := range members[1:] {
			d, best := out[i].Detail(), out[donor].Detail()
			if d > best || (d == best && out[i].Name == m.MainName && out[donor].Name != m.MainName) {
				donor = i
			}
		}

		merged := out[donor]
		merged.Name = m.MainName
		pool := [][]string{m.Aliases}
		for _, i := range members {
			pool = append(pool, out[i].Names())
		}
		merged.Aliases = slices.DeleteFunc(utils.UniqueStrings(pool...), func(a string) bool { return a == m.MainName })

		out[members[0]] = merged
		for _, i := range slices.Backward(members[1:]) {
			out = slices.Delete(out, i, i+1)
		}
	}
	return out
}

const groupingPrompt = `你是小说人物整理助手。下面的JSON数组是同一章节中识别出的角色及其属性。
请判断其中是否有多个条目其实指向同一个人物（例如本名与称号、昵称、尊称）。

规则：
- 只有在能够确定是同一人时才合并，不确定时不要合并。
- 输出一个JSON数组，每个元素为 {"main_name": "主名", "aliases": ["被合并的名字"], "reason": "简短理由"}。
- main_name 使用最正式、最完整的姓名。
- 如果不需要任何合并，输出 []。
- 只输出JSON，不要输出任何解释或markdown。`
