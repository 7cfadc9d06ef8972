// Package skill runs external Skill prompt files against LLM providers
// and normalizes their output into the mechanism contracts.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"convoinsights/internal/store"
)

const (
	sessionSkillFile     = "diagnose-session.md"
	incrementalSkillFile = "diagnose-incremental.md"

	maxBaseIncrementalSkillChars = 1400
	maxExtensionSkillChars       = 180

	incrementalChunkSize = 24

	// Names used inside prompts; the model echoes the schema back.
	sessionInputName      = "SessionDigestV1"
	sessionOutputSchema   = "SessionMechanismV1"
	incrementalInputName  = "IncrementalInputV1"
	incrementalOutputName = "IncrementalMechanismV1"
)

// incrementalExtensionSkillFiles are mandatory companions of the base
// incremental skill; a missing file aborts the run.
var incrementalExtensionSkillFiles = []string{"coach.md"}

// SystemPrompt is the provider-agnostic guardrail: obey the Skill text,
// emit exactly one JSON object.
func SystemPrompt() string {
	return "你是 Skill 运行时执行器。" +
		"必须严格遵循用户提供的 Skill 文本。" +
		"仅输出一个 JSON object。" +
		"不要输出 markdown、解释或额外前后缀。"
}

// BuildUserPrompt assembles the Skill text, the compact JSON input, and the
// target schema name into one user message.
func BuildUserPrompt(skillPrompt, inputName string, inputPayload map[string]any, outputSchema string) (string, error) {
	compact, err := store.EncodeCompact(inputPayload)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", inputName, err)
	}
	return "请严格执行以下 Skill，按其约束生成结果。\n" +
		"输出必须是单个 JSON object。\n\n" +
		fmt.Sprintf("[Skill]\n%s\n\n", skillPrompt) +
		fmt.Sprintf("[%s]\n%s\n\n", inputName, compact) +
		fmt.Sprintf("[TargetSchema]\n%s\n", outputSchema), nil
}

// CompactSkillText drops empty lines and bounds the text to limitChars
// characters, marking the cut so the model knows constraints were elided.
func CompactSkillText(text string, limitChars int) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, " \t\r"))
		}
	}
	compact := strings.Join(lines, "\n")
	runes := []rune(compact)
	if len(runes) <= limitChars {
		return compact
	}
	return strings.TrimRight(string(runes[:limitChars]), " \t\n") +
		"\n...（运行时已截断，仅保留关键约束）"
}

// LoadSessionSkill reads the session diagnosis Skill verbatim.
func LoadSessionSkill(skillsRoot string) (string, error) {
	path := filepath.Join(skillsRoot, sessionSkillFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("skill prompt missing: %s", path)
	}
	return string(data), nil
}

// LoadIncrementalBundle composes the base incremental Skill with every
// required extension skill, each compacted to its character budget.
// It returns the composite prompt and the skill file names used.
func LoadIncrementalBundle(skillsRoot string) (string, []string, error) {
	usedFiles := []string{incrementalSkillFile}

	basePath := filepath.Join(skillsRoot, incrementalSkillFile)
	baseData, err := os.ReadFile(basePath)
	if err != nil {
		return "", nil, fmt.Errorf("skill prompt missing: %s", basePath)
	}
	basePrompt := CompactSkillText(strings.TrimSpace(string(baseData)), maxBaseIncrementalSkillChars)

	var extensionSections []string
	var missingFiles []string
	for _, filename := range incrementalExtensionSkillFiles {
		path := filepath.Join(skillsRoot, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			missingFiles = append(missingFiles, path)
			continue
		}
		usedFiles = append(usedFiles, filename)
		compact := CompactSkillText(strings.TrimSpace(string(data)), maxExtensionSkillChars)
		extensionSections = append(extensionSections,
			fmt.Sprintf("## 扩展技能约束（%s）\n%s", filename, compact))
	}
	if len(missingFiles) > 0 {
		return "", nil, fmt.Errorf("required incremental extension skill(s) missing: %s",
			strings.Join(missingFiles, ", "))
	}

	parts := []string{
		basePrompt,
		"## 组合执行约束",
		"在满足 diagnose-incremental 主契约的前提下，必须同时遵循以下扩展技能约束：",
	}
	parts = append(parts, extensionSections...)
	return strings.TrimSpace(strings.Join(parts, "\n\n")), usedFiles, nil
}

// chunkPostamble narrows the incremental Skill to one shard of sessions.
func chunkPostamble(skillPrompt string) string {
	return skillPrompt + "\n\n" +
		"[分片执行约束]\n" +
		"- 当前输入仅代表全量会话中的一个分片。\n" +
		"- 只基于当前分片产出中间机制报告。\n" +
		"- 不要假设未出现的数据。"
}

// mergePostamble turns the incremental Skill into a shard aggregator.
func mergePostamble(skillPrompt string) string {
	return skillPrompt + "\n\n" +
		"[分片聚合约束]\n" +
		"- 当前输入包含 chunk_reports（分片中间结果）。\n" +
		"- 你必须基于 chunk_reports 做全局去重、合并和层级收敛。\n" +
		"- 最终输出仍必须是 IncrementalMechanismV1。"
}
