// internal/config/prompts.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/text/language"
)

// PromptSet 三类字段使用的系统提示模板
type PromptSet struct {
	Language    string `toml:"language" json:"language"`
	Base        string `toml:"base_template" json:"base_template"`
	Description string `toml:"description_template" json:"description_template"`
	Dialogue    string `toml:"dialogue_template" json:"dialogue_template"`
}

// ForField 按字段选择模板：description 用描述模板，first_mes/mes_example 用对话模板
func (p PromptSet) ForField(field string) string {
	switch field {
	case models.FieldDescription:
		return p.Description
	case models.FieldFirstMes, models.FieldMesExample:
		return p.Dialogue
	default:
		return p.Base
	}
}

var promptsZh = PromptSet{
	Language: "zh",
	Base: `你是一个专业的翻译专家。请按照以下要求进行翻译：
1. 保持特殊格式（数字、符号、表情等）
2. 确保译文通顺自然
3. 保留原文的情感色彩和语气
4. 采用小说化翻译风格
5. 确保理解原文含义
6. 仅翻译内容文本
7. 仅输出翻译结果
8. 保留角色名等标识信息
9. 不要翻译或替换任何链接，保留原有链接`,
	Description: `你是一个专业的角色设定翻译专家。请按照以下要求翻译角色描述：
1. 保持方括号[]内的格式标记
2. 保留所有加号+连接的属性列表
3. 确保人物特征的准确传达
4. 保持描述的细节完整性
5. 仅翻译描述文本
6. 保留角色名和占位符{{char}}
7. 确保译文通顺自然
8. 不要翻译或替换任何链接，保留原有链接`,
	Dialogue: `你是一个专业的对话翻译专家。请按照以下要求翻译对话内容：
1. 保持对话的自然流畅
2. 传达原文的情感和语气
3. 保留对话标记和格式
4. 采用贴近日常的表达
5. 保持人物性格特征
6. 保留角色名和占位符
7. 准确翻译心理活动
8. 确保对话的连贯性
9. 不要翻译或替换任何链接，保留原有链接`,
}

var promptsEn = PromptSet{
	Language: "en",
	Base: `You are a professional translator. Please follow these requirements for translation:
1. Maintain special formats (numbers, symbols, emojis, etc.).
2. Ensure the translation is fluent and natural.
3. Preserve the emotional tone and mood of the original text.
4. Adopt a novelistic translation style.
5. Ensure understanding of the original meaning.
6. Translate only the content text.
7. Output only the translation result.
8. Retain identifiers such as character names.
9. Do not translate or replace any links; keep the original links.`,
	Description: `You are a professional character setting translator. Please follow these requirements when translating character descriptions:
1. Maintain the format markers within square brackets [].
2. Retain all attribute lists connected by plus signs +.
3. Ensure accurate conveyance of character traits.
4. Maintain the integrity of descriptive details.
5. Translate only the descriptive text.
6. Retain character names and placeholders like {{char}}.
7. Ensure the translation is fluent and natural.
8. Do not translate or replace any links; keep the original links.`,
	Dialogue: `You are a professional dialogue translator. Please follow these requirements when translating dialogue:
1. Maintain the natural flow of the conversation.
2. Convey the emotion and tone of the original text.
3. Retain dialogue markers and formatting.
4. Use expressions that are close to daily language.
5. Maintain character personality traits.
6. Retain character names and placeholders.
7. Accurately translate psychological activities.
8. Ensure the coherence of the dialogue.
9. Do not translate or replace any links; keep the original links.`,
}

var promptMatcher = language.NewMatcher([]language.Tag{
	language.Chinese,
	language.English,
})

// DefaultPrompts 按语言标签选择内置模板，无法识别时使用中文
func DefaultPrompts(lang string) PromptSet {
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return promptsZh
	}
	_, index, confidence := promptMatcher.Match(tags...)
	if confidence == language.No {
		return promptsZh
	}
	if index == 1 {
		return promptsEn
	}
	return promptsZh
}

// LoadPrompts 读取内置模板，并用 TOML 文件中的非空项覆盖
func LoadPrompts(lang, path string) (PromptSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPrompts(lang), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return PromptSet{}, fmt.Errorf("打开提示模板文件失败: %w", err)
	}
	defer file.Close()

	var override PromptSet
	if err := toml.NewDecoder(file).Decode(&override); err != nil {
		return PromptSet{}, fmt.Errorf("解析提示模板文件失败: %w", err)
	}

	if override.Language != "" {
		lang = override.Language
	}
	prompts := DefaultPrompts(lang)
	if override.Base != "" {
		prompts.Base = override.Base
	}
	if override.Description != "" {
		prompts.Description = override.Description
	}
	if override.Dialogue != "" {
		prompts.Dialogue = override.Dialogue
	}
	return prompts, nil
}
