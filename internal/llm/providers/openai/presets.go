// internal/llm/providers/openai/presets.go
package openai

import (
	"sort"

	"github.com/Corphon/CharaCardTranslator/internal/llm"
)

// Preset 兼容 chat/completions 协议的第三方端点
type Preset struct {
	Name        string
	DisplayName string
	BaseURL     string
	Model       string
}

var presets = map[string]Preset{
	"openrouter":   {Name: "openrouter", DisplayName: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1", Model: "google/gemma-3-27b-it:free"},
	"githubmodels": {Name: "githubmodels", DisplayName: "GitHub Models", BaseURL: "https://models.inference.ai.azure.com", Model: "gpt-4o-mini"},
	"grok":         {Name: "grok", DisplayName: "Grok", BaseURL: "https://api.x.ai/v1", Model: "grok-3"},
	"qwen":         {Name: "qwen", DisplayName: "通义千问", BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1", Model: "qwen-max"},
	"glm":          {Name: "glm", DisplayName: "智谱 GLM", BaseURL: "https://open.bigmodel.cn/api/paas/v4", Model: "glm-4"},
	"deepseek":     {Name: "deepseek", DisplayName: "DeepSeek", BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
}

func registerPresets() {
	for name := range presets {
		preset := presets[name]
		llm.Register(name, func() llm.Provider {
			return &Provider{preset: &preset}
		})
	}
}

// LookupPreset 按名称查找预设；openai 本身返回默认端点
func LookupPreset(name string) (Preset, bool) {
	if name == "" || name == ProviderName {
		return Preset{Name: ProviderName, DisplayName: "OpenAI", BaseURL: DefaultBaseURL, Model: DefaultModel}, true
	}
	preset, ok := presets[name]
	return preset, ok
}

// Presets 返回全部预设，按名称排序
func Presets() []Preset {
	list := make([]Preset, 0, len(presets)+1)
	openai, _ := LookupPreset(ProviderName)
	list = append(list, openai)
	for _, preset := range presets {
		list = append(list, preset)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
