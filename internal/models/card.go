// internal/models/card.go
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// 可翻译的标量字段，按翻译顺序排列
const (
	FieldDescription  = "description"
	FieldPersonality  = "personality"
	FieldScenario     = "scenario"
	FieldFirstMes     = "first_mes"
	FieldMesExample   = "mes_example"
	FieldSystemPrompt = "system_prompt"

	// FieldAlternateGreetings 整个问候语列表只占一个字段槽位
	FieldAlternateGreetings = "alternate_greetings"
)

// ScalarFields 六个标量字段的固定翻译顺序
var ScalarFields = []string{
	FieldDescription,
	FieldPersonality,
	FieldScenario,
	FieldFirstMes,
	FieldMesExample,
	FieldSystemPrompt,
}

// FieldSlots 进度统计使用的全部字段槽位（6 个标量 + 1 个问候语列表）
var FieldSlots = append(append([]string{}, ScalarFields...), FieldAlternateGreetings)

// fieldDisplayNames 字段的中文显示名称，日志行和兼容解析都依赖这些名称
var fieldDisplayNames = map[string]string{
	FieldFirstMes:           "对话内容",
	FieldAlternateGreetings: "可选问候语",
	FieldDescription:        "角色描述",
	FieldPersonality:        "角色性格",
	FieldMesExample:         "对话示例",
	FieldSystemPrompt:       "系统提示",
	FieldScenario:           "场景描述",
}

// DisplayName 返回字段的显示名称，未知字段原样返回
func DisplayName(field string) string {
	if name, ok := fieldDisplayNames[field]; ok {
		return name
	}
	return field
}

// FieldForDisplayName 根据显示名称反查字段名
func FieldForDisplayName(name string) (string, bool) {
	for field, display := range fieldDisplayNames {
		if display == name {
			return field, true
		}
	}
	return "", false
}

// CharacterCard 嵌入在 PNG 中的角色卡
// 底层保留完整的 JSON 对象，未知键和数字精度在往返过程中不丢失
type CharacterCard struct {
	root map[string]interface{}
}

// NewCharacterCard 用给定的 data 对象创建角色卡
func NewCharacterCard(data map[string]interface{}) *CharacterCard {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &CharacterCard{root: map[string]interface{}{"data": data}}
}

// ParseCharacterCard 解析角色卡 JSON，数字以 json.Number 保存
func ParseCharacterCard(raw []byte) (*CharacterCard, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root map[string]interface{}
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("角色卡 JSON 后存在多余内容")
	}
	if root == nil {
		return nil, fmt.Errorf("角色卡 JSON 不是对象")
	}
	return &CharacterCard{root: root}, nil
}

// MarshalJSON 实现 json.Marshaler
func (c *CharacterCard) MarshalJSON() ([]byte, error) {
	if c == nil || c.root == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c.root)
}

// UnmarshalJSON 实现 json.Unmarshaler
func (c *CharacterCard) UnmarshalJSON(raw []byte) error {
	parsed, err := ParseCharacterCard(raw)
	if err != nil {
		return err
	}
	c.root = parsed.root
	return nil
}

// Validate 检查必需的 data 对象
func (c *CharacterCard) Validate() error {
	if c == nil || c.root == nil {
		return fmt.Errorf("角色卡为空")
	}
	if _, ok := c.root["data"].(map[string]interface{}); !ok {
		return fmt.Errorf("角色卡缺少 data 对象")
	}
	return nil
}

// Data 返回 data 对象，不存在时创建
func (c *CharacterCard) Data() map[string]interface{} {
	if c.root == nil {
		c.root = map[string]interface{}{}
	}
	data, ok := c.root["data"].(map[string]interface{})
	if !ok {
		data = map[string]interface{}{}
		c.root["data"] = data
	}
	return data
}

// Name 返回角色名称
func (c *CharacterCard) Name() string {
	name, _ := c.Data()["name"].(string)
	if name == "" {
		name, _ = c.root["name"].(string)
	}
	return name
}

// Field 返回标量字段的值，缺失或非字符串时为空
func (c *CharacterCard) Field(field string) string {
	value, _ := c.Data()[field].(string)
	return value
}

// SetField 设置标量字段
func (c *CharacterCard) SetField(field, value string) {
	c.Data()[field] = value
}

// Greetings 返回 alternate_greetings 的副本，非字符串元素视为空占位
func (c *CharacterCard) Greetings() []string {
	raw, ok := c.Data()[FieldAlternateGreetings].([]interface{})
	if !ok {
		if typed, ok := c.Data()[FieldAlternateGreetings].([]string); ok {
			return append([]string(nil), typed...)
		}
		return nil
	}
	greetings := make([]string, len(raw))
	for i, item := range raw {
		greetings[i], _ = item.(string)
	}
	return greetings
}

// SetGreeting 替换指定位置的问候语，长度与顺序保持不变
func (c *CharacterCard) SetGreeting(index int, value string) {
	raw, ok := c.Data()[FieldAlternateGreetings].([]interface{})
	if !ok {
		greetings := c.Greetings()
		raw = make([]interface{}, len(greetings))
		for i, g := range greetings {
			raw[i] = g
		}
		c.Data()[FieldAlternateGreetings] = raw
	}
	if index < 0 || index >= len(raw) {
		return
	}
	raw[index] = value
}

// Clone 深拷贝角色卡
func (c *CharacterCard) Clone() *CharacterCard {
	if c == nil {
		return nil
	}
	raw, err := c.MarshalJSON()
	if err != nil {
		return &CharacterCard{root: map[string]interface{}{}}
	}
	cloned, err := ParseCharacterCard(raw)
	if err != nil {
		return &CharacterCard{root: map[string]interface{}{}}
	}
	return cloned
}
