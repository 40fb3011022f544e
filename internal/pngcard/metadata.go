// internal/pngcard/metadata.go
package pngcard

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/klauspost/compress/zlib"
)

// Keyword 角色卡元数据使用的关键字
const Keyword = "chara"

// MaxInflatedSize zTXt 解压后的上限，超出按解析错误处理
var MaxInflatedSize int64 = 32 << 20

// ExtractMetadata 在块序列中查找第一个 chara 文本块并解析角色卡
func ExtractMetadata(chunks []Chunk) (*models.CharacterCard, error) {
	for _, c := range chunks {
		if !c.IsText() {
			continue
		}
		keyword, rest, ok := splitKeyword(c.Data)
		if !ok || keyword != Keyword {
			continue
		}

		var payload []byte
		switch c.Type {
		case TypeText:
			payload = rest
		case TypeZText:
			inflated, err := inflateZText(rest)
			if err != nil {
				return nil, err
			}
			payload = inflated
		}
		return decodePayload(payload)
	}
	return nil, apperrors.NewMetadataNotFoundError()
}

// EmbedMetadata 丢弃已有文本块，在 IEND 之前插入新的 chara tEXt 块
// 其它块原样透传
func EmbedMetadata(chunks []Chunk, card *models.CharacterCard) ([]Chunk, error) {
	raw, err := json.Marshal(card)
	if err != nil {
		return nil, apperrors.NewParseError("序列化角色卡失败", err)
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	data := make([]byte, 0, len(Keyword)+1+len(encoded))
	data = append(data, Keyword...)
	data = append(data, 0)
	data = append(data, encoded...)
	metaChunk := NewChunk(TypeText, data)

	out := make([]Chunk, 0, len(chunks)+1)
	inserted := false
	for _, c := range chunks {
		if c.IsText() {
			continue
		}
		if c.Type == TypeIEND && !inserted {
			out = append(out, metaChunk)
			inserted = true
		}
		out = append(out, c)
	}
	if !inserted {
		return nil, apperrors.NewTruncatedError("缺少 IEND 块，无法嵌入元数据")
	}
	return out, nil
}

// Extract 从 PNG 字节中读取角色卡
func Extract(png []byte) (*models.CharacterCard, error) {
	chunks, err := Decode(png)
	if err != nil {
		return nil, err
	}
	return ExtractMetadata(chunks)
}

// Embed 将角色卡写入 PNG 字节，返回新的 PNG
func Embed(png []byte, card *models.CharacterCard) ([]byte, error) {
	chunks, err := Decode(png)
	if err != nil {
		return nil, err
	}
	rebuilt, err := EmbedMetadata(chunks, card)
	if err != nil {
		return nil, err
	}
	return Encode(rebuilt), nil
}

func splitKeyword(data []byte) (string, []byte, bool) {
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", nil, false
	}
	return string(data[:idx]), data[idx+1:], true
}

// inflateZText 处理 zTXt 的压缩方式字节和 zlib 数据
func inflateZText(rest []byte) ([]byte, error) {
	if len(rest) < 1 {
		return nil, apperrors.NewTruncatedError("zTXt 块缺少压缩方式字节")
	}
	if rest[0] != 0 {
		return nil, apperrors.NewUnsupportedCompressionError(rest[0])
	}

	reader, err := zlib.NewReader(bytes.NewReader(rest[1:]))
	if err != nil {
		return nil, apperrors.NewParseError("zTXt 解压失败", err)
	}
	defer reader.Close()

	limit := MaxInflatedSize
	inflated, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, apperrors.NewParseError("zTXt 解压失败", err)
	}
	if int64(len(inflated)) > limit {
		return nil, apperrors.NewParseError(fmt.Sprintf("zTXt 解压后超过 %d 字节", limit), nil)
	}
	return inflated, nil
}

func decodePayload(payload []byte) (*models.CharacterCard, error) {
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(payload)))
	if err != nil {
		return nil, apperrors.NewParseError("base64 解码失败", err)
	}
	if !utf8.Valid(raw) {
		return nil, apperrors.NewParseError("元数据不是有效的 UTF-8", nil)
	}

	card, err := models.ParseCharacterCard(raw)
	if err != nil {
		return nil, apperrors.NewParseError("角色卡 JSON 解析失败", err)
	}
	return card, nil
}
