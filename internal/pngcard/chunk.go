// internal/pngcard/chunk.go
package pngcard

import (
	"bytes"
	"encoding/binary"
	"fmt"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
)

// Signature PNG 文件的 8 字节签名
var Signature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

const (
	TypeText  = "tEXt"
	TypeZText = "zTXt"
	TypeIEND  = "IEND"
)

// Chunk PNG 数据块
type Chunk struct {
	Length uint32
	Type   string
	Data   []byte
	CRC    uint32
}

// NewChunk 构造新块并计算 CRC
func NewChunk(chunkType string, data []byte) Chunk {
	return Chunk{
		Length: uint32(len(data)),
		Type:   chunkType,
		Data:   data,
		CRC:    CRC32(chunkType, data),
	}
}

// IsText 是否为文本元数据块
func (c Chunk) IsText() bool {
	return c.Type == TypeText || c.Type == TypeZText
}

// CRCValid 存储的 CRC 是否与内容一致
func (c Chunk) CRCValid() bool {
	return c.CRC == CRC32(c.Type, c.Data)
}

// Decode 按大端长度前缀拆分 PNG 块
// 任何越界读取都返回 Truncated，不返回部分结果
func Decode(buf []byte) ([]Chunk, error) {
	if len(buf) < len(Signature) || !bytes.Equal(buf[:len(Signature)], Signature) {
		return nil, apperrors.NewInvalidFormatError("不是有效的 PNG 文件：签名不匹配")
	}

	chunks := make([]Chunk, 0, 8)
	offset := len(Signature)
	for offset < len(buf) {
		if offset+8 > len(buf) {
			return nil, apperrors.NewTruncatedError(fmt.Sprintf("偏移 %d 处的块头不完整", offset))
		}
		length := binary.BigEndian.Uint32(buf[offset : offset+4])
		chunkType := string(buf[offset+4 : offset+8])
		offset += 8

		// 使用 uint64 避免超大长度在 32 位平台溢出
		end := uint64(offset) + uint64(length)
		if end+4 > uint64(len(buf)) {
			return nil, apperrors.NewTruncatedError(fmt.Sprintf("%s 块声明长度 %d 超出文件范围", chunkType, length))
		}

		data := make([]byte, length)
		copy(data, buf[offset:int(end)])
		offset = int(end)
		crc := binary.BigEndian.Uint32(buf[offset : offset+4])
		offset += 4

		chunks = append(chunks, Chunk{Length: length, Type: chunkType, Data: data, CRC: crc})
		if chunkType == TypeIEND {
			break
		}
	}

	if len(chunks) == 0 || chunks[len(chunks)-1].Type != TypeIEND {
		return nil, apperrors.NewTruncatedError("缺少 IEND 块")
	}
	return chunks, nil
}

// Encode 将块序列写回 PNG 字节流，每个块按原样写出 CRC
func Encode(chunks []Chunk) []byte {
	size := len(Signature)
	for _, c := range chunks {
		size += 12 + len(c.Data)
	}

	out := make([]byte, 0, size)
	out = append(out, Signature...)
	var word [4]byte
	for _, c := range chunks {
		binary.BigEndian.PutUint32(word[:], uint32(len(c.Data)))
		out = append(out, word[:]...)
		out = append(out, c.Type...)
		out = append(out, c.Data...)
		binary.BigEndian.PutUint32(word[:], c.CRC)
		out = append(out, word[:]...)
	}
	return out
}

// ChunkSummary 块的概要信息
type ChunkSummary struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Length  uint32 `json:"length"`
	CRC     uint32 `json:"crc"`
	CRCOk   bool   `json:"crc_ok"`
	Keyword string `json:"keyword,omitempty"`
}

// Inspect 列出 PNG 中的全部块
func Inspect(buf []byte) ([]ChunkSummary, error) {
	chunks, err := Decode(buf)
	if err != nil {
		return nil, err
	}
	summaries := make([]ChunkSummary, 0, len(chunks))
	for i, c := range chunks {
		summary := ChunkSummary{
			Index:  i,
			Type:   c.Type,
			Length: c.Length,
			CRC:    c.CRC,
			CRCOk:  c.CRCValid(),
		}
		if c.IsText() {
			if idx := bytes.IndexByte(c.Data, 0); idx > 0 {
				summary.Keyword = string(c.Data[:idx])
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
