package pngcard

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"reflect"
	"testing"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/klauspost/compress/zlib"
)

// samplePNG 生成一张不含文本块的小图
func samplePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.RGBA{R: 200, G: 40, B: 90, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("生成测试图片失败: %v", err)
	}
	return buf.Bytes()
}

func sampleCard(t *testing.T) *models.CharacterCard {
	t.Helper()
	card, err := models.ParseCharacterCard([]byte(`{
		"spec": "chara_card_v2",
		"spec_version": "2.0",
		"data": {
			"name": "Aria",
			"description": "[Aria: elf + archer] {{char}} lives in the woods.",
			"first_mes": "Hello, traveler.",
			"alternate_greetings": ["Hi", "", ""],
			"extensions": {"depth": 12345678901234567890}
		}
	}`))
	if err != nil {
		t.Fatalf("解析测试角色卡失败: %v", err)
	}
	return card
}

func textChunk(payload string) Chunk {
	return NewChunk(TypeText, append([]byte(Keyword+"\x00"), payload...))
}

// insertBeforeIEND 在 IEND 前插入额外的块
func insertBeforeIEND(t *testing.T, pngBytes []byte, extra ...Chunk) []byte {
	t.Helper()
	chunks, err := Decode(pngBytes)
	if err != nil {
		t.Fatalf("解码测试图片失败: %v", err)
	}
	out := append([]Chunk{}, chunks[:len(chunks)-1]...)
	out = append(out, extra...)
	out = append(out, chunks[len(chunks)-1])
	return Encode(out)
}

func TestCRC32ReferenceVector(t *testing.T) {
	if got := CRC32("IEND", nil); got != 0xAE426082 {
		t.Fatalf("IEND 的 CRC 应为 0xAE426082，实际 %#08x", got)
	}

	payloads := [][]byte{nil, []byte("hello"), bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 333)}
	for _, p := range payloads {
		want := crc32.ChecksumIEEE(append([]byte("tEXt"), p...))
		if got := CRC32("tEXt", p); got != want {
			t.Fatalf("CRC 与 hash/crc32 不一致: got %#08x want %#08x", got, want)
		}
	}
}

func TestDecodeRejectsMissingSignature(t *testing.T) {
	buf := samplePNG(t)
	buf[1] = 'X'

	_, err := Decode(buf)
	if !apperrors.Is(err, apperrors.ErrorTypeInvalidFormat) {
		t.Fatalf("期望 InvalidFormat，实际 %v", err)
	}

	if _, err := Embed(buf, sampleCard(t)); !apperrors.Is(err, apperrors.ErrorTypeInvalidFormat) {
		t.Fatalf("签名错误时 Embed 也应返回 InvalidFormat，实际 %v", err)
	}

	if _, err := Decode([]byte{0x89, 'P'}); !apperrors.Is(err, apperrors.ErrorTypeInvalidFormat) {
		t.Fatalf("过短的输入应返回 InvalidFormat，实际 %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	buf := samplePNG(t)

	cases := map[string][]byte{
		"只有签名":   buf[:len(Signature)],
		"块头不完整":  buf[:len(Signature)+5],
		"数据被截断":  buf[:len(Signature)+8+6],
		"缺少IEND": buf[:len(buf)-12],
	}
	for name, input := range cases {
		chunks, err := Decode(input)
		if !apperrors.Is(err, apperrors.ErrorTypeTruncated) {
			t.Fatalf("%s: 期望 Truncated，实际 %v", name, err)
		}
		if chunks != nil {
			t.Fatalf("%s: 出错时不应返回部分结果", name)
		}
	}
}

func TestDecodeEncodeIsByteIdentical(t *testing.T) {
	buf := samplePNG(t)
	chunks, err := Decode(buf)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if chunks[len(chunks)-1].Type != TypeIEND {
		t.Fatalf("最后一个块应为 IEND")
	}
	for _, c := range chunks {
		if !c.CRCValid() {
			t.Fatalf("%s 块 CRC 校验失败", c.Type)
		}
	}
	if !bytes.Equal(Encode(chunks), buf) {
		t.Fatal("解码再编码后字节应完全一致")
	}
}

func TestEmbedExtractRoundTrip(t *testing.T) {
	buf := samplePNG(t)
	card := sampleCard(t)

	out, err := Embed(buf, card)
	if err != nil {
		t.Fatalf("嵌入失败: %v", err)
	}
	got, err := Extract(out)
	if err != nil {
		t.Fatalf("提取失败: %v", err)
	}

	want, _ := json.Marshal(card)
	have, _ := json.Marshal(got)
	var wantObj, haveObj interface{}
	json.Unmarshal(want, &wantObj)
	json.Unmarshal(have, &haveObj)
	if !reflect.DeepEqual(wantObj, haveObj) {
		t.Fatalf("往返后角色卡不一致:\nwant %s\nhave %s", want, have)
	}
	if !bytes.Contains(have, []byte("12345678901234567890")) {
		t.Fatalf("大整数精度丢失: %s", have)
	}
}

func TestEmbedPassesOtherChunksThrough(t *testing.T) {
	buf := insertBeforeIEND(t, samplePNG(t),
		textChunk("old"),
		NewChunk(TypeText, []byte("Software\x00paint")),
		NewChunk("tIME", []byte{0x07, 0xe8, 1, 2, 3, 4, 5}),
	)

	// 人为破坏 tIME 的 CRC，透传时必须原样保留
	original, _ := Decode(buf)
	for i := range original {
		if original[i].Type == "tIME" {
			original[i].CRC = 0xDEADBEEF
		}
	}
	buf = Encode(original)

	out, err := Embed(buf, sampleCard(t))
	if err != nil {
		t.Fatalf("嵌入失败: %v", err)
	}
	rebuilt, err := Decode(out)
	if err != nil {
		t.Fatalf("解码结果失败: %v", err)
	}

	var kept []Chunk
	textCount := 0
	for i, c := range rebuilt {
		if c.IsText() {
			textCount++
			if rebuilt[i+1].Type != TypeIEND {
				t.Fatal("新的 chara 块必须紧挨在 IEND 之前")
			}
			continue
		}
		kept = append(kept, c)
	}
	if textCount != 1 {
		t.Fatalf("应只剩一个文本块，实际 %d", textCount)
	}

	var expected []Chunk
	for _, c := range original {
		if !c.IsText() {
			expected = append(expected, c)
		}
	}
	if !reflect.DeepEqual(kept, expected) {
		t.Fatal("非文本块应逐字节透传（包括 CRC）")
	}
}

func TestExtractZText(t *testing.T) {
	raw, _ := json.Marshal(sampleCard(t))
	encoded := base64.StdEncoding.EncodeToString(raw)

	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	w.Write([]byte(encoded))
	w.Close()

	data := append([]byte(Keyword+"\x00\x00"), compressed.Bytes()...)
	buf := insertBeforeIEND(t, samplePNG(t), NewChunk(TypeZText, data))

	card, err := Extract(buf)
	if err != nil {
		t.Fatalf("提取 zTXt 失败: %v", err)
	}
	if card.Name() != "Aria" {
		t.Fatalf("角色名错误: %q", card.Name())
	}
}

func TestExtractZTextInflateLimit(t *testing.T) {
	old := MaxInflatedSize
	MaxInflatedSize = 4 << 10
	defer func() { MaxInflatedSize = old }()

	// 高压缩比数据：压缩后很小，解压后超过上限
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	w.Write(bytes.Repeat([]byte("A"), 1<<20))
	w.Close()
	if compressed.Len() >= 4<<10 {
		t.Fatalf("压缩数据应远小于上限，实际 %d", compressed.Len())
	}

	data := append([]byte(Keyword+"\x00\x00"), compressed.Bytes()...)
	buf := insertBeforeIEND(t, samplePNG(t), NewChunk(TypeZText, data))
	if _, err := Extract(buf); !apperrors.Is(err, apperrors.ErrorTypeParse) {
		t.Fatalf("超限的 zTXt 应返回 ParseError，实际 %v", err)
	}

	// 恰好等于上限时仍可解压
	compressed.Reset()
	w = zlib.NewWriter(&compressed)
	w.Write(bytes.Repeat([]byte("A"), 4<<10))
	w.Close()
	inflated, err := inflateZText(append([]byte{0}, compressed.Bytes()...))
	if err != nil || len(inflated) != 4<<10 {
		t.Fatalf("上限以内应正常解压: %d %v", len(inflated), err)
	}
}

func TestExtractZTextUnsupportedCompression(t *testing.T) {
	data := append([]byte(Keyword+"\x00\x01"), []byte("whatever")...)
	buf := insertBeforeIEND(t, samplePNG(t), NewChunk(TypeZText, data))

	if _, err := Extract(buf); !apperrors.Is(err, apperrors.ErrorTypeUnsupportedCompression) {
		t.Fatalf("期望 UnsupportedCompression，实际 %v", err)
	}
}

func TestExtractSkipsOtherKeywords(t *testing.T) {
	raw, _ := json.Marshal(sampleCard(t))
	buf := insertBeforeIEND(t, samplePNG(t),
		NewChunk(TypeText, []byte("Comment\x00hello")),
		textChunk(base64.StdEncoding.EncodeToString(raw)),
	)
	card, err := Extract(buf)
	if err != nil {
		t.Fatalf("提取失败: %v", err)
	}
	if card.Field(models.FieldFirstMes) != "Hello, traveler." {
		t.Fatalf("first_mes 错误: %q", card.Field(models.FieldFirstMes))
	}
}

func TestExtractMetadataNotFound(t *testing.T) {
	buf := insertBeforeIEND(t, samplePNG(t), NewChunk(TypeText, []byte("Comment\x00hello")))
	if _, err := Extract(buf); !apperrors.Is(err, apperrors.ErrorTypeMetadataNotFound) {
		t.Fatalf("期望 MetadataNotFound，实际 %v", err)
	}
}

func TestExtractParseErrors(t *testing.T) {
	cases := map[string]string{
		"非法base64": "@@not-base64@@",
		"非法JSON":   base64.StdEncoding.EncodeToString([]byte("{not json")),
		"非法UTF8":   base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd}),
	}
	for name, payload := range cases {
		buf := insertBeforeIEND(t, samplePNG(t), textChunk(payload))
		if _, err := Extract(buf); !apperrors.Is(err, apperrors.ErrorTypeParse) {
			t.Fatalf("%s: 期望 ParseError，实际 %v", name, err)
		}
	}
}

func TestInspect(t *testing.T) {
	buf := insertBeforeIEND(t, samplePNG(t), textChunk("abc"))
	summaries, err := Inspect(buf)
	if err != nil {
		t.Fatalf("Inspect 失败: %v", err)
	}
	if summaries[0].Type != "IHDR" {
		t.Fatalf("第一个块应为 IHDR，实际 %s", summaries[0].Type)
	}
	found := false
	for _, s := range summaries {
		if s.Type == TypeText {
			found = s.Keyword == Keyword && s.CRCOk
		}
	}
	if !found {
		t.Fatal("应识别出 chara 关键字")
	}
}
