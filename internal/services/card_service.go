// internal/services/card_service.go
package services

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/Corphon/CharaCardTranslator/internal/errors"
	"github.com/Corphon/CharaCardTranslator/internal/models"
	"github.com/Corphon/CharaCardTranslator/internal/pngcard"
	"github.com/Corphon/CharaCardTranslator/internal/storage"
	"github.com/google/uuid"
)

// 存储中的文件名
const (
	sourceFileName = "source.png"
	metaFileName   = "meta.json"
	outputJSONName = "card.json"
	outputPNGName  = "card.png"
)

// 产物类型
const (
	ArtifactJSON  = "json"
	ArtifactImage = "image"
)

// UploadedCard 已上传并解析过的角色卡图片
type UploadedCard struct {
	FileID     string                `json:"file_id"`
	SourceName string                `json:"source_name"`
	Size       int                   `json:"size"`
	Card       *models.CharacterCard `json:"card"`
	CreatedAt  time.Time             `json:"created_at"`
}

type uploadMeta struct {
	FileID     string    `json:"file_id"`
	SourceName string    `json:"source_name"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// CardService 上传文件与翻译产物的存取
type CardService struct {
	storage  *storage.FileStorage
	maxBytes int64
}

// NewCardService 创建角色卡服务，maxBytes<=0 表示不限制
func NewCardService(fs *storage.FileStorage, maxBytes int64) *CardService {
	return &CardService{storage: fs, maxBytes: maxBytes}
}

// Upload 校验 PNG 并提取角色卡，成功后落盘
func (s *CardService) Upload(name string, data []byte) (*UploadedCard, error) {
	if len(data) == 0 {
		return nil, apperrors.NewValidationError("文件为空", nil)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, apperrors.NewValidationError(fmt.Sprintf("文件超过大小限制 %d 字节", s.maxBytes), nil)
	}

	card, err := pngcard.Extract(data)
	if err != nil {
		return nil, err
	}
	// 缺少 data 对象的卡不落盘，避免启动任务时才失败
	if err := card.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}

	meta := uploadMeta{
		FileID:     uuid.NewString(),
		SourceName: cleanSourceName(name),
		Size:       len(data),
		CreatedAt:  time.Now(),
	}
	dir := filepath.Join(storage.DirUploads, meta.FileID)
	if err := s.storage.SaveFile(dir, sourceFileName, data); err != nil {
		return nil, apperrors.NewProcessingError("保存上传文件失败", err)
	}
	if err := s.storage.SaveJSONFile(dir, metaFileName, meta); err != nil {
		return nil, apperrors.NewProcessingError("保存上传信息失败", err)
	}

	return &UploadedCard{
		FileID:     meta.FileID,
		SourceName: meta.SourceName,
		Size:       meta.Size,
		Card:       card,
		CreatedAt:  meta.CreatedAt,
	}, nil
}

// Load 读取上传的原图并重新解析角色卡
func (s *CardService) Load(fileID string) ([]byte, *UploadedCard, error) {
	if _, err := uuid.Parse(fileID); err != nil {
		return nil, nil, apperrors.NewValidationError("无效的文件 ID", err)
	}
	dir := filepath.Join(storage.DirUploads, fileID)
	if !s.storage.FileExists(dir, sourceFileName) {
		return nil, nil, apperrors.NewNotFoundError("文件不存在: "+fileID, nil)
	}

	var meta uploadMeta
	if err := s.storage.LoadJSONFile(dir, metaFileName, &meta); err != nil {
		return nil, nil, apperrors.NewProcessingError("读取上传信息失败", err)
	}
	data, err := s.storage.LoadFile(dir, sourceFileName)
	if err != nil {
		return nil, nil, apperrors.NewProcessingError("读取上传文件失败", err)
	}
	card, err := pngcard.Extract(data)
	if err != nil {
		return nil, nil, err
	}
	return data, &UploadedCard{
		FileID:     meta.FileID,
		SourceName: meta.SourceName,
		Size:       meta.Size,
		Card:       card,
		CreatedAt:  meta.CreatedAt,
	}, nil
}

// Embed 把角色卡写入给定 PNG
func (s *CardService) Embed(pngBytes []byte, card *models.CharacterCard) ([]byte, error) {
	if card == nil {
		return nil, apperrors.NewValidationError("角色卡为空", nil)
	}
	if err := card.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}
	return pngcard.Embed(pngBytes, card)
}

// SaveOutputs 保存翻译后的 JSON 与 PNG
func (s *CardService) SaveOutputs(taskID string, card *models.CharacterCard, pngBytes []byte) error {
	dir := filepath.Join(storage.DirOutputs, taskID)
	if err := s.storage.SaveJSONFile(dir, outputJSONName, card); err != nil {
		return apperrors.NewProcessingError("保存翻译结果失败", err)
	}
	if err := s.storage.SaveFile(dir, outputPNGName, pngBytes); err != nil {
		return apperrors.NewProcessingError("保存翻译图片失败", err)
	}
	return nil
}

// LoadOutput 读取产物，返回内容与建议的下载文件名
func (s *CardService) LoadOutput(taskID, kind, sourceName string) ([]byte, string, error) {
	dir := filepath.Join(storage.DirOutputs, taskID)
	base := strings.TrimSuffix(cleanSourceName(sourceName), filepath.Ext(sourceName))

	var file, download string
	switch kind {
	case ArtifactJSON:
		file, download = outputJSONName, base+"_translated.json"
	case ArtifactImage:
		file, download = outputPNGName, base+"_translated.png"
	default:
		return nil, "", apperrors.NewValidationError("未知的产物类型: "+kind, nil)
	}

	if !s.storage.FileExists(dir, file) {
		return nil, "", apperrors.NewNotFoundError("翻译结果不存在", nil)
	}
	data, err := s.storage.LoadFile(dir, file)
	if err != nil {
		return nil, "", apperrors.NewProcessingError("读取翻译结果失败", err)
	}
	return data, download, nil
}

// RemoveOutputs 删除任务产物
func (s *CardService) RemoveOutputs(taskID string) error {
	return s.storage.DeleteDir(filepath.Join(storage.DirOutputs, taskID))
}

// Purge 删除过期的上传与产物
func (s *CardService) Purge(maxAge time.Duration) int {
	return s.storage.PurgeOlderThan(storage.DirUploads, maxAge) +
		s.storage.PurgeOlderThan(storage.DirOutputs, maxAge)
}

func cleanSourceName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "card.png"
	}
	return name
}
