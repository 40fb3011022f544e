// internal/storage/file_storage.go
package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 数据目录下的子目录
const (
	DirUploads = "uploads"
	DirOutputs = "outputs"
)

// FileStorage 上传文件与翻译产物的磁盘存储，带一个小的读缓存
type FileStorage struct {
	BaseDir string

	fileLocks sync.Map // path -> *sync.RWMutex

	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	stop     chan struct{}
	stopOnce sync.Once
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewFileStorage 创建存储并启动缓存清理
func NewFileStorage(baseDir string) (*FileStorage, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, DirUploads), filepath.Join(baseDir, DirOutputs)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建存储目录失败: %w", err)
		}
	}

	fs := &FileStorage{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 50,
		stop:         make(chan struct{}),
	}
	go fs.cacheCleanupLoop()
	return fs, nil
}

// resolve 拒绝逃出数据目录的路径
func (fs *FileStorage) resolve(dirPath, filename string) (string, error) {
	if filename != "" && filepath.Base(filename) != filename {
		return "", fmt.Errorf("非法文件名: %s", filename)
	}
	full := filepath.Join(fs.BaseDir, dirPath, filename)
	rel, err := filepath.Rel(fs.BaseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("非法路径: %s", filepath.Join(dirPath, filename))
	}
	return full, nil
}

func (fs *FileStorage) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// SaveFile 先写临时文件再重命名
func (fs *FileStorage) SaveFile(dirPath, filename string, content []byte) error {
	fullPath, err := fs.resolve(dirPath, filename)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			log.Printf("⚠️ 清理临时文件 %s 失败: %v", tempPath, removeErr)
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	fs.invalidateCache(fullPath)
	return nil
}

// SaveJSONFile 保存JSON文件
func (fs *FileStorage) SaveJSONFile(dirPath, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化JSON失败: %w", err)
	}
	return fs.SaveFile(dirPath, filename, content)
}

// LoadFile 读取文件，命中缓存时直接返回
func (fs *FileStorage) LoadFile(dirPath, filename string) ([]byte, error) {
	fullPath, err := fs.resolve(dirPath, filename)
	if err != nil {
		return nil, err
	}

	if data, ok := fs.cached(fullPath); ok {
		return data, nil
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}

	fs.updateCache(fullPath, content)
	return content, nil
}

// LoadJSONFile 读取并解析JSON文件
func (fs *FileStorage) LoadJSONFile(dirPath, filename string, v interface{}) error {
	content, err := fs.LoadFile(dirPath, filename)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("解析JSON失败: %w", err)
	}
	return nil
}

// FileExists 检查文件是否存在
func (fs *FileStorage) FileExists(dirPath, filename string) bool {
	fullPath, err := fs.resolve(dirPath, filename)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}

// DeleteDir 删除目录及其内容
func (fs *FileStorage) DeleteDir(dirPath string) error {
	fullPath, err := fs.resolve(dirPath, "")
	if err != nil {
		return err
	}
	if fullPath == filepath.Clean(fs.BaseDir) {
		return fmt.Errorf("不能删除数据根目录")
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("删除目录失败: %w", err)
	}
	fs.removeCacheEntriesWithPrefix(fullPath)
	return nil
}

// ListDirs 列出目录下的所有子目录
func (fs *FileStorage) ListDirs(dirPath string) ([]string, error) {
	fullPath, err := fs.resolve(dirPath, "")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs, nil
}

// PurgeOlderThan 删除 dirPath 下修改时间早于 maxAge 的子目录，返回删除数量
func (fs *FileStorage) PurgeOlderThan(dirPath string, maxAge time.Duration) int {
	dirs, err := fs.ListDirs(dirPath)
	if err != nil {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, name := range dirs {
		sub := filepath.Join(dirPath, name)
		full, err := fs.resolve(sub, "")
		if err != nil {
			continue
		}
		info, err := os.Stat(full)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if fs.DeleteDir(sub) == nil {
			removed++
		}
	}
	return removed
}

// Close 停止后台清理
func (fs *FileStorage) Close() error {
	fs.stopOnce.Do(func() { close(fs.stop) })
	return nil
}

func (fs *FileStorage) cached(path string) ([]byte, bool) {
	fs.cacheMutex.RLock()
	defer fs.cacheMutex.RUnlock()
	entry, exists := fs.cache[path]
	if !exists || time.Since(entry.Timestamp) >= fs.cacheExpiry {
		return nil, false
	}
	return entry.Data, true
}

func (fs *FileStorage) updateCache(path string, data []byte) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	fs.cache[path] = &CacheEntry{Data: data, Timestamp: time.Now()}
	fs.enforceMaxCacheSizeLocked()
}

func (fs *FileStorage) cacheCleanupLoop() {
	ticker := time.NewTicker(2 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-fs.stop:
			return
		case <-ticker.C:
			fs.cleanupExpiredCache()
		}
	}
}

func (fs *FileStorage) cleanupExpiredCache() {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	now := time.Now()
	for path, entry := range fs.cache {
		if now.Sub(entry.Timestamp) > fs.cacheExpiry {
			delete(fs.cache, path)
		}
	}
}

// enforceMaxCacheSizeLocked 超出上限时按时间淘汰最旧的条目
func (fs *FileStorage) enforceMaxCacheSizeLocked() {
	if len(fs.cache) <= fs.maxCacheSize {
		return
	}

	keys := make([]string, 0, len(fs.cache))
	for key := range fs.cache {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return fs.cache[keys[i]].Timestamp.Before(fs.cache[keys[j]].Timestamp)
	})
	for _, key := range keys[:len(keys)-fs.maxCacheSize] {
		delete(fs.cache, key)
	}
}

func (fs *FileStorage) removeCacheEntriesWithPrefix(prefix string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()

	for key := range fs.cache {
		if strings.HasPrefix(key, prefix) {
			delete(fs.cache, key)
		}
	}
}

func (fs *FileStorage) invalidateCache(path string) {
	fs.cacheMutex.Lock()
	defer fs.cacheMutex.Unlock()
	delete(fs.cache, path)
}
