// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Corphon/CharaCardTranslator/internal/utils"
	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
	configSecret  string
)

// 默认值
const (
	DefaultAPIBase   = "https://api.openai.com/v1"
	DefaultModelName = "gpt-4-1106-preview"
	DefaultLanguage  = "zh"
)

// LLMSettings 翻译时默认使用的 LLM 参数
type LLMSettings struct {
	BaseURL   string `json:"base_url"`
	ModelName string `json:"model_name"`
	APIKey    string `json:"api_key,omitempty"` // 落盘时为密文
}

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// 翻译相关配置
	PromptLanguage string      `json:"prompt_language"`
	PromptsFile    string      `json:"prompts_file,omitempty"`
	LLM            LLMSettings `json:"llm"`
}

// Config 存储应用配置
type Config struct {
	Port           string
	DataDir        string
	LogDir         string
	DebugMode      bool
	OpenAIAPIKey   string
	OpenAIAPIBase  string
	ModelName      string
	PromptLanguage string
	PromptsFile    string
	ConfigSecret   string
	TaskTimeout    time.Duration
	MaxUploadBytes int64
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		DataDir:        getEnvPath("DATA_DIR", "data"),
		LogDir:         getEnvPath("LOG_DIR", "logs"),
		DebugMode:      getEnvBool("DEBUG_MODE", false),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIAPIBase:  getEnv("OPENAI_API_BASE", DefaultAPIBase),
		ModelName:      getEnv("MODEL_NAME", DefaultModelName),
		PromptLanguage: getEnv("PROMPT_LANGUAGE", DefaultLanguage),
		PromptsFile:    getEnv("PROMPTS_FILE", ""),
		ConfigSecret:   getEnv("CONFIG_SECRET", ""),
		TaskTimeout:    getEnvDuration("TASK_TIMEOUT", 2*time.Hour),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_MB", 20)) << 20,
	}

	if config.OpenAIAPIKey == "" {
		// 只记录警告，每个任务仍可自带 API 密钥
		log.Println("警告: 未设置 OPENAI_API_KEY，翻译请求需要自行提供 api_key")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，并确保目录存在
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}

// InitConfig 初始化配置管理器
func InitConfig(baseConfig *Config) error {
	configFile = filepath.Join(baseConfig.DataDir, "config.json")
	configSecret = baseConfig.ConfigSecret

	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = fromBase(baseConfig)

	// 尝试从文件加载已保存的 LLM 设置
	if data, err := os.ReadFile(configFile); err == nil {
		var savedConfig AppConfig
		if json.Unmarshal(data, &savedConfig) == nil {
			if savedConfig.LLM.BaseURL != "" {
				currentConfig.LLM.BaseURL = savedConfig.LLM.BaseURL
			}
			if savedConfig.LLM.ModelName != "" {
				currentConfig.LLM.ModelName = savedConfig.LLM.ModelName
			}
			if savedConfig.LLM.APIKey != "" {
				if key, err := decryptKey(savedConfig.LLM.APIKey); err == nil {
					currentConfig.LLM.APIKey = key
				} else {
					log.Printf("⚠️ 无法解密已保存的 API 密钥，使用环境变量: %v", err)
				}
			}
			if savedConfig.PromptLanguage != "" {
				currentConfig.PromptLanguage = savedConfig.PromptLanguage
			}
		}
	}

	return saveLocked()
}

func fromBase(baseConfig *Config) *AppConfig {
	return &AppConfig{
		Port:           baseConfig.Port,
		DataDir:        baseConfig.DataDir,
		LogDir:         baseConfig.LogDir,
		DebugMode:      baseConfig.DebugMode,
		PromptLanguage: baseConfig.PromptLanguage,
		PromptsFile:    baseConfig.PromptsFile,
		LLM: LLMSettings{
			BaseURL:   baseConfig.OpenAIAPIBase,
			ModelName: baseConfig.ModelName,
			APIKey:    baseConfig.OpenAIAPIKey,
		},
	}
}

// GetCurrentConfig 返回当前配置的副本（API 密钥为明文）
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		baseConfig, _ := Load()
		return fromBase(baseConfig)
	}

	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新默认 LLM 设置，空值保持不变
func UpdateLLMConfig(settings LLMSettings, promptLanguage string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	if settings.BaseURL != "" {
		currentConfig.LLM.BaseURL = settings.BaseURL
	}
	if settings.ModelName != "" {
		currentConfig.LLM.ModelName = settings.ModelName
	}
	if settings.APIKey != "" {
		currentConfig.LLM.APIKey = settings.APIKey
	}
	if promptLanguage != "" {
		currentConfig.PromptLanguage = promptLanguage
	}

	return saveLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return saveLocked()
}

func saveLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	dir := filepath.Dir(configFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	persisted := *currentConfig
	if persisted.LLM.APIKey != "" {
		encrypted, err := encryptKey(persisted.LLM.APIKey)
		if err != nil {
			return fmt.Errorf("加密 API 密钥失败: %w", err)
		}
		persisted.LLM.APIKey = encrypted
	}

	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0600)
}

// encryptKey 没有配置密钥时不落盘 API 密钥
func encryptKey(plain string) (string, error) {
	if configSecret == "" {
		return "", nil
	}
	return utils.Encrypt(plain, configSecret)
}

func decryptKey(cipherText string) (string, error) {
	if configSecret == "" {
		return "", fmt.Errorf("未设置 CONFIG_SECRET")
	}
	return utils.Decrypt(cipherText, configSecret)
}

// MaskKey 返回用于展示的 API 密钥
func MaskKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
