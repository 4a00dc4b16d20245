package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/memochat/backend/internal/service/ai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Memory MemoryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	memory, err := loadMemoryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Memory: memory}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// loadServerConfig 解析服务器监听地址与限流、跨域设置。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = ":" + port
	}

	rps := 10.0
	if override, err := parseOptionalFloatEnv("RATE_LIMIT_RPS"); err != nil {
		return ServerConfig{}, err
	} else if override != nil {
		rps = *override
	}

	burst := 20
	if override, err := parseOptionalIntEnv("RATE_LIMIT_BURST"); err != nil {
		return ServerConfig{}, err
	} else if override != nil {
		burst = *override
	}

	return ServerConfig{
		Addr:           addr,
		RateLimitRPS:   rps,
		RateLimitBurst: burst,
		CORSOrigins:    parseListEnv("CORS_ORIGINS", []string{"*"}),
	}, nil
}

// LLM 提供方。
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider          string
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	StreamResponse    bool
	SystemPrompt      string
	CompletionTimeout time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Provider == ProviderOpenAI {
		return c.OpenAIAPIKey != ""
	}
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		if c.Provider == ProviderOpenAI {
			return nil, fmt.Errorf("OpenAI 凭证缺失，请设置 llm_api_key 或 OPENAI_API_KEY")
		}
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	if c.Provider == ProviderOpenAI {
		return ai.NewOpenAIChatModel(ai.OpenAIConfig{
			APIKey:      c.OpenAIAPIKey,
			BaseURL:     c.OpenAIBaseURL,
			Model:       c.OpenAIModel,
			Temperature: temperature,
			TopP:        topP,
			MaxTokens:   maxTokens,
			Timeout:     c.CompletionTimeout,
		})
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}
	if c.CompletionTimeout > 0 {
		timeout := c.CompletionTimeout
		cfg.Timeout = &timeout
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDurationEnv("COMPLETION_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	openAIKey := strings.TrimSpace(os.Getenv("llm_api_key"))
	if openAIKey == "" {
		openAIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}

	provider := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ""))
	switch provider {
	case "":
		// 未显式指定时：只有 OpenAI 密钥则使用 OpenAI，否则沿用 Ark。
		provider = ProviderArk
		if openAIKey != "" && strings.TrimSpace(os.Getenv("ARK_API_KEY")) == "" && strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")) == "" {
			provider = ProviderOpenAI
		}
	case ProviderArk, ProviderOpenAI:
	default:
		return AIConfig{}, fmt.Errorf("invalid LLM_PROVIDER value %q", provider)
	}

	return AIConfig{
		Provider:          provider,
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("Model")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		OpenAIAPIKey:      openAIKey,
		OpenAIModel:       getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     getEnvOrDefault("OPENAI_BASE_URL", ""),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		StreamResponse:    stream,
		SystemPrompt:      getEnvOrDefault("SYSTEM_PROMPT", ""),
		CompletionTimeout: timeout,
	}, nil
}

// 长期记忆后端。
const (
	BackendMemobase = "memobase"
	BackendSQLite   = "sqlite"
)

// MemoryConfig 描述短期缓冲与长期记忆存储配置。
type MemoryConfig struct {
	Backend         string
	Window          int
	FlushDelay      time.Duration
	MaxContextSize  int
	MemobaseURL     string
	MemobaseAPIKey  string
	MemobaseTimeout time.Duration
	SQLitePath      string
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
}

func loadMemoryConfig() (MemoryConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("MEMORY_BACKEND", BackendMemobase))
	if backend != BackendMemobase && backend != BackendSQLite {
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_BACKEND value %q", backend)
	}

	window := 5
	if override, err := parseOptionalIntEnv("MEMORY_WINDOW"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return MemoryConfig{}, fmt.Errorf("invalid MEMORY_WINDOW value %d: must be at least 1", *override)
		}
		window = *override
	}

	maxContext := 1000
	if override, err := parseOptionalIntEnv("MEMORY_MAX_CONTEXT_SIZE"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil && *override > 0 {
		maxContext = *override
	}

	flushDelay, err := parseDurationEnv("MEMORY_FLUSH_DELAY", 100*time.Millisecond)
	if err != nil {
		return MemoryConfig{}, err
	}

	memobaseTimeout, err := parseDurationEnv("MEMOBASE_TIMEOUT", 30*time.Second)
	if err != nil {
		return MemoryConfig{}, err
	}

	idle, err := parseDurationEnv("SESSION_IDLE_TIMEOUT", 0)
	if err != nil {
		return MemoryConfig{}, err
	}

	sweep, err := parseDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return MemoryConfig{}, err
	}

	return MemoryConfig{
		Backend:         backend,
		Window:          window,
		FlushDelay:      flushDelay,
		MaxContextSize:  maxContext,
		MemobaseURL:     getEnvOrDefault("MEMOBASE_URL", "http://localhost:8019"),
		MemobaseAPIKey:  getEnvOrDefault("MEMOBASE_API_KEY", "secret"),
		MemobaseTimeout: memobaseTimeout,
		SQLitePath:      getEnvOrDefault("MEMORY_SQLITE_PATH", "data/memochat.db"),
		IdleTimeout:     idle,
		SweepInterval:   sweep,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 Go duration（如 "250ms"）或纯数字毫秒。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if ms, err := strconv.Atoi(raw); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
