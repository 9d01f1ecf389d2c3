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
)

// Config aggregates every tunable of the relay process.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Relay     RelayConfig
	Assistant AssistantConfig
	AI        AIConfig
	Retrieval RetrievalConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	assistant, err := loadAssistantConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	retrieval, err := loadRetrievalConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Auth:      auth,
		Relay:     relay,
		Assistant: assistant,
		AI:        ai,
		Retrieval: retrieval,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" directly.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AuthConfig gates the web surface behind a shared password and
// store-backed session tokens. When neither password form is set the relay
// runs open.
type AuthConfig struct {
	Password     string
	PasswordHash string
	SessionTTL   time.Duration
}

// Required reports whether login is enforced.
func (c AuthConfig) Required() bool {
	return c.Password != "" || c.PasswordHash != ""
}

func loadAuthConfig() (AuthConfig, error) {
	ttlMinutes := 720
	if override, err := parseOptionalIntEnv("SESSION_TTL_MINUTES"); err != nil {
		return AuthConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return AuthConfig{}, fmt.Errorf("SESSION_TTL_MINUTES must be positive")
		}
		ttlMinutes = *override
	}

	return AuthConfig{
		Password:     os.Getenv("WEB_UI_PASSWORD"),
		PasswordHash: strings.TrimSpace(os.Getenv("WEB_UI_PASSWORD_HASH")),
		SessionTTL:   time.Duration(ttlMinutes) * time.Minute,
	}, nil
}

// RelayConfig tunes per-connection queueing and chunk flow control.
type RelayConfig struct {
	QueueSize  int
	MaxAckGap  int
	AckTimeout time.Duration
}

func loadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{
		QueueSize:  256,
		MaxAckGap:  8,
		AckTimeout: 5 * time.Second,
	}

	if v, err := parseOptionalIntEnv("RELAY_QUEUE_SIZE"); err != nil {
		return RelayConfig{}, err
	} else if v != nil {
		cfg.QueueSize = *v
	}
	if v, err := parseOptionalIntEnv("RELAY_MAX_ACK_GAP"); err != nil {
		return RelayConfig{}, err
	} else if v != nil {
		cfg.MaxAckGap = *v
	}
	if v, err := parseOptionalIntEnv("RELAY_ACK_TIMEOUT_SECONDS"); err != nil {
		return RelayConfig{}, err
	} else if v != nil {
		cfg.AckTimeout = time.Duration(*v) * time.Second
	}

	return cfg, nil
}

// AssistantConfig controls when and how the assistant replies.
type AssistantConfig struct {
	// Name is the display label on assistant messages.
	Name string
	// Tags trigger a generation when mentioned, e.g. "@assistant".
	Tags []string
	// AutoRespond answers every user message, for single-user setups.
	AutoRespond bool
	// StallTimeout aborts a turn when the completion backend goes silent.
	StallTimeout time.Duration
	// HistoryLimit caps how many transcript messages feed the prompt.
	HistoryLimit int
	// ContextTokens is the token budget for prompt trimming.
	ContextTokens int
	// SystemPrompt overrides the built-in system prompt.
	SystemPrompt string
}

func loadAssistantConfig() (AssistantConfig, error) {
	name := getEnvOrDefault("ASSISTANT_NAME", "assistant")

	tags := []string{"@" + strings.ToLower(name)}
	if raw := strings.TrimSpace(os.Getenv("ASSISTANT_TAGS")); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	autoRespond, err := parseBoolEnv("ASSISTANT_AUTO_RESPOND", false)
	if err != nil {
		return AssistantConfig{}, err
	}

	cfg := AssistantConfig{
		Name:          name,
		Tags:          tags,
		AutoRespond:   autoRespond,
		StallTimeout:  60 * time.Second,
		HistoryLimit:  10,
		ContextTokens: 4096,
		SystemPrompt:  strings.TrimSpace(os.Getenv("SYSTEM_PROMPT")),
	}

	if v, err := parseOptionalIntEnv("COMPLETION_STALL_SECONDS"); err != nil {
		return AssistantConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.StallTimeout = time.Duration(*v) * time.Second
	}
	if v, err := parseOptionalIntEnv("HISTORY_LIMIT"); err != nil {
		return AssistantConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.HistoryLimit = *v
	}
	if v, err := parseOptionalIntEnv("CONTEXT_TOKENS"); err != nil {
		return AssistantConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.ContextTokens = *v
	}

	return cfg, nil
}

// AIConfig describes the completion collaborator credentials.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates a model instance from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("completion credentials missing: set ARK_API_KEY + ARK_MODEL or the AK/SK pair")
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

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
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

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// RetrievalConfig points at the external knowledge lookup service.
type RetrievalConfig struct {
	URL         string
	Timeout     time.Duration
	MaxSnippets int
}

// Enabled reports whether lookups should happen at all.
func (c RetrievalConfig) Enabled() bool {
	return c.URL != ""
}

func loadRetrievalConfig() (RetrievalConfig, error) {
	cfg := RetrievalConfig{
		URL:         strings.TrimSpace(os.Getenv("RETRIEVAL_URL")),
		Timeout:     30 * time.Second,
		MaxSnippets: 4,
	}

	if v, err := parseOptionalIntEnv("RETRIEVAL_TIMEOUT_SECONDS"); err != nil {
		return RetrievalConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.Timeout = time.Duration(*v) * time.Second
	}
	if v, err := parseOptionalIntEnv("RETRIEVAL_MAX_SNIPPETS"); err != nil {
		return RetrievalConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.MaxSnippets = *v
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
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
