// Package config loads and validates the bot's runtime configuration.
package config

import "time"

// Config mirrors the bot's full environment surface. Every field has
// a documented default; only the Feishu credentials are required.
type Config struct {
	FeishuAppID             string
	FeishuAppSecret         string
	FeishuVerificationToken string
	FeishuEncryptKey        string
	BotName                 string
	DatabaseURL             string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	SmallModelBaseURL string
	SmallModelAPIKey  string
	SmallModel        string
	SmallModelTimeout time.Duration

	ImageModelBaseURL string
	ImageModelAPIKey  string
	ImageModel        string
	ImageMaxSize      int
	ImageTimeout      time.Duration

	ConversationTTL        time.Duration
	EngageDefaultThreshold float64
	ThinkingMessageDelay   time.Duration

	ChatLogsMaxLen      int
	MaxContextMessages  int
	MaxSummaryMessages  int
	MaxImagesPerMessage int

	SearXNGURL     string
	SearXNGTimeout time.Duration

	LogLevel string

	ListenAddr  string
	DedupFIFLen int
}

// Defaults returns a Config populated with every documented default,
// with credentials left blank.
func Defaults() Config {
	return Config{
		BotName: "群助手",

		LLMModel:   "gpt-4o-mini",
		LLMTimeout: 60 * time.Second,

		SmallModelTimeout: 30 * time.Second,

		ImageModel:   "gemini-3-pro-image-preview",
		ImageMaxSize: 1024,
		ImageTimeout: 120 * time.Second,

		ConversationTTL:        600 * time.Second,
		EngageDefaultThreshold: 0.65,
		ThinkingMessageDelay:   5 * time.Second,

		ChatLogsMaxLen:      2000,
		MaxContextMessages:  20,
		MaxSummaryMessages:  400,
		MaxImagesPerMessage: 4,

		SearXNGTimeout: 10 * time.Second,

		LogLevel: "info",

		ListenAddr:  ":8080",
		DedupFIFLen: 5000,
	}
}
