package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load reads configuration from the environment (optionally seeded by a
// .env file) and binds it onto a Config struct via viper. Missing
// required keys are reported by Validate, not by Load — Load always
// returns a usable zero value on top of the documented defaults.
func Load() (Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	cfg := Defaults()

	bind := func(key string) string {
		v.BindEnv(key)
		return v.GetString(key)
	}
	bindDurationSeconds := func(key string, fallback time.Duration) time.Duration {
		v.BindEnv(key)
		s := v.GetString(key)
		if s == "" {
			return fallback
		}
		secs := v.GetInt(key)
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	bindInt := func(key string, fallback int) int {
		v.BindEnv(key)
		if !v.IsSet(key) {
			return fallback
		}
		n := v.GetInt(key)
		if n <= 0 {
			return fallback
		}
		return n
	}
	bindFloat := func(key string, fallback float64) float64 {
		v.BindEnv(key)
		if !v.IsSet(key) {
			return fallback
		}
		return v.GetFloat64(key)
	}

	cfg.FeishuAppID = bind("FEISHU_APP_ID")
	cfg.FeishuAppSecret = bind("FEISHU_APP_SECRET")
	cfg.FeishuVerificationToken = bind("FEISHU_VERIFICATION_TOKEN")
	cfg.FeishuEncryptKey = bind("FEISHU_ENCRYPT_KEY")
	if name := bind("BOT_NAME"); name != "" {
		cfg.BotName = name
	}
	cfg.DatabaseURL = bind("DATABASE_URL")

	cfg.LLMBaseURL = bind("LLM_BASE_URL")
	cfg.LLMAPIKey = bind("LLM_API_KEY")
	if m := bind("LLM_MODEL"); m != "" {
		cfg.LLMModel = m
	}
	cfg.LLMTimeout = bindDurationSeconds("LLM_TIMEOUT", cfg.LLMTimeout)

	cfg.SmallModelBaseURL = bind("SMALL_MODEL_BASE_URL")
	cfg.SmallModelAPIKey = bind("SMALL_MODEL_API_KEY")
	cfg.SmallModel = bind("SMALL_MODEL")
	cfg.SmallModelTimeout = bindDurationSeconds("SMALL_MODEL_TIMEOUT", cfg.SmallModelTimeout)

	cfg.ImageModelBaseURL = bind("IMAGE_MODEL_BASE_URL")
	cfg.ImageModelAPIKey = bind("IMAGE_MODEL_API_KEY")
	if m := bind("IMAGE_MODEL"); m != "" {
		cfg.ImageModel = m
	}
	cfg.ImageMaxSize = bindInt("IMAGE_MAX_SIZE", cfg.ImageMaxSize)
	cfg.ImageTimeout = bindDurationSeconds("IMAGE_TIMEOUT", cfg.ImageTimeout)

	cfg.ConversationTTL = bindDurationSeconds("CONVERSATION_TTL_SECONDS", cfg.ConversationTTL)
	cfg.EngageDefaultThreshold = bindFloat("ENGAGE_DEFAULT_THRESHOLD", cfg.EngageDefaultThreshold)
	if cfg.EngageDefaultThreshold < 0 {
		cfg.EngageDefaultThreshold = 0
	} else if cfg.EngageDefaultThreshold > 1 {
		cfg.EngageDefaultThreshold = 1
	}

	v.BindEnv("THINKING_MESSAGE_DELAY")
	if v.IsSet("THINKING_MESSAGE_DELAY") {
		cfg.ThinkingMessageDelay = time.Duration(v.GetFloat64("THINKING_MESSAGE_DELAY") * float64(time.Second))
	}

	cfg.ChatLogsMaxLen = bindInt("CHAT_LOGS_MAXLEN", cfg.ChatLogsMaxLen)
	cfg.MaxContextMessages = bindInt("MAX_CONTEXT_MESSAGES", cfg.MaxContextMessages)
	cfg.MaxSummaryMessages = bindInt("MAX_SUMMARY_MESSAGES", cfg.MaxSummaryMessages)
	cfg.MaxImagesPerMessage = bindInt("MAX_IMAGES_PER_MESSAGE", cfg.MaxImagesPerMessage)

	cfg.SearXNGURL = bind("SEARXNG_URL")
	cfg.SearXNGTimeout = bindDurationSeconds("SEARXNG_TIMEOUT", cfg.SearXNGTimeout)

	if lvl := bind("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if addr := bind("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	return cfg, nil
}

// Validate reports the set of required configuration keys that are
// missing. The caller fails startup listing exactly this set.
func (c Config) Validate() []string {
	var missing []string
	if c.FeishuAppID == "" {
		missing = append(missing, "FEISHU_APP_ID")
	}
	if c.FeishuAppSecret == "" {
		missing = append(missing, "FEISHU_APP_SECRET")
	}
	if c.FeishuVerificationToken == "" {
		missing = append(missing, "FEISHU_VERIFICATION_TOKEN")
	}
	return missing
}

// IsValid reports whether every required key is present.
func (c Config) IsValid() bool { return len(c.Validate()) == 0 }

// ConfigInvalidError is returned by callers that enforce Validate at
// startup; it carries the missing-key list verbatim.
type ConfigInvalidError struct {
	Missing []string
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("missing required configuration: %v", e.Missing)
}
