// Package commands implements the chat-facing command handlers:
// /help, /summary, /settings, /optout, /reset, and the new-member
// welcome handler.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/tuolan/internal/addressing"
	"github.com/local/tuolan/internal/llm"
	"github.com/local/tuolan/internal/state"
	"github.com/local/tuolan/internal/store"
)

const helpText = `可用命令：
/summary weekly|monthly - 生成群总结
/settings threshold <0~1> - 调整主动发言阈值（0=总是回复，1=从不回复）
/settings mode quiet|normal|active - 调整发言模式
  - quiet: 仅在被@时回复
  - normal: 默认模式，根据阈值自动回复
  - active: 更积极地自动回复
/settings personality chill|professional|humorous - 调整人设
/settings style <风格> · /settings length short|normal|long - 调整语气和篇幅
/optout - 个人选择不纳入公开个人总结
/reset - 重置 Bot 状态（清空会话、重置设置）

💡 提示：如不想自动回复，使用 /settings mode quiet`

const (
	msgThresholdError       = "阈值需为0~1数字，例如 /settings threshold 0.65"
	msgSettingsUnknown      = "未识别的设置项。"
	msgPersonalityError     = "人设需为 chill、professional 或 humorous。"
	msgLengthError          = "篇幅需为 short、normal 或 long。"
	msgOptoutConfirmed      = "已记录；后续公共总结将不展示你的个人条目。"
	msgNoMessagesForSummary = "最近没有足够的消息用于%s总结。"
	msgSummaryFailed        = "总结生成失败，请稍后重试。"
	msgResetDone            = "已重置 Bot 状态：\n- 结束当前连续对话\n- 重置主动发言阈值为 0.65\n- 重置发言模式为 normal"
	welcomePrefix           = "欢迎 %s 加入！\n"
	welcomeSuffix           = "\n可使用 /help 查看指令。"

	systemPromptSummary = "你叫托兰，是擅长做会议/群聊总结的助理，同时也是群里的一员，说话要有人味。不要自夸/推销/寒暄，说话言简意赅不要啰嗦，不要装腔作势。"
	systemPromptWelcome = "你叫托兰，是友好的群聊助手，擅长写欢迎语，同时也是群里的一员，说话要有人味。不要自夸/推销/寒暄，说话言简意赅不要啰嗦，不要装腔作势。"

	promptTemplateSummary = "请对以下群聊做%s总结：\n- 输出：主题Top N、关键结论/决定、待办与负责人。\n- 语气客观，条理清晰。\n\n片段：\n%s"
	promptTemplateWelcome = "为新成员写一段20~40字的欢迎语。\n上下文示例：\n%s"
)

var (
	validPersonalities = map[string]bool{"chill": true, "professional": true, "humorous": true}
	validLengths       = map[string]bool{"short": true, "normal": true, "long": true}
)

// Sender is the narrow outbound capability commands need — satisfied
// by *chatclient.Client in production, a fake in tests.
type Sender interface {
	SendText(ctx context.Context, chatID, text string)
}

// Handler binds the repositories and gateway the command handlers need.
type Handler struct {
	messages   *store.MessageRepository
	settings   *store.SettingsRepository
	stateStore *state.Store
	gateway    *llm.Gateway
	chat       Sender

	maxSummaryMessages int
}

// New builds a Handler.
func New(messages *store.MessageRepository, settings *store.SettingsRepository, st *state.Store, gateway *llm.Gateway, chat Sender, maxSummaryMessages int) *Handler {
	if maxSummaryMessages <= 0 {
		maxSummaryMessages = 400
	}
	return &Handler{
		messages:           messages,
		settings:           settings,
		stateStore:         st,
		gateway:            gateway,
		chat:               chat,
		maxSummaryMessages: maxSummaryMessages,
	}
}

func renderContext(msgs []store.PersistedMessage, limit int) string {
	if len(msgs) == 0 {
		return ""
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		who := m.UserID
		if len(who) > 6 {
			who = who[len(who)-6:]
		}
		lines = append(lines, fmt.Sprintf("%s-%s: %s", m.TS, who, m.Text))
	}
	return strings.Join(lines, "\n")
}

// Dispatch routes a parsed command to its handler.
func (h *Handler) Dispatch(ctx context.Context, chatID, userID string, cmd addressing.Command) {
	switch cmd.Name {
	case "help":
		h.Help(ctx, chatID)
	case "summary":
		period := "weekly"
		if len(cmd.Args) > 0 {
			period = cmd.Args[0]
		}
		h.Summary(ctx, chatID, period)
	case "settings":
		if len(cmd.Args) >= 2 {
			h.Settings(ctx, chatID, cmd.Args[0], cmd.Args[1])
		} else {
			h.chat.SendText(ctx, chatID, msgSettingsUnknown)
		}
	case "optout":
		h.Optout(ctx, chatID, userID)
	case "reset":
		h.Reset(ctx, chatID)
	default:
		log.Debug().Str("chat_id", chatID).Str("command", cmd.Name).Msg("unknown command")
	}
}

// Help sends the static localized help text.
func (h *Handler) Help(ctx context.Context, chatID string) {
	h.chat.SendText(ctx, chatID, helpText)
}

// Summary renders a weekly/monthly digest from up to maxSummaryMessages
// recent messages.
func (h *Handler) Summary(ctx context.Context, chatID, period string) {
	if period != "weekly" && period != "monthly" {
		period = "weekly"
	}

	msgs, err := h.messages.Recent(ctx, chatID, h.maxSummaryMessages)
	if err != nil || len(msgs) == 0 {
		h.chat.SendText(ctx, chatID, fmt.Sprintf(msgNoMessagesForSummary, period))
		return
	}

	prompt := fmt.Sprintf(promptTemplateSummary, period, renderContext(msgs, 120))
	result := h.gateway.Chat(ctx, systemPromptSummary, prompt, llm.PurposeSummary)
	if !result.OK() {
		log.Warn().Err(result.Err).Str("chat_id", chatID).Msg("summary call failed")
		h.chat.SendText(ctx, chatID, msgSummaryFailed)
		return
	}
	h.chat.SendText(ctx, chatID, fmt.Sprintf("%s总结：\n%s", period, result.Text))
}

// Settings handles "/settings <key> <value>".
func (h *Handler) Settings(ctx context.Context, chatID, key, val string) {
	key = strings.ToLower(key)
	val = strings.ToLower(val)

	switch key {
	case "threshold":
		t, ok := addressing.ParseThreshold(val)
		if !ok {
			h.chat.SendText(ctx, chatID, msgThresholdError)
			return
		}
		if _, err := h.settings.SetThreshold(ctx, chatID, t); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("set threshold failed")
			return
		}
		h.chat.SendText(ctx, chatID, fmt.Sprintf("已将主动发言阈值设置为 %v", t))
	case "mode":
		if !addressing.ValidMode(val) {
			h.chat.SendText(ctx, chatID, msgSettingsUnknown)
			return
		}
		if _, err := h.settings.SetMode(ctx, chatID, val); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("set mode failed")
			return
		}
		h.chat.SendText(ctx, chatID, fmt.Sprintf("已切换模式为 %s", val))
	case "personality":
		if !validPersonalities[val] {
			h.chat.SendText(ctx, chatID, msgPersonalityError)
			return
		}
		if _, err := h.settings.SetPersonality(ctx, chatID, val); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("set personality failed")
			return
		}
		h.chat.SendText(ctx, chatID, fmt.Sprintf("已切换人设为 %s", val))
	case "style", "language_style":
		if _, err := h.settings.SetLanguageStyle(ctx, chatID, val); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("set language style failed")
			return
		}
		h.chat.SendText(ctx, chatID, fmt.Sprintf("已切换语气风格为 %s", val))
	case "length", "response_length":
		if !validLengths[val] {
			h.chat.SendText(ctx, chatID, msgLengthError)
			return
		}
		if _, err := h.settings.SetResponseLength(ctx, chatID, val); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("set response length failed")
			return
		}
		h.chat.SendText(ctx, chatID, fmt.Sprintf("已切换回复篇幅为 %s", val))
	default:
		h.chat.SendText(ctx, chatID, msgSettingsUnknown)
	}
}

// Optout acknowledges only — persistence of the opt-out flag itself
// is out of scope.
func (h *Handler) Optout(ctx context.Context, chatID, userID string) {
	h.chat.SendText(ctx, chatID, msgOptoutConfirmed)
}

// Reset clears the sticky window and restores mode/threshold defaults.
func (h *Handler) Reset(ctx context.Context, chatID string) {
	h.stateStore.ClearConversation(chatID)
	if _, err := h.settings.ResetToDefaults(ctx, chatID); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("reset settings failed")
	}
	h.chat.SendText(ctx, chatID, msgResetDone)
}

// Welcome greets a new chat member with a short generated message
// grounded in the chat's recent context.
func (h *Handler) Welcome(ctx context.Context, chatID, name string) {
	if name == "" {
		name = "新同学"
	}
	msgs, err := h.messages.Recent(ctx, chatID, 80)
	var context string
	if err == nil {
		context = renderContext(msgs, 40)
	}

	prompt := fmt.Sprintf(promptTemplateWelcome, context)
	result := h.gateway.Chat(ctx, systemPromptWelcome, prompt, llm.PurposeWelcome)
	if !result.OK() {
		log.Warn().Err(result.Err).Str("chat_id", chatID).Msg("welcome call failed")
		return
	}

	h.chat.SendText(ctx, chatID, fmt.Sprintf(welcomePrefix, name)+result.Text+welcomeSuffix)
}
