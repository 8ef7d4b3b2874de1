// Package orchestrator is the decision tree that binds the rest of
// the engine together: it is handed a normalized event, queries
// per-chat state and settings, resolves addressing and intent, and
// drives the Answer and Draw pipelines.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tuolan/internal/addressing"
	"github.com/local/tuolan/internal/commands"
	"github.com/local/tuolan/internal/imagegen"
	"github.com/local/tuolan/internal/intent"
	"github.com/local/tuolan/internal/llm"
	"github.com/local/tuolan/internal/state"
	"github.com/local/tuolan/internal/store"
	"github.com/local/tuolan/internal/webenrich"
)

const (
	msgThinking     = "让我想想……"
	msgDrawing      = "正在绘制中，请稍候..."
	msgDrawSuccess  = "图片已生成！"
	msgDrawNoConfig = "绘图功能未配置，请联系管理员设置 IMAGE_MODEL 相关配置"
	msgDrawFailed   = "图片生成失败，请稍后重试"
	msgUploadFailed = "图片上传失败，请稍后重试"
	msgZipReply     = "🤐"

	systemPromptChat      = "你叫托兰，是群聊助手，同时也是群里的一员，说话要有人味。不要自夸/推销/寒暄，说话言简意赅不要啰嗦，不要装腔作势。平铺直叙的输出，而不是markdown格式。"
	systemPromptProactive = systemPromptChat

	promptTemplateChat      = "群上下文：\n%s\n\n用户问题：%s\n请用简短要点直接回答。"
	promptTemplateProactive = "群上下文：\n%s\n\n有人说：%s\n请做出回应，说话像人类、直接、不啰嗦。不要自夸/推销/寒暄。"
)

// SenderKind classifies who originated an event.
type SenderKind string

const (
	SenderUser   SenderKind = "user"
	SenderApp    SenderKind = "app"
	SenderSystem SenderKind = "system"
)

// ChatType mirrors Event.chat_type.
type ChatType string

const (
	ChatGroup  ChatType = "group"
	ChatDirect ChatType = "direct"
)

// Event is the normalized inbound event intake hands to the orchestrator.
type Event struct {
	EventID         string
	ChatID          string
	ChatType        ChatType
	SenderID        string
	SenderKind      SenderKind
	MessageID       string
	ParentMessageID string
	Text            string
	ImageKeys       []string
	Mentions        []addressing.Mention
}

// ChatClient is the subset of chatclient.Client the orchestrator
// needs, narrowed to an interface so tests can fake it.
type ChatClient interface {
	SendText(ctx context.Context, chatID, text string)
	UploadImage(ctx context.Context, imageBytes []byte) (string, error)
	SendImage(ctx context.Context, chatID, imageKey, caption string)
	GetMessageText(ctx context.Context, messageID string) string
	GetMessageMedia(ctx context.Context, messageID, fileKey string) ([]byte, string)
}

// Config bundles the orchestrator's tunables. All but OwnSenderID are
// sourced from internal/config's schema; OwnSenderID has no config
// key, and the self-sender check is skipped while it is empty.
type Config struct {
	BotAppID            string
	BotName             string
	ConversationTTL     int64 // seconds
	ThinkingDelay       time.Duration
	MaxContextMessages  int
	MaxImagesPerMessage int
	ImageMaxSize        int
	OwnSenderID         string
}

// Orchestrator owns the decision tree and both reply pipelines.
type Orchestrator struct {
	cfg Config

	messages *store.MessageRepository
	settings *store.SettingsRepository
	st       *state.Store

	gateway    *llm.Gateway
	classifier *intent.Classifier
	imageGen   *imagegen.Gateway
	fetcher    *webenrich.Fetcher
	search     *webenrich.SearchClient

	chat     ChatClient
	commands *commands.Handler
}

// New builds an Orchestrator from its collaborators.
func New(
	cfg Config,
	messages *store.MessageRepository,
	settings *store.SettingsRepository,
	st *state.Store,
	gateway *llm.Gateway,
	classifier *intent.Classifier,
	imageGen *imagegen.Gateway,
	fetcher *webenrich.Fetcher,
	search *webenrich.SearchClient,
	chat ChatClient,
	cmdHandler *commands.Handler,
) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, messages: messages, settings: settings, st: st,
		gateway: gateway, classifier: classifier, imageGen: imageGen,
		fetcher: fetcher, search: search, chat: chat, commands: cmdHandler,
	}
}

// Handle runs the decision tree for one event. It is the orchestrator's
// sole entry point — the error frontier: nothing below this call ever
// panics out to the caller; failures are logged with event_id and
// swallowed so one bad event never takes down the dispatcher.
func (o *Orchestrator) Handle(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event_id", ev.EventID).Msg("orchestrator panic recovered")
		}
	}()

	// 1. Sender gate.
	if ev.SenderKind != SenderUser && ev.SenderKind != "" {
		return
	}
	if o.cfg.OwnSenderID != "" && ev.SenderID == o.cfg.OwnSenderID {
		return
	}

	// 2. Empty gate.
	trimmed := strings.TrimSpace(ev.Text)
	if trimmed == "" && len(ev.ImageKeys) == 0 {
		return
	}

	// 3. Persist.
	textForStore := trimmed
	if len(ev.ImageKeys) > 0 {
		suffix := fmt.Sprintf("[图片x%d]", len(ev.ImageKeys))
		if textForStore != "" {
			textForStore = textForStore + " " + suffix
		} else {
			textForStore = suffix
		}
	}
	ts := time.Now().Format("01-02 15:04")
	if err := o.messages.Append(ctx, ev.ChatID, ev.SenderID, textForStore, ts); err != nil {
		log.Warn().Err(err).Str("event_id", ev.EventID).Msg("persist message failed, degrading to in-memory state")
	}
	o.st.AppendMessage(ev.ChatID, state.RecentMessage{TS: ts, UserID: ev.SenderID, Text: textForStore})

	// 4. Command.
	if cmd, ok := addressing.ParseCommand(ev.Text); ok {
		log.Info().Str("chat_id", ev.ChatID).Str("command", cmd.Name).Msg("command received")
		o.commands.Dispatch(ctx, ev.ChatID, ev.SenderID, cmd)
		return
	}

	mentioned := addressing.MentionedBot(ev.Mentions, ev.Text, o.cfg.BotAppID, o.cfg.BotName)

	// 5. Addressed (mention).
	if mentioned {
		o.st.MarkConversationActive(ev.ChatID, o.cfg.ConversationTTL)
		if _, err := o.settings.SetLastMentionTime(ctx, ev.ChatID, float64(time.Now().Unix())); err != nil {
			log.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("record last_mention_time failed")
		}
		o.answerPipeline(ctx, ev, textForStore, len(ev.ImageKeys) > 0)
		return
	}

	// 6. Sticky window.
	inSticky := ev.ChatType == ChatGroup &&
		o.st.IsConversationActive(ev.ChatID) &&
		!addressing.MentionsSomeoneElse(ev.Mentions, ev.Text, o.cfg.BotAppID, o.cfg.BotName)
	if inSticky {
		if addressing.ShouldZipReply(ev.Text) {
			o.chat.SendText(ctx, ev.ChatID, msgZipReply)
			o.st.MarkConversationActive(ev.ChatID, o.cfg.ConversationTTL)
			return
		}
		o.answerPipeline(ctx, ev, textForStore, len(ev.ImageKeys) > 0)
		return
	}

	// 7. Proactive.
	settings, err := o.settings.GetOrCreate(ctx, ev.ChatID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("settings lookup failed, skipping proactive branch")
		return
	}
	if settings.Mode == "quiet" {
		return
	}
	score := addressing.EngageScore(ev.Text)
	if score < settings.Threshold {
		return
	}
	msgs := o.contextMessages(ctx, ev.ChatID, 12)
	contextSummary := renderContext(msgs, 12)
	prompt := fmt.Sprintf(promptTemplateProactive, contextSummary, ev.Text)
	result := o.gateway.Chat(ctx, systemPromptProactive, prompt, llm.PurposeProactive)
	if !result.OK() {
		log.Warn().Err(result.Err).Str("chat_id", ev.ChatID).Msg("proactive call failed")
		return
	}
	o.chat.SendText(ctx, ev.ChatID, result.Text)
}

// contextMessage is the repository-agnostic shape renderContext needs.
type contextMessage struct {
	TS     string
	UserID string
	Text   string
}

// contextMessages pulls recent context from the message log, falling
// back to the in-memory ring when the store is unavailable.
func (o *Orchestrator) contextMessages(ctx context.Context, chatID string, limit int) []contextMessage {
	persisted, err := o.messages.Recent(ctx, chatID, limit)
	if err == nil && len(persisted) > 0 {
		out := make([]contextMessage, len(persisted))
		for i, m := range persisted {
			out[i] = contextMessage{TS: m.TS, UserID: m.UserID, Text: m.Text}
		}
		return out
	}
	ring := o.st.RecentMessages(chatID, limit)
	out := make([]contextMessage, len(ring))
	for i, m := range ring {
		out[i] = contextMessage{TS: m.TS, UserID: m.UserID, Text: m.Text}
	}
	return out
}

func renderContext(msgs []contextMessage, limit int) string {
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

// answerPipeline builds recent-context, calls the LLM gateway, and
// sends the reply.
func (o *Orchestrator) answerPipeline(ctx context.Context, ev Event, question string, thinkingEnabled bool) {
	maxContext := o.cfg.MaxContextMessages
	if maxContext <= 0 {
		maxContext = 20
	}
	msgs := o.contextMessages(ctx, ev.ChatID, maxContext)
	contextSummary := renderContext(msgs, maxContext)

	// Quote expansion.
	if ev.ParentMessageID != "" {
		if quoted := o.chat.GetMessageText(ctx, ev.ParentMessageID); quoted != "" {
			question = fmt.Sprintf("（当前这条消息是对下面这句话的回复/引用：%s）\n%s", quoted, question)
		}
	}

	// Image fetch.
	maxImages := o.cfg.MaxImagesPerMessage
	if maxImages <= 0 {
		maxImages = 4
	}
	var images []llm.ImagePart
	var rawImages [][]byte
	if len(ev.ImageKeys) > 0 && ev.MessageID != "" {
		keys := ev.ImageKeys
		if len(keys) > maxImages {
			keys = keys[:maxImages]
		}
		for _, key := range keys {
			b, mime := o.chat.GetMessageMedia(ctx, ev.MessageID, key)
			if len(b) == 0 {
				continue
			}
			if mime == "" {
				mime = "image/jpeg"
			}
			rawImages = append(rawImages, b)
			images = append(images, llm.ImagePart{DataURL: dataURL(mime, b)})
		}
	}

	// Intent classify.
	classification := o.classifier.Classify(ctx, question)
	if classification.TaskType == intent.TaskDraw {
		o.drawPipeline(ctx, ev.ChatID, question, rawImages)
		o.st.MarkConversationActive(ev.ChatID, o.cfg.ConversationTTL)
		return
	}

	// Web enrichment.
	webContext := o.webContext(ctx, question, contextSummary)

	prompt := fmt.Sprintf(promptTemplateChat, contextSummary, question)
	if webContext != "" {
		prompt = fmt.Sprintf("群上下文：\n%s%s\n\n用户问题：%s\n请用简短要点直接回答。", contextSummary, webContext, question)
	}

	delay := o.cfg.ThinkingDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	result := o.runWithThinking(ctx, ev.ChatID, thinkingEnabled, delay, func() llm.Result {
		if len(images) > 0 {
			return o.gateway.Multimodal(ctx, systemPromptChat, prompt, images, llm.PurposeChat)
		}
		return o.gateway.Chat(ctx, systemPromptChat, prompt, llm.PurposeChat)
	})

	if !result.OK() {
		log.Warn().Err(result.Err).Str("chat_id", ev.ChatID).Msg("answer call failed")
		return
	}
	o.chat.SendText(ctx, ev.ChatID, result.Text)
	o.st.MarkConversationActive(ev.ChatID, o.cfg.ConversationTTL)
}

// webContext implements step 5 of the Answer Pipeline: URLs first,
// else a keyword-gated search fallback.
func (o *Orchestrator) webContext(ctx context.Context, question, contextSummary string) string {
	urls := webenrich.ExtractURLs(question)
	if len(urls) > 0 && o.fetcher != nil {
		contents := o.fetcher.ProcessURLs(ctx, urls, 2)
		if len(contents) > 0 {
			var b strings.Builder
			b.WriteString("\n\n【网页内容】\n")
			for url, content := range contents {
				if len(content) > 1000 {
					content = content[:1000]
				}
				fmt.Fprintf(&b, "来自 %s:\n%s\n\n", url, content)
			}
			return b.String()
		}
	}

	if o.search != nil && o.search.Configured() && webenrich.NeedsWebSearch(question) {
		results, err := o.search.Search(ctx, question, 3)
		if err != nil || len(results) == 0 {
			return ""
		}
		var b strings.Builder
		b.WriteString("\n\n【搜索结果】\n")
		for i, r := range results {
			fmt.Fprintf(&b, "%d. %s\n   链接: %s\n   摘要: %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
		return b.String()
	}
	return ""
}

// runWithThinking races a companion goroutine's sleep-expiry against
// mainFn's own completion; the companion never emits once mainFn has
// returned.
func (o *Orchestrator) runWithThinking(ctx context.Context, chatID string, enabled bool, delay time.Duration, mainFn func() llm.Result) llm.Result {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-time.After(delay):
			if enabled {
				o.chat.SendText(ctx, chatID, msgThinking)
			}
		}
	}()
	result := mainFn()
	close(done)
	return result
}

func dataURL(mime string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}

// drawPipeline sends an immediate "drawing now" acknowledgement, then
// a single generation call with an optional reference image, then
// upload + delivery.
func (o *Orchestrator) drawPipeline(ctx context.Context, chatID, prompt string, images [][]byte) {
	o.chat.SendText(ctx, chatID, msgDrawing)

	if o.imageGen == nil || !o.imageGen.Configured() {
		o.chat.SendText(ctx, chatID, msgDrawNoConfig)
		return
	}

	var reference []byte
	if len(images) > 0 && !imagegen.HasNoReferenceIntent(prompt) {
		reference = images[0]
	}

	data, err := o.imageGen.Generate(ctx, imagegen.Request{
		Prompt:         prompt,
		ReferenceImage: reference,
		MaxSize:        o.cfg.ImageMaxSize,
	})
	if err != nil {
		// The raw provider error goes to the log only, never into chat.
		log.Warn().Err(err).Str("chat_id", chatID).Msg("image generation failed")
		o.chat.SendText(ctx, chatID, msgDrawFailed)
		return
	}
	if len(data) == 0 {
		o.chat.SendText(ctx, chatID, msgDrawFailed)
		return
	}

	key, err := o.chat.UploadImage(ctx, data)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("image upload failed")
		o.chat.SendText(ctx, chatID, msgUploadFailed)
		return
	}
	o.chat.SendImage(ctx, chatID, key, msgDrawSuccess)
}
