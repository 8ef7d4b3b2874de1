package orchestrator

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/tuolan/internal/addressing"
	"github.com/local/tuolan/internal/clock"
	"github.com/local/tuolan/internal/commands"
	"github.com/local/tuolan/internal/imagegen"
	"github.com/local/tuolan/internal/intent"
	"github.com/local/tuolan/internal/llm"
	"github.com/local/tuolan/internal/state"
	"github.com/local/tuolan/internal/store"

	_ "modernc.org/sqlite"
)

type fakeChat struct {
	texts      []string
	images     []string
	uploaded   [][]byte
	uploadKey  string
	uploadErr  error
	quotedText string
	mediaBytes []byte
	mediaMIME  string
}

func (f *fakeChat) SendText(ctx context.Context, chatID, text string) {
	f.texts = append(f.texts, text)
}
func (f *fakeChat) UploadImage(ctx context.Context, imageBytes []byte) (string, error) {
	f.uploaded = append(f.uploaded, imageBytes)
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return f.uploadKey, nil
}
func (f *fakeChat) SendImage(ctx context.Context, chatID, imageKey, caption string) {
	f.images = append(f.images, imageKey)
	if caption != "" {
		f.texts = append(f.texts, caption)
	}
}
func (f *fakeChat) GetMessageText(ctx context.Context, messageID string) string { return f.quotedText }
func (f *fakeChat) GetMessageMedia(ctx context.Context, messageID, fileKey string) ([]byte, string) {
	return f.mediaBytes, f.mediaMIME
}

func newTestOrchestrator(t *testing.T, chat *fakeChat, cfg Config) *Orchestrator {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))

	messages := store.NewMessageRepository(db)
	settings := store.NewSettingsRepository(db)
	st := state.New(clock.Real{}, 100, 100)
	gateway := llm.New(llm.Endpoint{}, llm.Endpoint{}) // unconfigured: calls fail fast, no network
	classifier := intent.New(gateway)
	imageGen := imagegen.New("", "", "", 0) // unconfigured
	cmdHandler := commands.New(messages, settings, st, gateway, chat, 400)

	return New(cfg, messages, settings, st, gateway, classifier, imageGen, nil, nil, chat, cmdHandler)
}

func baseCfg() Config {
	return Config{
		BotAppID:            "cli_bot",
		BotName:             "助手",
		ConversationTTL:     600,
		ThinkingDelay:       5 * time.Second,
		MaxContextMessages:  20,
		MaxImagesPerMessage: 4,
		ImageMaxSize:        1024,
	}
}

func TestHandleIgnoresNonUserSender(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.Handle(context.Background(), Event{EventID: "e1", ChatID: "c1", SenderID: "app1", SenderKind: SenderApp, Text: "hi"})

	msgs, err := o.messages.Recent(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, chat.texts)
}

func TestHandleIgnoresOwnSender(t *testing.T) {
	chat := &fakeChat{}
	cfg := baseCfg()
	cfg.OwnSenderID = "bot_self"
	o := newTestOrchestrator(t, chat, cfg)
	o.Handle(context.Background(), Event{EventID: "e1", ChatID: "c1", SenderID: "bot_self", SenderKind: SenderUser, Text: "hi"})

	msgs, err := o.messages.Recent(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandleIgnoresEmptyEventWithNoImages(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.Handle(context.Background(), Event{EventID: "e1", ChatID: "c1", SenderID: "u1", SenderKind: SenderUser, Text: "   "})

	msgs, err := o.messages.Recent(context.Background(), "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHandlePersistsNonEmptyMessage(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.Handle(context.Background(), Event{EventID: "e1", ChatID: "c1", SenderID: "u1", SenderKind: SenderUser, Text: "随便聊聊"})

	msgs, err := o.messages.Recent(context.Background(), "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "随便聊聊", msgs[0].Text)
}

func TestHandleCommandDispatchBypassesMentionLogic(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.Handle(context.Background(), Event{EventID: "e1", ChatID: "c1", SenderID: "u1", SenderKind: SenderUser, Text: "/help"})

	require.Len(t, chat.texts, 1)
	assert.Contains(t, chat.texts[0], "可用命令")
	assert.False(t, o.st.IsConversationActive("c1"))
}

func TestHandleMentionMarksConversationActive(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	mentions := []addressing.Mention{{AppID: "cli_bot", Name: "助手"}}
	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", SenderID: "u1", SenderKind: SenderUser,
		Text: "助手你好", Mentions: mentions,
	})

	assert.True(t, o.st.IsConversationActive("c1"))
}

func TestHandleMentionRecordsLastMentionTime(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	mentions := []addressing.Mention{{AppID: "cli_bot", Name: "助手"}}
	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", SenderID: "u1", SenderKind: SenderUser,
		Text: "助手帮个忙", Mentions: mentions,
	})

	s, err := o.settings.GetOrCreate(context.Background(), "c1")
	require.NoError(t, err)
	assert.Greater(t, s.LastMentionTime, 0.0)
}

func TestHandleStickyWindowZipReply(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.st.MarkConversationActive("c1", 600)

	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", ChatType: ChatGroup, SenderID: "u1", SenderKind: SenderUser,
		Text: "别说话了",
	})

	require.Len(t, chat.texts, 1)
	assert.Equal(t, msgZipReply, chat.texts[0])
	assert.True(t, o.st.IsConversationActive("c1"))
}

func TestHandleStickyWindowVetoedByMentioningSomeoneElse(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.st.MarkConversationActive("c1", 600)

	mentions := []addressing.Mention{{AppID: "cli_other", Name: "张三"}}
	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", ChatType: ChatGroup, SenderID: "u1", SenderKind: SenderUser,
		Text: "张三你来看看", Mentions: mentions,
	})

	// Sticky window is vetoed, falls through to the proactive branch;
	// with no LLM configured and a default-ish threshold, no send happens,
	// but crucially the zip-reply path (unique to sticky) never fires.
	assert.NotContains(t, chat.texts, msgZipReply)
}

func TestHandleProactiveQuietModeNeverReplies(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	_, err := o.settings.SetMode(context.Background(), "c1", "quiet")
	require.NoError(t, err)

	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", ChatType: ChatGroup, SenderID: "u1", SenderKind: SenderUser,
		Text: "这是怎么回事？",
	})

	assert.Empty(t, chat.texts)
}

func TestHandleProactiveBelowThresholdNeverReplies(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	_, err := o.settings.SetThreshold(context.Background(), "c1", 0.99)
	require.NoError(t, err)

	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", ChatType: ChatGroup, SenderID: "u1", SenderKind: SenderUser,
		Text: "随便说点什么",
	})

	assert.Empty(t, chat.texts)
}

func TestHandleProactiveAboveThresholdAttemptsCallWithoutPanicking(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	_, err := o.settings.SetThreshold(context.Background(), "c1", 0.0)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		o.Handle(context.Background(), Event{
			EventID: "e1", ChatID: "c1", ChatType: ChatGroup, SenderID: "u1", SenderKind: SenderUser,
			Text: "这是怎么回事？",
		})
	})
	// Gateway is unconfigured so the call fails and nothing is sent.
	assert.Empty(t, chat.texts)
}

func TestDrawPipelineNotConfiguredSendsNoConfigMessage(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.drawPipeline(context.Background(), "c1", "画一只猫", nil)

	require.Len(t, chat.texts, 2)
	assert.Equal(t, msgDrawing, chat.texts[0])
	assert.Equal(t, msgDrawNoConfig, chat.texts[1])
}

func TestDrawPipelineSendsGeneratedImage(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{9, 9, 9})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"multi_mod_content": []map[string]any{
						{"inline_data": map[string]string{"data": encoded}},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	chat := &fakeChat{uploadKey: "img_key_1"}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.imageGen = imagegen.New(srv.URL, "key", "model", 5*time.Second)

	o.drawPipeline(context.Background(), "c1", "画一只猫", nil)

	require.Len(t, chat.uploaded, 1)
	assert.Equal(t, []byte{9, 9, 9}, chat.uploaded[0])
	require.Len(t, chat.images, 1)
	assert.Equal(t, "img_key_1", chat.images[0])
}

func TestDrawPipelineUploadFailureReportsError(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{1})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"multi_mod_content": []map[string]any{
						{"inline_data": map[string]string{"data": encoded}},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	chat := &fakeChat{uploadErr: assert.AnError}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.imageGen = imagegen.New(srv.URL, "key", "model", 5*time.Second)

	o.drawPipeline(context.Background(), "c1", "画一只猫", nil)

	last := chat.texts[len(chat.texts)-1]
	assert.Contains(t, last, "图片上传失败")
}

func TestDrawPipelineProviderErrorNeverLeaksIntoChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"upstream quota exhausted sk-secret"}}`))
	}))
	defer srv.Close()

	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())
	o.imageGen = imagegen.New(srv.URL, "key", "model", 5*time.Second)

	o.drawPipeline(context.Background(), "c1", "画一只猫", nil)

	last := chat.texts[len(chat.texts)-1]
	assert.Equal(t, msgDrawFailed, last)
	for _, text := range chat.texts {
		assert.NotContains(t, text, "quota")
		assert.NotContains(t, text, "sk-secret")
	}
}

func TestHandleStickyWindowNoImagesNeverSendsThinking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "好的"}},
			},
		})
	}))
	defer srv.Close()

	chat := &fakeChat{}
	cfg := baseCfg()
	cfg.ThinkingDelay = 5 * time.Millisecond
	o := newTestOrchestrator(t, chat, cfg)
	o.gateway = llm.New(llm.Endpoint{BaseURL: srv.URL, APIKey: "k", Model: "m", Timeout: 5 * time.Second}, llm.Endpoint{})
	o.classifier = intent.New(o.gateway)
	o.st.MarkConversationActive("c1", 600)

	o.Handle(context.Background(), Event{
		EventID: "e1", ChatID: "c1", ChatType: ChatGroup, SenderID: "u1", SenderKind: SenderUser,
		Text: "继续说说",
	})

	assert.NotContains(t, chat.texts, msgThinking)
	assert.Contains(t, chat.texts, "好的")
}

func TestRunWithThinkingSendsThinkingMessageWhenMainIsSlow(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())

	result := o.runWithThinking(context.Background(), "c1", true, 10*time.Millisecond, func() llm.Result {
		time.Sleep(60 * time.Millisecond)
		return llm.Result{Text: "done"}
	})

	assert.Equal(t, "done", result.Text)
	assert.Contains(t, chat.texts, msgThinking)
}

func TestRunWithThinkingSuppressesMessageWhenMainIsFast(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())

	result := o.runWithThinking(context.Background(), "c1", true, 60*time.Millisecond, func() llm.Result {
		return llm.Result{Text: "fast"}
	})
	time.Sleep(80 * time.Millisecond) // let the losing goroutine's timer fire, if it would

	assert.Equal(t, "fast", result.Text)
	assert.NotContains(t, chat.texts, msgThinking)
}

func TestRunWithThinkingDisabledNeverSends(t *testing.T) {
	chat := &fakeChat{}
	o := newTestOrchestrator(t, chat, baseCfg())

	o.runWithThinking(context.Background(), "c1", false, 5*time.Millisecond, func() llm.Result {
		time.Sleep(30 * time.Millisecond)
		return llm.Result{Text: "done"}
	})

	assert.Empty(t, chat.texts)
}
