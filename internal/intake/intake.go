// Package intake handles webhook envelope verification and
// normalization: token checks, event-shape tolerance across the
// nested/flat envelope variants, and dedup-safe event ids.
package intake

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/tuolan/internal/addressing"
	"github.com/local/tuolan/internal/orchestrator"
)

// Envelope is the raw webhook body, tolerant of both the nested
// ("header"+"event") and flat ("type"+"event_id"+"event") shapes a
// Feishu webhook can arrive in.
type Envelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Token     string          `json:"token"`
	EventID   string          `json:"event_id"`
	Header    *envelopeHeader `json:"header"`
	Event     json.RawMessage `json:"event"`
}

type envelopeHeader struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Token     string `json:"token"`
}

// Response is what the HTTP layer serializes back to the platform.
type Response struct {
	Challenge string `json:"challenge,omitempty"`
	Code      int    `json:"code"`
}

// ErrInvalidToken signals a failed verify_token check; the HTTP layer
// maps this to 403 without logging the token itself.
type ErrInvalidToken struct{}

func (ErrInvalidToken) Error() string { return "invalid verification token" }

// Dispatcher is the narrow surface intake needs from the orchestrator
// layer — fire-and-forget dispatch, never awaited.
type Dispatcher interface {
	Dispatch(ev orchestrator.Event)
}

// Intake verifies and normalizes inbound webhook calls. Mention
// resolution and self-message filtering happen downstream in the
// orchestrator, which already holds the bot's app id/name/sender id —
// intake's job stops at verification and shape normalization.
type Intake struct {
	verificationToken string
	dispatch          Dispatcher
	metrics           Recorder
}

// Recorder is the narrow metrics surface intake reports against;
// satisfied by *metrics.Registry in production, nil-safe so tests and
// callers that don't care about metrics can omit it.
type Recorder interface {
	RecordEventReceived(eventType string)
}

// Welcomer is the narrow surface intake needs to greet a new member.
// Implementations must return promptly: intake calls Welcome on the
// webhook path, so the greeting itself (history query, model call)
// has to run in a background task, the way the dispatcher's Welcome
// submits it to the worker pool.
type Welcomer interface {
	Welcome(ctx context.Context, chatID, name string)
}

// New builds an Intake.
func New(verificationToken string, dispatch Dispatcher) *Intake {
	return &Intake{verificationToken: verificationToken, dispatch: dispatch}
}

// WithMetrics attaches a Recorder that HandleWebhook reports accepted
// event types to; returns i for chaining at construction time.
func (i *Intake) WithMetrics(rec Recorder) *Intake {
	i.metrics = rec
	return i
}

func (i *Intake) verifyToken(env *Envelope) bool {
	got := env.Token
	if env.Header != nil && env.Header.Token != "" {
		got = env.Header.Token
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(i.verificationToken)) == 1
}

func (i *Intake) eventType(env *Envelope) string {
	if env.Header != nil && env.Header.EventType != "" {
		return env.Header.EventType
	}
	return env.Type
}

func (i *Intake) eventID(env *Envelope) string {
	if env.Header != nil && env.Header.EventID != "" {
		return env.Header.EventID
	}
	if env.EventID != "" {
		return env.EventID
	}
	// No id on the wire: synthesize one so the dedup chokepoint still
	// has something to key on, rather than disabling dedup entirely.
	return uuid.NewString()
}

// HandleWebhook is the framework-agnostic entry point: parse the
// envelope, verify it, and either echo a url_verification challenge
// or hand the normalized event to the dispatcher and return
// immediately — intake never blocks on orchestration.
func (i *Intake) HandleWebhook(ctx context.Context, rawBody []byte, welcomer Welcomer) (Response, error) {
	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		// Malformed bodies are dropped, not surfaced: returning an error
		// would make the platform retry a delivery that can never parse.
		log.Debug().Err(err).Msg("malformed webhook body, dropping")
		return Response{Code: 0}, nil
	}

	if env.Type == "url_verification" && env.Challenge != "" {
		log.Info().Msg("received url_verification challenge")
		return Response{Challenge: env.Challenge}, nil
	}

	if !i.verifyToken(&env) {
		log.Warn().Msg("verify_token failed")
		return Response{}, ErrInvalidToken{}
	}

	eventType := i.eventType(&env)
	eventID := i.eventID(&env)
	if i.metrics != nil {
		i.metrics.RecordEventReceived(eventType)
	}

	var raw messageEvent
	_ = json.Unmarshal(env.Event, &raw)

	switch {
	case eventType == "im.message.receive_v1":
		ev := normalizeMessageEvent(raw, eventID)
		i.dispatch.Dispatch(ev)
	case strings.HasPrefix(eventType, "im.chat.member") &&
		(strings.Contains(eventType, "add") || strings.Contains(eventType, "user_added")):
		chatID, name := extractNewMember(env.Event)
		if chatID != "" && welcomer != nil {
			welcomer.Welcome(ctx, chatID, name)
		}
	default:
		log.Debug().Str("event_type", eventType).Msg("unhandled event type, acknowledging")
	}

	return Response{Code: 0}, nil
}

// messageEvent is the im.message.receive_v1 payload shape.
type messageEvent struct {
	Sender struct {
		SenderID struct {
			UserID string `json:"user_id"`
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageID   string `json:"message_id"`
		ParentID    string `json:"parent_id"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
		Mentions    []struct {
			Name string `json:"name"`
			ID   struct {
				AppID string `json:"app_id"`
			} `json:"id"`
		} `json:"mentions"`
	} `json:"message"`
}

// normalizeMessageEvent pulls chat_id/sender_id/text/image_keys out
// of a message's JSON content, tolerating the text/image/post
// (language-wrapped or not) shapes.
func normalizeMessageEvent(raw messageEvent, eventID string) orchestrator.Event {
	senderID := raw.Sender.SenderID.UserID
	if senderID == "" {
		senderID = raw.Sender.SenderID.OpenID
	}

	var content map[string]any
	_ = json.Unmarshal([]byte(raw.Message.Content), &content)

	text, imageKeys := extractTextAndImages(content)

	mentions := make([]addressing.Mention, 0, len(raw.Message.Mentions))
	for _, m := range raw.Message.Mentions {
		mentions = append(mentions, addressing.Mention{AppID: m.ID.AppID, Name: m.Name})
	}

	chatType := orchestrator.ChatDirect
	if raw.Message.ChatType == "group" {
		chatType = orchestrator.ChatGroup
	}

	return orchestrator.Event{
		EventID:         eventID,
		ChatID:          raw.Message.ChatID,
		ChatType:        chatType,
		SenderID:        senderID,
		SenderKind:      orchestrator.SenderUser,
		MessageID:       raw.Message.MessageID,
		ParentMessageID: raw.Message.ParentID,
		Text:            text,
		ImageKeys:       imageKeys,
		Mentions:        mentions,
	}
}

func extractTextAndImages(content map[string]any) (string, []string) {
	if content == nil {
		return "", nil
	}
	var text string
	var imageKeys []string

	if t, ok := content["text"].(string); ok {
		text = t
	}
	if key, ok := content["image_key"].(string); ok && strings.TrimSpace(key) != "" {
		imageKeys = append(imageKeys, strings.TrimSpace(key))
	}

	langObj, ok := content["zh_cn"].(map[string]any)
	if !ok {
		langObj, ok = content["en_us"].(map[string]any)
	}
	if !ok {
		if _, hasContent := content["content"].([]any); hasContent {
			langObj = content
			ok = true
		}
	}
	if ok {
		postText, postImages := parsePostBody(langObj)
		if postText != "" {
			if text != "" {
				text = text + "\n" + postText
			} else {
				text = postText
			}
		}
		imageKeys = append(imageKeys, postImages...)
	}

	return text, imageKeys
}

func parsePostBody(langObj map[string]any) (string, []string) {
	var texts []string
	var images []string
	if title, ok := langObj["title"].(string); ok && title != "" {
		texts = append(texts, title)
	}
	blocks, _ := langObj["content"].([]any)
	for _, paraAny := range blocks {
		para, ok := paraAny.([]any)
		if !ok {
			continue
		}
		for _, elAny := range para {
			el, ok := elAny.(map[string]any)
			if !ok {
				continue
			}
			switch el["tag"] {
			case "text":
				if t, ok := el["text"].(string); ok {
					texts = append(texts, t)
				}
			case "img":
				if key, ok := el["image_key"].(string); ok && strings.TrimSpace(key) != "" {
					images = append(images, strings.TrimSpace(key))
				}
			}
		}
	}
	return strings.Join(texts, ""), images
}

// extractNewMember pulls chat_id and the first added member's name
// out of a chat-member event, tolerating both the users and members
// payload shapes.
func extractNewMember(raw json.RawMessage) (string, string) {
	var ev struct {
		ChatID string `json:"chat_id"`
		Chat   struct {
			ChatID string `json:"chat_id"`
		} `json:"chat"`
		Users []struct {
			Name string `json:"name"`
		} `json:"users"`
		Members []struct {
			Name string `json:"name"`
		} `json:"members"`
	}
	_ = json.Unmarshal(raw, &ev)

	chatID := ev.ChatID
	if chatID == "" {
		chatID = ev.Chat.ChatID
	}

	name := "新同学"
	switch {
	case len(ev.Users) > 0 && ev.Users[0].Name != "":
		name = ev.Users[0].Name
	case len(ev.Members) > 0 && ev.Members[0].Name != "":
		name = ev.Members[0].Name
	}
	return chatID, name
}
