// Package llm is a uniform gateway over chat, multimodal, and
// small-classifier calls to an OpenAI-compatible chat-completions
// endpoint. It wraps github.com/sashabaranov/go-openai and surfaces
// failures as a typed result instead of a sentinel string folded into
// the reply body.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrorKind classifies why a call failed, so the orchestrator can log
// at the right level without parsing a string.
type ErrorKind string

const (
	ErrHTTP    ErrorKind = "http"    // transport or non-2xx response
	ErrTimeout ErrorKind = "timeout" // context deadline exceeded
	ErrEmpty   ErrorKind = "empty"   // 2xx but no choices returned
)

// Error is the Err side of Result.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: %s: %s", e.Kind, e.Detail)
}

// Result is the tagged Ok/Err return of every gateway call. The
// orchestrator, not the gateway, decides what user-visible string (if
// any) corresponds to an Err — the gateway never constructs chat
// copy.
type Result struct {
	Text string
	Err  *Error
}

// OK reports whether the call produced usable text.
func (r Result) OK() bool { return r.Err == nil }

// ImagePart is one image attached to a multimodal call, already
// encoded as a data: URL by the caller.
type ImagePart struct {
	DataURL string
}

// Purpose selects the temperature assigned per call site: chat 0.2,
// proactive 0.3, summary 0.3, welcome 0.5.
type Purpose string

const (
	PurposeChat      Purpose = "chat"
	PurposeProactive Purpose = "proactive"
	PurposeSummary   Purpose = "summary"
	PurposeWelcome   Purpose = "welcome"
	PurposeClassify  Purpose = "classify"
)

func temperatureFor(p Purpose) float32 {
	switch p {
	case PurposeChat:
		return 0.2
	case PurposeProactive, PurposeSummary:
		return 0.3
	case PurposeWelcome:
		return 0.5
	case PurposeClassify:
		return 0.0
	default:
		return 0.3
	}
}

// Endpoint is one configured OpenAI-compatible backend: a base URL,
// API key, and model name. The gateway holds two — main and small —
// and falls back small→main when the small endpoint isn't fully
// configured.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

func (e Endpoint) configured() bool {
	return e.BaseURL != "" && e.APIKey != "" && e.Model != ""
}

// Recorder is the narrow metrics surface the gateway reports call
// latency and error kind against; satisfied by *metrics.Registry in
// production.
type Recorder interface {
	ObserveGatewayCall(gateway, purpose string, d time.Duration, errKind string)
}

// Gateway is the uniform surface over the main and small-model
// chat-completions endpoints.
type Gateway struct {
	main  Endpoint
	small Endpoint

	mainClient  *openai.Client
	smallClient *openai.Client

	metrics Recorder
}

// New builds a Gateway from the main and small-model endpoints. The
// small endpoint may be the zero value; calls routed to it fall back
// to main transparently.
func New(main, small Endpoint) *Gateway {
	g := &Gateway{main: main, small: small}
	g.mainClient = newClient(main)
	if small.configured() {
		g.smallClient = newClient(small)
	}
	return g
}

// WithMetrics attaches a Recorder; returns g for chaining at
// construction time.
func (g *Gateway) WithMetrics(rec Recorder) *Gateway {
	g.metrics = rec
	return g
}

func newClient(e Endpoint) *openai.Client {
	cfg := openai.DefaultConfig(e.APIKey)
	if e.BaseURL != "" {
		cfg.BaseURL = e.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Chat performs a text-only call.
func (g *Gateway) Chat(ctx context.Context, systemPrompt, userPrompt string, purpose Purpose) Result {
	return g.call(ctx, g.mainClient, g.main, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	}, purpose)
}

// Multimodal performs a call whose user turn carries both text and
// image parts, encoded as an ordered content-part list of
// {type: text | image_url} entries.
func (g *Gateway) Multimodal(ctx context.Context, systemPrompt, userPrompt string, images []ImagePart, purpose Purpose) Result {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img.DataURL},
		})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: userPrompt,
	})

	return g.call(ctx, g.mainClient, g.main, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}, purpose)
}

// Classify routes to the small model when fully configured, else
// transparently falls back to the main model.
func (g *Gateway) Classify(ctx context.Context, systemPrompt, userPrompt string) Result {
	client, endpoint := g.mainClient, g.main
	if g.smallClient != nil {
		client, endpoint = g.smallClient, g.small
	}
	return g.call(ctx, client, endpoint, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	}, PurposeClassify)
}

func (g *Gateway) call(ctx context.Context, client *openai.Client, endpoint Endpoint, messages []openai.ChatCompletionMessage, purpose Purpose) Result {
	start := time.Now()
	result := g.callUnmeasured(ctx, client, endpoint, messages, purpose)
	if g.metrics != nil {
		kind := ""
		if result.Err != nil {
			kind = string(result.Err.Kind)
		}
		g.metrics.ObserveGatewayCall("llm", string(purpose), time.Since(start), kind)
	}
	return result
}

func (g *Gateway) callUnmeasured(ctx context.Context, client *openai.Client, endpoint Endpoint, messages []openai.ChatCompletionMessage, purpose Purpose) Result {
	if !endpoint.configured() {
		return Result{Err: &Error{Kind: ErrHTTP, Detail: "endpoint not configured"}}
	}

	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:       endpoint.Model,
		Temperature: temperatureFor(purpose),
		Messages:    messages,
	})
	if err != nil {
		if cctx.Err() != nil {
			return Result{Err: &Error{Kind: ErrTimeout, Detail: err.Error()}}
		}
		return Result{Err: &Error{Kind: ErrHTTP, Detail: err.Error()}}
	}
	if len(resp.Choices) == 0 {
		return Result{Err: &Error{Kind: ErrEmpty, Detail: "no choices in response"}}
	}
	return Result{Text: resp.Choices[0].Message.Content}
}
