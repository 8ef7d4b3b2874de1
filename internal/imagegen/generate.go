package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
)

// Request is the input to Generate: a text prompt plus an optional
// reference image used for image-to-image drawing.
type Request struct {
	Prompt         string
	ReferenceImage []byte // nil for pure text-to-image
	MaxSize        int
}

// One template per call shape: pure text-to-image, and
// image-to-image with an attached reference.
const (
	promptTemplateImageGen = "根据用户需求生成图片。\n\n用户需求: %s\n\n请生成符合要求的图片。"
	promptTemplateImg2Img  = "根据参考图片和用户需求生成新图片。\n\n参考图片已提供。\n用户需求: %s\n\n请基于参考图片生成符合要求的新图片。"
)

// Gateway drives text-to-image and image-to-image generation over a
// chat-completions-style multimodal endpoint. The endpoint's
// multi_mod_content/inline_data response envelope isn't expressible
// in go-openai's types, so this gateway talks resty directly.
type Gateway struct {
	http    *resty.Client
	model   string
	timeout time.Duration
}

// New builds a Gateway against baseURL ("" disables it entirely —
// callers should check Configured()).
func New(baseURL, apiKey, model string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c := resty.New()
	if baseURL != "" {
		c.SetBaseURL(strings.TrimRight(baseURL, "/"))
	}
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	c.SetTimeout(timeout)
	return &Gateway{http: c, model: model, timeout: timeout}
}

// Configured reports whether the gateway has a usable endpoint — the
// draw pipeline's "not configured" reply hinges on this.
func (g *Gateway) Configured() bool {
	return g != nil && g.http.BaseURL != "" && g.model != ""
}

// ReferenceSize decodes a reference image (any format imaging
// supports: png/jpeg/gif/bmp/tiff) to get its pixel bounds, used to
// snap the generated image's aspect ratio to the reference's.
func ReferenceSize(referenceImage []byte) (*Size, error) {
	img, err := imaging.Decode(bytes.NewReader(referenceImage))
	if err != nil {
		return nil, fmt.Errorf("decode reference image: %w", err)
	}
	b := img.Bounds()
	return &Size{Width: b.Dx(), Height: b.Dy()}, nil
}

type genMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type genRequest struct {
	Model      string       `json:"model"`
	Messages   []genMessage `json:"messages"`
	Modalities []string     `json:"modalities"`
}

type genResponse struct {
	Choices []struct {
		Message struct {
			MultiModContent []struct {
				InlineData struct {
					Data string `json:"data"`
				} `json:"inline_data"`
			} `json:"multi_mod_content"`
		} `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces image bytes for req. The user content array puts
// the reference image (if any) before the text part.
func (g *Gateway) Generate(ctx context.Context, req Request) ([]byte, error) {
	if !g.Configured() {
		return nil, fmt.Errorf("image gateway not configured")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if strings.HasPrefix(prompt, "@") {
		if idx := strings.IndexAny(prompt, " \t\n"); idx >= 0 {
			prompt = strings.TrimSpace(prompt[idx+1:])
		}
	}

	maxSize := req.MaxSize
	if maxSize <= 0 {
		maxSize = 1024
	}

	var size Size
	var userContent []contentPart
	var fullPrompt string
	if len(req.ReferenceImage) > 0 {
		refSize, err := ReferenceSize(req.ReferenceImage)
		if err != nil {
			size = ParseSizeFromText(prompt, nil, maxSize)
		} else {
			size = ParseSizeFromText(prompt, refSize, maxSize)
		}
		b64 := base64.StdEncoding.EncodeToString(req.ReferenceImage)
		userContent = append(userContent, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/png;base64," + b64},
		})
		fullPrompt = fmt.Sprintf(promptTemplateImg2Img, prompt)
	} else {
		size = ParseSizeFromText(prompt, nil, maxSize)
		fullPrompt = fmt.Sprintf(promptTemplateImageGen, prompt)
	}
	userContent = append(userContent, contentPart{Type: "text", Text: fullPrompt})

	ratio := AspectRatioToken(size.Width, size.Height)

	body := genRequest{
		Model: g.model,
		Messages: []genMessage{
			{Role: "system", Content: "aspect_ratio=" + ratio},
			{Role: "user", Content: userContent},
		},
		Modalities: []string{"text", "image"},
	}

	var out genResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		ForceContentType("application/json").
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("image generation request: %w", err)
	}
	if resp.StatusCode() >= 300 {
		if out.Error.Message != "" {
			return nil, fmt.Errorf("%s", out.Error.Message)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	for _, part := range out.Choices[0].Message.MultiModContent {
		if part.InlineData.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image data: %w", err)
			}
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("no image data found in response")
}
