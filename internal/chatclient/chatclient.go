// Package chatclient implements the authenticated operations the
// orchestrator uses to talk to the chat platform, built over
// github.com/go-resty/resty/v2 behind a narrow interface.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const defaultAPIBase = "https://open.feishu.cn/open-apis"

// Client implements the five Feishu REST operations the engine needs,
// with a cached tenant access token refreshed single-flight within
// 60s of expiry.
type Client struct {
	http      *resty.Client
	appID     string
	appSecret string

	tokenMu    sync.Mutex
	token      string
	expiresAt  time.Time
	refreshing chan struct{}
}

// New builds a Client against the given API base (empty uses the
// production Feishu endpoint).
func New(appID, appSecret, apiBase string) *Client {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	c := resty.New().
		SetBaseURL(apiBase).
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Client{http: c, appID: appID, appSecret: appSecret}
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// authToken returns a valid tenant access token, refreshing it when
// within 60s of expiry. Concurrent callers single-flight the refresh
// through a shared channel so a thundering herd of requests doesn't
// fire N token requests at once.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	if c.token != "" && time.Now().Before(c.expiresAt.Add(-60*time.Second)) {
		tok := c.token
		c.tokenMu.Unlock()
		return tok, nil
	}
	if c.refreshing != nil {
		ch := c.refreshing
		c.tokenMu.Unlock()
		<-ch
		c.tokenMu.Lock()
		tok := c.token
		c.tokenMu.Unlock()
		if tok == "" {
			return "", fmt.Errorf("tenant token refresh failed")
		}
		return tok, nil
	}
	ch := make(chan struct{})
	c.refreshing = ch
	c.tokenMu.Unlock()

	var out tenantTokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"app_id": c.appID, "app_secret": c.appSecret}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/auth/v3/tenant_access_token/internal")

	c.tokenMu.Lock()
	defer func() {
		close(ch)
		c.refreshing = nil
		c.tokenMu.Unlock()
	}()

	if err != nil {
		return "", fmt.Errorf("tenant token request: %w", err)
	}
	if resp.StatusCode() >= 300 || out.Code != 0 {
		return "", fmt.Errorf("tenant token error: code=%d msg=%s", out.Code, out.Msg)
	}
	c.token = out.TenantAccessToken
	c.expiresAt = time.Now().Add(time.Duration(out.Expire) * time.Second)
	return c.token, nil
}

// SendText sends a plain-text message to chat_id. Delivery is
// best-effort: errors are logged, never returned to the caller — the
// orchestrator never blocks on delivery failure.
func (c *Client) SendText(ctx context.Context, chatID, text string) {
	tok, err := c.authToken(ctx)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("send_text: token unavailable")
		return
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	body := map[string]any{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	}
	var out codeMsg
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetBody(body).
		SetResult(&out).
		SetQueryParam("receive_id_type", "chat_id").
		Post("/im/v1/messages")
	if err != nil || resp.StatusCode() >= 300 || out.Code != 0 {
		log.Warn().Err(err).Int("code", out.Code).Str("chat_id", chatID).Msg("send_text failed")
	}
}

type codeMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// UploadImage multipart-uploads image bytes and returns the opaque
// image_key the platform assigns.
func (c *Client) UploadImage(ctx context.Context, imageBytes []byte) (string, error) {
	tok, err := c.authToken(ctx)
	if err != nil {
		return "", err
	}
	var out struct {
		codeMsg
		Data struct {
			ImageKey string `json:"image_key"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetFileReader("image", "image.png", bytes.NewReader(imageBytes)).
		SetFormData(map[string]string{"image_type": "message"}).
		SetResult(&out).
		ForceContentType("application/json").
		Post("/im/v1/images")
	if err != nil {
		return "", fmt.Errorf("upload_image: %w", err)
	}
	if resp.StatusCode() >= 300 || out.Code != 0 {
		return "", fmt.Errorf("upload_image failed: code=%d msg=%s", out.Code, out.Msg)
	}
	if out.Data.ImageKey == "" {
		return "", fmt.Errorf("upload_image: no image_key in response")
	}
	return out.Data.ImageKey, nil
}

// SendImage sends an already-uploaded image_key to chat_id, followed
// by a caption text message if one is provided.
func (c *Client) SendImage(ctx context.Context, chatID, imageKey, caption string) {
	tok, err := c.authToken(ctx)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("send_image: token unavailable")
		return
	}
	content, _ := json.Marshal(map[string]string{"image_key": imageKey})
	body := map[string]any{
		"receive_id": chatID,
		"msg_type":   "image",
		"content":    string(content),
	}
	var out codeMsg
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetBody(body).
		SetResult(&out).
		SetQueryParam("receive_id_type", "chat_id").
		Post("/im/v1/messages")
	if err != nil || resp.StatusCode() >= 300 || out.Code != 0 {
		log.Warn().Err(err).Int("code", out.Code).Str("chat_id", chatID).Msg("send_image failed")
		return
	}
	if caption != "" {
		c.SendText(ctx, chatID, caption)
	}
}

// GetMessageText fetches message_id's text content, for quote
// expansion. Empty string on any failure.
func (c *Client) GetMessageText(ctx context.Context, messageID string) string {
	if messageID == "" {
		return ""
	}
	tok, err := c.authToken(ctx)
	if err != nil {
		return ""
	}
	var out struct {
		codeMsg
		Data struct {
			Items []struct {
				Body struct {
					Content string `json:"content"`
				} `json:"body"`
			} `json:"items"`
		} `json:"data"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetResult(&out).
		ForceContentType("application/json").
		Get("/im/v1/messages/" + messageID)
	if err != nil || resp.StatusCode() >= 300 || out.Code != 0 || len(out.Data.Items) == 0 {
		return ""
	}
	var content struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(out.Data.Items[0].Body.Content), &content); err != nil {
		return ""
	}
	return content.Text
}

// GetMessageMedia fetches the raw bytes and MIME type of an image
// attached to message_id under file_key. Requires both ids non-empty.
func (c *Client) GetMessageMedia(ctx context.Context, messageID, fileKey string) ([]byte, string) {
	if messageID == "" || fileKey == "" {
		return nil, ""
	}
	tok, err := c.authToken(ctx)
	if err != nil {
		return nil, ""
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetQueryParam("type", "image").
		Get("/im/v1/messages/" + messageID + "/resources/" + fileKey)
	if err != nil || resp.StatusCode() >= 300 {
		return nil, ""
	}
	mime := resp.Header().Get("Content-Type")
	return resp.Body(), mime
}
