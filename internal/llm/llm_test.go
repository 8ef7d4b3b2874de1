package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture records each chat-completions request body the fake server
// receives, then answers with a canned completion.
type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	reply  string
	status int
	sleep  time.Duration
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.sleep > 0 {
			time.Sleep(c.sleep)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()

		if c.status >= 300 {
			w.WriteHeader(c.status)
			w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": c.reply}},
			},
		})
	}
}

func (c *capture) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.bodies)
	return c.bodies[len(c.bodies)-1]
}

func newGateway(t *testing.T, cap *capture, model string) (*Gateway, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(cap.handler())
	t.Cleanup(srv.Close)
	g := New(Endpoint{BaseURL: srv.URL, APIKey: "key", Model: model, Timeout: 5 * time.Second}, Endpoint{})
	return g, srv
}

func TestChatReturnsText(t *testing.T) {
	cap := &capture{reply: "你好"}
	g, _ := newGateway(t, cap, "main-model")

	result := g.Chat(context.Background(), "system", "user", PurposeChat)
	require.True(t, result.OK())
	assert.Equal(t, "你好", result.Text)

	body := cap.last(t)
	assert.Equal(t, "main-model", body["model"])
	assert.InDelta(t, 0.2, body["temperature"], 0.001)
}

func TestTemperatureFollowsPurpose(t *testing.T) {
	cap := &capture{reply: "ok"}
	g, _ := newGateway(t, cap, "m")

	g.Chat(context.Background(), "s", "u", PurposeWelcome)
	assert.InDelta(t, 0.5, cap.last(t)["temperature"], 0.001)

	g.Chat(context.Background(), "s", "u", PurposeSummary)
	assert.InDelta(t, 0.3, cap.last(t)["temperature"], 0.001)
}

func TestMultimodalPutsImagesBeforeText(t *testing.T) {
	cap := &capture{reply: "看到了"}
	g, _ := newGateway(t, cap, "m")

	images := []ImagePart{{DataURL: "data:image/png;base64,AAAA"}}
	result := g.Multimodal(context.Background(), "s", "这是什么", images, PurposeChat)
	require.True(t, result.OK())

	body := cap.last(t)
	messages := body["messages"].([]any)
	user := messages[1].(map[string]any)
	parts := user["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[0].(map[string]any)["type"])
	assert.Equal(t, "text", parts[1].(map[string]any)["type"])
}

func TestClassifyFallsBackToMainWhenSmallUnconfigured(t *testing.T) {
	cap := &capture{reply: `{"task_type":"chat"}`}
	g, _ := newGateway(t, cap, "main-model")

	result := g.Classify(context.Background(), "s", "u")
	require.True(t, result.OK())
	assert.Equal(t, "main-model", cap.last(t)["model"])
}

func TestClassifyUsesSmallModelWhenConfigured(t *testing.T) {
	mainCap := &capture{reply: "main"}
	mainSrv := httptest.NewServer(mainCap.handler())
	t.Cleanup(mainSrv.Close)
	smallCap := &capture{reply: `{"task_type":"chat"}`}
	smallSrv := httptest.NewServer(smallCap.handler())
	t.Cleanup(smallSrv.Close)

	g := New(
		Endpoint{BaseURL: mainSrv.URL, APIKey: "key", Model: "main-model", Timeout: 5 * time.Second},
		Endpoint{BaseURL: smallSrv.URL, APIKey: "key", Model: "small-model", Timeout: 5 * time.Second},
	)

	result := g.Classify(context.Background(), "s", "u")
	require.True(t, result.OK())
	assert.Equal(t, "small-model", smallCap.last(t)["model"])
	assert.Empty(t, mainCap.bodies)
}

func TestChatSurfacesHTTPFailureAsTypedError(t *testing.T) {
	cap := &capture{status: http.StatusInternalServerError}
	g, _ := newGateway(t, cap, "m")

	result := g.Chat(context.Background(), "s", "u", PurposeChat)
	require.False(t, result.OK())
	assert.Equal(t, ErrHTTP, result.Err.Kind)
	assert.Empty(t, result.Text)
}

func TestChatTimesOut(t *testing.T) {
	cap := &capture{reply: "slow", sleep: 300 * time.Millisecond}
	srv := httptest.NewServer(cap.handler())
	t.Cleanup(srv.Close)
	g := New(Endpoint{BaseURL: srv.URL, APIKey: "key", Model: "m", Timeout: 50 * time.Millisecond}, Endpoint{})

	result := g.Chat(context.Background(), "s", "u", PurposeChat)
	require.False(t, result.OK())
	assert.Equal(t, ErrTimeout, result.Err.Kind)
}

func TestUnconfiguredEndpointFailsWithoutNetwork(t *testing.T) {
	g := New(Endpoint{}, Endpoint{})
	result := g.Chat(context.Background(), "s", "u", PurposeChat)
	require.False(t, result.OK())
	assert.Equal(t, ErrHTTP, result.Err.Kind)
}

func TestEmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	t.Cleanup(srv.Close)
	g := New(Endpoint{BaseURL: srv.URL, APIKey: "key", Model: "m", Timeout: 5 * time.Second}, Endpoint{})

	result := g.Chat(context.Background(), "s", "u", PurposeChat)
	require.False(t, result.OK())
	assert.Equal(t, ErrEmpty, result.Err.Kind)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
	kinds []string
}

func (f *fakeRecorder) ObserveGatewayCall(gateway, purpose string, d time.Duration, errKind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, gateway+"/"+purpose)
	f.kinds = append(f.kinds, errKind)
}

func TestMetricsRecorderObservesEveryCall(t *testing.T) {
	cap := &capture{reply: "ok"}
	g, _ := newGateway(t, cap, "m")
	rec := &fakeRecorder{}
	g.WithMetrics(rec)

	g.Chat(context.Background(), "s", "u", PurposeChat)
	g.Chat(context.Background(), "s", "u", PurposeSummary)

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "llm/chat", rec.calls[0])
	assert.Equal(t, "llm/summary", rec.calls[1])
	assert.Equal(t, "", rec.kinds[0])
}

func TestErrorStringCarriesKindAndDetail(t *testing.T) {
	e := &Error{Kind: ErrTimeout, Detail: "deadline exceeded"}
	assert.Contains(t, e.Error(), "timeout")
	assert.Contains(t, e.Error(), "deadline exceeded")
}
