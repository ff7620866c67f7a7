package anthropic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aescanero/dagflow/pkg/ports"
	"github.com/anthropics/anthropic-sdk-go/option"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestComplete(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "pong"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 1}
		}`))
	}))
	defer srv.Close()

	c, err := NewClient("test-key", zaptest.NewLogger(t), option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), ports.CompletionRequest{
		Model:     "claude-test",
		System:    "be brief",
		Prompt:    "ping",
		MaxTokens: 16,
	})
	require.NoError(t, err)

	assert.Equal(t, "pong", resp.Text)
	assert.Equal(t, "claude-test", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 5, resp.InputTokens)
	assert.Equal(t, 1, resp.OutputTokens)

	assert.Equal(t, "claude-test", body["model"])
	assert.Equal(t, float64(16), body["max_tokens"])
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient("", zaptest.NewLogger(t))
	assert.Error(t, err)
}
