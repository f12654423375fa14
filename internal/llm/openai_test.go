package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"1","object":"chat.completion","model":%q,"choices":[{"index":0,"message":{"role":"assistant","content":"buffered reply"},"finish_reason":"stop"}]}`, req.Model)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Str", "eam", "ed"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"object":"list","data":[{"id":"llama3","object":"model"},{"id":"llava","object":"model"}]}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIClient_Chat(t *testing.T) {
	server := newOpenAITestServer(t)
	client := NewOpenAIClient(server.URL+"/v1", "")

	text, err := client.Chat(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "buffered reply", text)
}

func TestOpenAIClient_ChatStream(t *testing.T) {
	server := newOpenAITestServer(t)
	client := NewOpenAIClient(server.URL+"/v1", "")

	var chunks []string
	err := client.ChatStream(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Str", "eam", "ed"}, chunks)
}

func TestOpenAIClient_ListModels(t *testing.T) {
	server := newOpenAITestServer(t)
	models, err := NewOpenAIClient(server.URL+"/v1", "").ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3", models[0].Name)
}

func TestToOpenAIRequest_Images(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	req := toOpenAIRequest(Request{
		Model: "llava",
		Messages: []Message{
			{Role: "system", Content: "sys"},
			{Role: "user", Content: "what is this", Images: []string{base64.StdEncoding.EncodeToString(png), "%%%"}},
		},
		Options: Options{NumPredict: 20},
	})

	assert.Equal(t, 20, req.MaxTokens)
	assert.Equal(t, "sys", req.Messages[0].Content)
	assert.Nil(t, req.Messages[0].MultiContent)

	parts := req.Messages[1].MultiContent
	require.Len(t, parts, 2, "undecodable payload is skipped")
	assert.Equal(t, "what is this", parts[0].Text)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))
}
