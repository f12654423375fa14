package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToGeminiContents(t *testing.T) {
	system, history, last, err := toGeminiContents([]Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2", Images: []string{"R0lGODlhAQABAAAAACw="}},
	})
	require.NoError(t, err)

	assert.Equal(t, "be brief", system)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, genai.Text("a1"), history[1].Parts[0])

	require.Len(t, last.Parts, 2)
	blob, ok := last.Parts[1].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/gif", blob.MIMEType)
}

func TestToGeminiContents_RequiresTrailingUser(t *testing.T) {
	_, _, _, err := toGeminiContents([]Message{{Role: "system", Content: "x"}})
	assert.Error(t, err)

	_, _, _, err = toGeminiContents([]Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}})
	assert.Error(t, err)
}
