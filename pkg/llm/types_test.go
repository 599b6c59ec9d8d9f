package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMessageContentForms(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"string", `{"role":"user","content":"hi"}`, "hi"},
		{"null", `{"role":"assistant","content":null,"tool_calls":[{"id":"1"}]}`, ""},
		{"parts", `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{}},{"type":"text","text":"b"}]}`, "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			require.NoError(t, json.Unmarshal([]byte(tt.input), &msg))
			assert.Equal(t, tt.expected, msg.Content)
		})
	}

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"assistant","content":null,"tool_calls":[{"id":"1"}]}`), &msg))
	assert.JSONEq(t, `[{"id":"1"}]`, string(msg.ToolCalls))

	assert.Error(t, json.Unmarshal([]byte(`["not","an","object"]`), &msg))
}

func TestRequestKeepsUnknownFields(t *testing.T) {
	input := `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hello"}],
		"max_tokens": 100,
		"top_p": 0.5,
		"response_format": {"type": "json_object"},
		"user.id": "abc"
	}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(input), &req))

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Equal(t, 100, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	assert.Len(t, req.Extra, 3)

	out, err := json.Marshal(req)
	require.NoError(t, err)

	assert.Equal(t, 0.5, gjson.GetBytes(out, "top_p").Float())
	assert.Equal(t, "json_object", gjson.GetBytes(out, "response_format.type").String())
	assert.Equal(t, "abc", gjson.GetBytes(out, `user\.id`).String())
	assert.False(t, gjson.GetBytes(out, "stream").Exists())
}

func TestRequestKnownFieldsWinOverExtra(t *testing.T) {
	req := Request{
		Model: "m",
		Extra: map[string]json.RawMessage{"model": json.RawMessage(`"other"`)},
	}

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Equal(t, "m", gjson.GetBytes(out, "model").String())
}

func TestDecodeChunk(t *testing.T) {
	data := []byte(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}],"system_fingerprint":"fp"}`)

	chunk, err := DecodeChunk(data)
	require.NoError(t, err)

	assert.Equal(t, "c1", chunk.ID)
	assert.Equal(t, "Hel", chunk.Content())
	assert.Equal(t, "", chunk.FinishReason())
	assert.True(t, chunk.HasPayload(), "role counts as payload")

	_, err = DecodeChunk([]byte(`{broken`))
	assert.Error(t, err)
}

func TestChunkWithContentPatchesRaw(t *testing.T) {
	data := []byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"<PHONE>"},"finish_reason":null}],"system_fingerprint":"fp"}`)
	chunk, err := DecodeChunk(data)
	require.NoError(t, err)

	patched, err := chunk.WithContent("555-1234")
	require.NoError(t, err)

	assert.Equal(t, "555-1234", patched.Content())
	assert.Equal(t, "<PHONE>", chunk.Content(), "original chunk must not change")

	encoded, err := patched.Encode()
	require.NoError(t, err)
	assert.Equal(t, "555-1234", gjson.GetBytes(encoded, "choices.0.delta.content").String())
	assert.Equal(t, "fp", gjson.GetBytes(encoded, "system_fingerprint").String())
}

func TestChunkWithContentWithoutChoices(t *testing.T) {
	chunk, err := DecodeChunk([]byte(`{"id":"c1","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}`))
	require.NoError(t, err)
	require.NotNil(t, chunk.Usage)
	assert.Equal(t, 3, chunk.Usage.TotalTokens)

	patched, err := chunk.WithContent("tail")
	require.NoError(t, err)

	encoded, err := patched.Encode()
	require.NoError(t, err)
	assert.Equal(t, "tail", gjson.GetBytes(encoded, "choices.0.delta.content").String())
}

func TestChunkHasPayload(t *testing.T) {
	assert.False(t, Chunk{Choices: []ChunkChoice{{Delta: Delta{Content: "x"}}}}.HasPayload())
	assert.True(t, Chunk{Choices: []ChunkChoice{{FinishReason: "stop"}}}.HasPayload())
	assert.True(t, Chunk{Choices: []ChunkChoice{{Delta: Delta{ToolCalls: json.RawMessage(`[]`)}}}}.HasPayload())
	assert.True(t, Chunk{Usage: &Usage{}}.HasPayload())
	assert.False(t, Chunk{}.HasPayload())
}

func TestResponseSetContent(t *testing.T) {
	raw := []byte(`{"id":"r1","choices":[{"index":0,"message":{"role":"assistant","content":"Call <PHONE>"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)

	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	resp.Raw = raw

	require.NoError(t, resp.SetContent("Call 555-1234"))
	assert.Equal(t, "Call 555-1234", resp.Content())

	encoded, err := resp.Encode()
	require.NoError(t, err)
	assert.Equal(t, "Call 555-1234", gjson.GetBytes(encoded, "choices.0.message.content").String())
	assert.Equal(t, int64(2), gjson.GetBytes(encoded, "usage.total_tokens").Int())
}
