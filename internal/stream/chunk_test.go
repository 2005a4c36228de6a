package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPayload assembles a message payload with the wire's nesting: the
// step list is JSON-encoded into the text field, and a FINAL step's answer
// is JSON-encoded once more inside its content.
func buildPayload(t *testing.T, backendUUID string, steps []map[string]any) []byte {
	t.Helper()
	text, err := json.Marshal(steps)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"backend_uuid": backendUUID,
		"text":         string(text),
	})
	require.NoError(t, err)
	return payload
}

func finalStep(t *testing.T, answer string, chunks []string) map[string]any {
	t.Helper()
	inner, err := json.Marshal(map[string]any{"answer": answer, "chunks": chunks})
	require.NoError(t, err)
	return map[string]any{
		"uuid":      "step-final",
		"step_type": "FINAL",
		"content":   map[string]any{"answer": string(inner)},
	}
}

func TestDecodeFinalAnswer(t *testing.T) {
	t.Parallel()

	payload := buildPayload(t, "backend-1", []map[string]any{
		{"uuid": "step-0", "step_type": "SEARCH_RESULTS", "content": map[string]any{}},
		finalStep(t, "Go is a programming language.", []string{"Go is ", "a programming language."}),
	})

	chunk := Decode(payload)

	assert.Equal(t, KindFinal, chunk.Kind())
	assert.Equal(t, "backend-1", chunk.BackendUUID)
	assert.Equal(t, "Go is a programming language.", chunk.Answer)
	assert.Equal(t, []string{"Go is ", "a programming language."}, chunk.AnswerChunks)
}

func TestDecodeAwaitingInput(t *testing.T) {
	t.Parallel()

	payload := buildPayload(t, "backend-2", []map[string]any{
		{
			"uuid":      "step-1",
			"step_type": "AWAITING_INPUT",
			"content": map[string]any{
				"inputs": []map[string]any{
					{
						"uuid":        "prompt-1",
						"type":        "checkbox",
						"description": "Which region?",
						"options": []map[string]any{
							{"uuid": "opt-1", "label": "EU"},
							{"uuid": "opt-2", "label": "US"},
						},
					},
				},
			},
		},
	})

	chunk := Decode(payload)

	require.Equal(t, KindAwaitingInput, chunk.Kind())
	prompts := chunk.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, PromptCheckbox, prompts[0].Kind)
	assert.Equal(t, "Which region?", prompts[0].Description)
	require.Len(t, prompts[0].Options, 2)
	assert.Equal(t, "EU", prompts[0].Options[0].Label)
}

func TestDecodeIntermediate(t *testing.T) {
	t.Parallel()

	payload := buildPayload(t, "backend-3", []map[string]any{
		{"uuid": "step-0", "step_type": "SEARCH_RESULTS", "content": map[string]any{}},
	})

	chunk := Decode(payload)
	assert.Equal(t, KindIntermediate, chunk.Kind())
	assert.Empty(t, chunk.Answer)
}

func TestDecodeInlineStepArray(t *testing.T) {
	t.Parallel()

	// Some payload variants inline the step array instead of string-wrapping it.
	payload := []byte(`{"backend_uuid":"backend-4","text":[{"uuid":"s","step_type":"SEARCH_RESULTS","content":{}}]}`)

	chunk := Decode(payload)
	assert.Equal(t, "backend-4", chunk.BackendUUID)
	require.Len(t, chunk.Steps, 1)
}

func TestDecodeMalformedKeepsOuterFields(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"backend_uuid":"backend-5","text":"not json at all"}`)

	chunk := Decode(payload)
	assert.Equal(t, "backend-5", chunk.BackendUUID)
	assert.Empty(t, chunk.Steps)
	assert.Equal(t, KindIntermediate, chunk.Kind())
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	chunk := Decode([]byte(`not even json`))
	assert.Equal(t, KindIntermediate, chunk.Kind())
	assert.Equal(t, "not even json", string(chunk.Raw))
}

func TestDecodeFinalFlagWithoutFinalStep(t *testing.T) {
	t.Parallel()

	// The outer payload may flag finality directly.
	chunk := Decode([]byte(`{"backend_uuid":"backend-6","final":true}`))
	assert.Equal(t, KindFinal, chunk.Kind())
}
