// Package stream decodes the provider's streamed answer format: an event
// transport of JSON payloads whose text field is JSON-encoded twice more.
// Decoding is tolerant: a malformed record yields a chunk with whatever
// fields were recovered rather than aborting the stream.
package stream

import (
	"encoding/json"
)

// Step classifiers as they appear on the wire.
const (
	stepFinal         = "FINAL"
	stepAwaitingInput = "AWAITING_INPUT"
)

// StepKind classifies a chunk's position in the query exchange.
type StepKind int

const (
	// KindIntermediate is a partial update; more chunks follow.
	KindIntermediate StepKind = iota
	// KindAwaitingInput means the provider wants answers to prompt steps
	// before it will continue.
	KindAwaitingInput
	// KindFinal carries the extracted answer and is the last chunk of a
	// request.
	KindFinal
)

// PromptKind distinguishes provider prompt-step shapes.
type PromptKind string

const (
	PromptText     PromptKind = "text"
	PromptCheckbox PromptKind = "checkbox"
)

// PromptOption is one labeled choice of a checkbox prompt step.
type PromptOption struct {
	UUID  string `json:"uuid"`
	Label string `json:"label"`
}

// PromptStep is a server-issued sub-question inside a request.
type PromptStep struct {
	UUID        string         `json:"uuid"`
	Kind        PromptKind     `json:"type"`
	Description string         `json:"description"`
	Options     []PromptOption `json:"options"`
}

// Step is one entry of the re-parsed text field.
type Step struct {
	UUID    string          `json:"uuid"`
	Type    string          `json:"step_type"`
	Content json.RawMessage `json:"content"`
}

// Chunk is one decoded unit of a streamed answer.
type Chunk struct {
	// Raw is the payload exactly as received.
	Raw json.RawMessage

	BackendUUID string
	Attachments []string

	// Steps is the re-parsed text field, when it decoded.
	Steps []Step

	// Answer and AnswerChunks are populated from the FINAL step's content.
	Answer       string
	AnswerChunks []string

	final bool
}

// Kind classifies the chunk. Exactly one chunk per successful request is
// final, and it is the last one observed.
func (c *Chunk) Kind() StepKind {
	if c.final {
		return KindFinal
	}
	for _, s := range c.Steps {
		if s.Type == stepAwaitingInput {
			return KindAwaitingInput
		}
	}
	return KindIntermediate
}

// Prompts extracts the prompt steps of an awaiting-input chunk.
func (c *Chunk) Prompts() []PromptStep {
	var prompts []PromptStep
	for _, s := range c.Steps {
		if s.Type != stepAwaitingInput || len(s.Content) == 0 {
			continue
		}
		var content struct {
			Inputs []PromptStep `json:"inputs"`
		}
		if err := json.Unmarshal(s.Content, &content); err != nil {
			continue
		}
		prompts = append(prompts, content.Inputs...)
	}
	return prompts
}

// Decode parses one message payload into a Chunk. The text field, when
// present, is JSON-encoded and parsed again; a FINAL step's content.answer
// is JSON-encoded once more and parsed a third time for the plain answer.
// Failures at any nesting level leave the outer fields intact.
func Decode(payload []byte) Chunk {
	c := Chunk{Raw: append(json.RawMessage(nil), payload...)}

	var outer struct {
		BackendUUID string          `json:"backend_uuid"`
		Attachments []string        `json:"attachments"`
		Text        json.RawMessage `json:"text"`
		Final       bool            `json:"final"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		return c
	}
	c.BackendUUID = outer.BackendUUID
	c.Attachments = outer.Attachments
	c.final = outer.Final

	steps, ok := decodeSteps(outer.Text)
	if !ok {
		return c
	}
	c.Steps = steps

	for _, s := range steps {
		if s.Type != stepFinal {
			continue
		}
		c.final = true
		var content struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal(s.Content, &content); err != nil || content.Answer == "" {
			break
		}
		var answer struct {
			Answer string   `json:"answer"`
			Chunks []string `json:"chunks"`
		}
		if err := json.Unmarshal([]byte(content.Answer), &answer); err != nil {
			break
		}
		c.Answer = answer.Answer
		c.AnswerChunks = answer.Chunks
		break
	}
	return c
}

// decodeSteps unwraps the doubly-encoded text field. The field is normally
// a JSON string containing a JSON array; some variants inline the array.
func decodeSteps(text json.RawMessage) ([]Step, bool) {
	if len(text) == 0 {
		return nil, false
	}

	var inner string
	if err := json.Unmarshal(text, &inner); err == nil {
		var steps []Step
		if err := json.Unmarshal([]byte(inner), &steps); err != nil {
			return nil, false
		}
		return steps, true
	}

	var steps []Step
	if err := json.Unmarshal(text, &steps); err != nil {
		return nil, false
	}
	return steps, true
}
