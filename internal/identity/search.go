package identity

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/config"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/stream"
	"github.com/google/uuid"
)

// File is one attachment to upload with a query.
type File struct {
	Name    string
	Content []byte
}

// Solver answers one provider prompt step. Text prompts expect a single
// answer string; checkbox prompts expect the selected option labels.
type Solver func(ctx context.Context, step stream.PromptStep) ([]string, error)

// SearchOptions configure one query.
type SearchOptions struct {
	Mode      string
	Model     string
	Sources   []string
	Files     []File
	Language  string
	FollowUp  *domain.FollowUp
	Incognito bool

	// Solvers answer server-issued prompt steps, keyed by prompt kind.
	// Steps with no registered solver are answered with a skip.
	Solvers map[stream.PromptKind]Solver
}

func (o *SearchOptions) withDefaults() SearchOptions {
	out := *o
	if out.Mode == "" {
		out.Mode = config.ModeAuto
	}
	if len(out.Sources) == 0 {
		out.Sources = []string{"web"}
	}
	if out.Language == "" {
		out.Language = "en-US"
	}
	return out
}

// promptReply is the structured user-input submission for one prompt step.
type promptReply struct {
	StepUUID string   `json:"step_uuid"`
	Kind     string   `json:"type"`
	Skipped  bool     `json:"skipped"`
	Text     string   `json:"text,omitempty"`
	Selected []string `json:"selected,omitempty"`
}

// chunkSource abstracts the two ask-protocol generations behind one seam:
// correlated frames over the persistent channel, or an HTTP event stream.
// Both feed the same state machine.
type chunkSource interface {
	// next blocks for the next chunk. exhausted reports a cleanly ended
	// source (no more chunks will come).
	next(ctx context.Context) (chunk stream.Chunk, exhausted bool, err error)
	// submitInput answers the prompt steps of an awaiting-input chunk,
	// referencing its backend conversation id.
	submitInput(ctx context.Context, backendUUID string, replies []promptReply) error
	close()
}

// Search runs one query and yields every decoded chunk as it arrives. The
// sequence ends after the final chunk, on a typed error, or when the caller
// stops early. Validation and quota admission happen before any network
// call; their errors are yielded as the only element.
func (i *Identity) Search(ctx context.Context, query string, opts SearchOptions) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		o := opts.withDefaults()

		if err := i.validate(query, &o); err != nil {
			yield(stream.Chunk{}, err)
			return
		}
		if err := i.gov.Charge(config.PremiumModes[o.Mode], len(o.Files)); err != nil {
			yield(stream.Chunk{}, err)
			return
		}

		attachments, err := i.uploadFiles(ctx, o.Files)
		if err != nil {
			yield(stream.Chunk{}, err)
			return
		}
		if o.FollowUp != nil {
			attachments = append(attachments, o.FollowUp.Attachments...)
		}

		params := i.askParams(&o, attachments)

		var source chunkSource
		if i.cfg.AskTransport == config.TransportChannel {
			source, err = i.openChannelAsk(ctx, query, params)
		} else {
			source, err = i.openSSEAsk(ctx, query, params)
		}
		if err != nil {
			yield(stream.Chunk{}, err)
			return
		}
		defer source.close()

		i.runExchange(ctx, source, o.Solvers, yield)
	}
}

// SearchAnswer buffers a Search to completion and returns the last chunk.
func (i *Identity) SearchAnswer(ctx context.Context, query string, opts SearchOptions) (stream.Chunk, error) {
	return stream.Collect(i.Search(ctx, query, opts))
}

// runExchange is the query state machine loop: await a chunk, yield it,
// then either finish (final), answer prompt steps (awaiting input), or keep
// waiting (intermediate).
func (i *Identity) runExchange(ctx context.Context, source chunkSource, solvers map[stream.PromptKind]Solver, yield func(stream.Chunk, error) bool) {
	for {
		chunk, exhausted, err := source.next(ctx)
		if err != nil {
			yield(stream.Chunk{}, err)
			return
		}
		if exhausted {
			return
		}
		if !yield(chunk, nil) {
			return
		}

		switch chunk.Kind() {
		case stream.KindFinal:
			return
		case stream.KindAwaitingInput:
			replies := solvePrompts(ctx, solvers, chunk.Prompts())
			if err := source.submitInput(ctx, chunk.BackendUUID, replies); err != nil {
				yield(stream.Chunk{}, err)
				return
			}
		case stream.KindIntermediate:
			// Keep waiting.
		}
	}
}

// solvePrompts answers every prompt step: through the registered solver for
// its kind, or with a skip when none is registered or the solver fails.
// Free-text answers are truncated to the protocol maximum.
func solvePrompts(ctx context.Context, solvers map[stream.PromptKind]Solver, prompts []stream.PromptStep) []promptReply {
	replies := make([]promptReply, 0, len(prompts))
	for _, p := range prompts {
		reply := promptReply{StepUUID: p.UUID, Kind: string(p.Kind)}

		solver, ok := solvers[p.Kind]
		if !ok {
			reply.Skipped = true
			replies = append(replies, reply)
			continue
		}

		answers, err := solver(ctx, p)
		if err != nil || len(answers) == 0 {
			reply.Skipped = true
			replies = append(replies, reply)
			continue
		}

		switch p.Kind {
		case stream.PromptCheckbox:
			reply.Selected = answers
		default:
			reply.Text = truncateAnswer(answers[0], config.MaxPromptAnswerLength)
		}
		replies = append(replies, reply)
	}
	return replies
}

// truncateAnswer caps text at max bytes without splitting a multi-byte
// rune, backing up to the preceding rune boundary when the cut lands
// mid-sequence.
func truncateAnswer(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// validate rejects invalid parameter combinations before any network call.
func (i *Identity) validate(query string, o *SearchOptions) error {
	if strings.TrimSpace(query) == "" {
		return &apierr.ValidationError{Field: "query", Detail: "cannot be empty"}
	}

	models, ok := config.ModelPreferences[o.Mode]
	if !ok {
		return &apierr.ValidationError{Field: "mode", Detail: fmt.Sprintf("%q is not a search mode", o.Mode)}
	}
	if o.Model != "" {
		if !i.own {
			return &apierr.ValidationError{Field: "model", Detail: "model selection requires an owned account"}
		}
		if _, ok := models[o.Model]; !ok {
			return &apierr.ValidationError{Field: "model", Detail: fmt.Sprintf("%q is not valid for mode %q", o.Model, o.Mode)}
		}
	}

	for _, src := range o.Sources {
		if !config.Sources[src] {
			return &apierr.ValidationError{Field: "sources", Detail: fmt.Sprintf("%q is not a source", src)}
		}
	}

	if len(o.Files) > 0 && o.FollowUp != nil {
		return &apierr.ValidationError{Field: "files", Detail: "attachments and follow-up are mutually exclusive"}
	}

	return nil
}

// askParams builds the query parameter object shared by both transports.
func (i *Identity) askParams(o *SearchOptions, attachments []string) map[string]any {
	mode := "copilot"
	if o.Mode == config.ModeAuto {
		mode = "concise"
	}

	var lastBackendUUID any
	if o.FollowUp != nil {
		lastBackendUUID = o.FollowUp.BackendUUID
	}

	return map[string]any{
		"attachments":           attachments,
		"frontend_context_uuid": uuid.NewString(),
		"frontend_uuid":         i.frontendUUID,
		"frontend_session_id":   i.frontendSessionID,
		"is_incognito":          o.Incognito,
		"language":              o.Language,
		"last_backend_uuid":     lastBackendUUID,
		"mode":                  mode,
		"model_preference":      config.ModelPreferences[o.Mode][o.Model],
		"source":                "default",
		"sources":               o.Sources,
		"version":               config.APIVersion,
	}
}
