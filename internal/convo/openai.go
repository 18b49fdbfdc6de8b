package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/nexus-voice/nexus/internal/observe"
	"github.com/nexus-voice/nexus/internal/tools"
)

// maxToolRounds bounds how many tool-call round trips one user message may
// trigger before the engine gives up and answers with what it has.
const maxToolRounds = 4

// toolCall is one accumulated tool invocation from a streamed response.
type toolCall struct {
	id   string
	name string
	args string
}

// OpenAIEngine implements [Engine] on the OpenAI chat completions API, with
// tool calls routed through an MCP host.
type OpenAIEngine struct {
	client       oai.Client
	model        string
	systemPrompt string
	host         *tools.Host
	enabledTools []string
	log          *slog.Logger
	metrics      *observe.Metrics
	customClient bool

	mu       sync.Mutex
	sessions map[string][]oai.ChatCompletionMessageParamUnion
}

// OpenAIOption configures an [OpenAIEngine].
type OpenAIOption func(*OpenAIEngine)

// WithTools routes the model's tool calls through host, offering the tools
// named in enabled.
func WithTools(host *tools.Host, enabled []string) OpenAIOption {
	return func(e *OpenAIEngine) {
		e.host = host
		e.enabledTools = enabled
	}
}

// WithMetrics overrides the process-wide metrics instance.
func WithMetrics(m *observe.Metrics) OpenAIOption {
	return func(e *OpenAIEngine) { e.metrics = m }
}

// WithBaseURL overrides the OpenAI API endpoint. Used by tests and
// API-compatible gateways.
func WithBaseURL(url string) OpenAIOption {
	return func(e *OpenAIEngine) {
		e.client = oai.NewClient(
			option.WithAPIKey("unused"),
			option.WithBaseURL(url),
		)
		e.customClient = true
	}
}

// NewOpenAIEngine creates an engine for the given model. systemPrompt seeds
// every session's history.
func NewOpenAIEngine(apiKey, model, systemPrompt string, log *slog.Logger, opts ...OpenAIOption) (*OpenAIEngine, error) {
	if model == "" {
		return nil, fmt.Errorf("convo: model must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}

	e := &OpenAIEngine{
		client:       oai.NewClient(option.WithAPIKey(apiKey)),
		model:        model,
		systemPrompt: systemPrompt,
		log:          log,
		metrics:      observe.DefaultMetrics(),
		sessions:     make(map[string][]oai.ChatCompletionMessageParamUnion),
	}
	for _, o := range opts {
		o(e)
	}
	if apiKey == "" && !e.customClient {
		return nil, fmt.Errorf("convo: api key must not be empty")
	}
	return e, nil
}

// Respond implements [Engine].
func (e *OpenAIEngine) Respond(ctx context.Context, sessionID, userText string) (<-chan Chunk, error) {
	e.mu.Lock()
	history := e.sessions[sessionID]
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if len(history) == 0 && e.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(e.systemPrompt))
	}
	messages = append(messages, history...)
	messages = append(messages, oai.UserMessage(userText))
	e.mu.Unlock()

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		final, err := e.stream(ctx, messages, ch)
		if err != nil {
			e.log.Error("conversation stream failed", "session_id", sessionID, "error", err)
			emit(ctx, ch, Chunk{Type: ChunkError, Content: err.Error()})
			return
		}
		e.mu.Lock()
		e.sessions[sessionID] = final
		e.mu.Unlock()
		emit(ctx, ch, Chunk{Type: ChunkDone})
	}()
	return ch, nil
}

// stream runs the completion, following tool-call rounds until the model
// produces a plain answer. It returns the updated message history.
func (e *OpenAIEngine) stream(ctx context.Context, messages []oai.ChatCompletionMessageParamUnion, ch chan<- Chunk) ([]oai.ChatCompletionMessageParamUnion, error) {
	for round := 0; round <= maxToolRounds; round++ {
		params := oai.ChatCompletionNewParams{
			Model:    shared.ChatModel(e.model),
			Messages: messages,
		}
		if e.host != nil && round < maxToolRounds {
			for _, td := range e.host.Available(e.enabledTools) {
				params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
					Function: shared.FunctionDefinitionParam{
						Name:        td.Name,
						Description: param.NewOpt(td.Description),
						Parameters:  shared.FunctionParameters(td.Parameters),
					},
				})
			}
		}

		text, calls, err := e.streamOnce(ctx, params, ch)
		if err != nil {
			return nil, err
		}

		if len(calls) == 0 {
			messages = append(messages, oai.AssistantMessage(text))
			return messages, nil
		}

		asst := oai.ChatCompletionAssistantMessageParam{}
		if text != "" {
			asst.Content.OfString = oai.String(text)
		}
		for _, tc := range calls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.id,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.name,
					Arguments: tc.args,
				},
			})
		}
		messages = append(messages, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})

		for _, tc := range calls {
			emit(ctx, ch, Chunk{Type: ChunkToolCall, Content: tc.name})
			result, err := e.host.Execute(ctx, tc.name, tc.args)
			if err != nil {
				e.metrics.RecordToolCall(ctx, tc.name, "error")
				messages = append(messages, oai.ToolMessage("tool failed: "+err.Error(), tc.id))
				continue
			}
			e.metrics.RecordToolCall(ctx, tc.name, "ok")
			messages = append(messages, oai.ToolMessage(result.Content, tc.id))
		}
	}
	return nil, fmt.Errorf("convo: tool-call rounds exceeded %d", maxToolRounds)
}

// streamOnce runs one streaming completion, forwarding text deltas to ch and
// accumulating tool-call fragments by index.
func (e *OpenAIEngine) streamOnce(ctx context.Context, params oai.ChatCompletionNewParams, ch chan<- Chunk) (string, []toolCall, error) {
	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text string
	accum := map[int]*toolCall{}

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text += delta.Content
			if !emit(ctx, ch, Chunk{Type: ChunkText, Content: delta.Content}) {
				return "", nil, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			existing, ok := accum[idx]
			if !ok {
				existing = &toolCall{}
				accum[idx] = existing
			}
			if tc.ID != "" {
				existing.id = tc.ID
			}
			if tc.Function.Name != "" {
				existing.name = tc.Function.Name
			}
			existing.args += tc.Function.Arguments
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("convo: completion stream: %w", err)
	}

	calls := make([]toolCall, 0, len(accum))
	for i := 0; i < len(accum); i++ {
		if tc, ok := accum[i]; ok {
			calls = append(calls, *tc)
		}
	}
	return text, calls, nil
}

// Reset implements [Engine].
func (e *OpenAIEngine) Reset(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// emit sends c unless ctx is done. It reports whether the send happened.
func emit(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
