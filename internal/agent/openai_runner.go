package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIRunner drives sessions through any OpenAI-compatible chat completions API.
type OpenAIRunner struct {
	client openai.Client
	model  string
}

// NewOpenAIRunner creates a runner. An empty baseURL uses the OpenAI default.
func NewOpenAIRunner(apiKey, baseURL, model string) *OpenAIRunner {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIRunner{client: openai.NewClient(opts...), model: model}
}

// Model returns the configured model name.
func (p *OpenAIRunner) Model() string { return p.model }

// Run streams up to req.MaxSteps model turns. Tool calls from a turn are run
// one at a time, in order, before the next turn starts.
func (p *OpenAIRunner) Run(ctx context.Context, req ModelRequest, call ToolCaller) iter.Seq2[ModelEvent, error] {
	return func(yield func(ModelEvent, error) bool) {
		msgs := buildMessages(req)
		tools := buildTools(req.Tools)
		maxSteps := req.MaxSteps
		if maxSteps <= 0 {
			maxSteps = DefaultOptions().MaxSteps
		}

		var lastText string
		for turn := 0; turn < maxSteps; turn++ {
			params := openai.ChatCompletionNewParams{
				Model:    openai.ChatModel(p.model),
				Messages: msgs,
			}
			if len(tools) > 0 {
				params.Tools = tools
			}

			stream := p.client.Chat.Completions.NewStreaming(ctx, params)
			text, calls, err := consumeStream(ctx, stream, yield)
			if closeErr := stream.Close(); closeErr != nil {
				slog.Debug("failed to close model stream", "error", closeErr)
			}
			if err != nil {
				if !errors.Is(err, errStopIteration) {
					yield(ModelEvent{}, err)
				}
				return
			}
			if text != "" {
				lastText = text
			}
			if len(calls) == 0 {
				yield(ModelEvent{Type: ModelFinish, Text: lastText}, nil)
				return
			}

			msgs = append(msgs, assistantMessage(text, calls))
			stop := false
			for _, c := range calls {
				tc := c
				if !yield(ModelEvent{Type: ModelToolCall, ToolCall: &tc}, nil) {
					return
				}
				reply := call(ctx, tc)
				reply.CallID = tc.ID
				if !yield(ModelEvent{Type: ModelToolResult, ToolCall: &tc, Reply: &reply}, nil) {
					return
				}
				msgs = append(msgs, openai.ToolMessage(replyContent(reply), tc.ID))
				stop = stop || reply.Stop
			}
			if stop {
				return
			}
		}

		slog.Info("Model step limit reached", "max_steps", maxSteps)
		yield(ModelEvent{Type: ModelFinish, Text: lastText}, nil)
	}
}

// errStopIteration signals that the consumer stopped ranging.
var errStopIteration = errors.New("iteration stopped")

// consumeStream reads one streamed turn. Text deltas are yielded as they
// arrive; tool call fragments are assembled by index and returned in order.
func consumeStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], yield func(ModelEvent, error) bool) (string, []ToolCall, error) {
	type pendingCall struct {
		id      string
		name    string
		jsonBuf strings.Builder
	}
	pending := make(map[int64]*pendingCall)
	var order []int64
	var text strings.Builder

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if !yield(ModelEvent{Type: ModelTextDelta, Text: delta.Content}, nil) {
				return "", nil, errStopIteration
			}
		}

		for _, tc := range delta.ToolCalls {
			pc, ok := pending[tc.Index]
			if !ok {
				pc = &pendingCall{}
				pending[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.jsonBuf.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, fmt.Errorf("openai streaming error: %w", err)
	}

	calls := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		pc := pending[idx]
		args := pc.jsonBuf.String()
		if args == "" {
			args = "{}"
		}
		// Some compatible servers omit call ids; the step, the assistant turn
		// and the tool message must all agree on one.
		if pc.id == "" {
			pc.id = "call_" + uuid.NewString()
		}
		calls = append(calls, ToolCall{ID: pc.id, Name: pc.name, Args: json.RawMessage(args)})
	}
	return text.String(), calls, nil
}

func buildMessages(req ModelRequest) []openai.ChatCompletionMessageParamUnion {
	var params []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		params = append(params, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			params = append(params, openai.UserMessage(m.Content))
		case RoleAssistant:
			params = append(params, assistantMessage(m.Content, nil))
		}
	}
	return params
}

func assistantMessage(text string, calls []ToolCall) openai.ChatCompletionMessageParamUnion {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, c := range calls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   c.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: string(c.Args),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content:   openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)},
		ToolCalls: toolCalls,
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildTools(schemas []ToolSchema) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, t := range schemas {
		result = append(result, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return result
}

// replyContent renders a tool reply as the text the model reads.
func replyContent(reply ToolReply) string {
	if s, ok := reply.Output.(string); ok {
		if reply.IsError {
			return "Error: " + s
		}
		return s
	}
	data, err := json.Marshal(reply.Output)
	if err != nil {
		return fmt.Sprintf("Error: failed to encode tool result: %v", err)
	}
	return string(data)
}
