package model

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pithrun/pith/pkg/config"
	"github.com/pithrun/pith/pkg/errkind"
)

func init() {
	RegisterFactory("openai", newOpenAIModel)
}

// OpenAIModel implements Model against any OpenAI-compatible chat
// completions API (OpenAI itself, or a compatible gateway via base_url).
type OpenAIModel struct {
	client      *openai.Client
	defaultName string
}

func newOpenAIModel(cfg *config.Config) (Model, error) {
	apiKey := cfg.ModelAPIKey()
	if apiKey == "" {
		return nil, &errkind.ConfigError{Key: "model.api_key_env", Reason: "resolved API key is empty"}
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.Model.BaseURL != "" {
		clientCfg.BaseURL = cfg.Model.BaseURL
	}
	return &OpenAIModel{
		client:      openai.NewClientWithConfig(clientCfg),
		defaultName: cfg.Model.Model,
	}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(schemas []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

// Stream implements Model by opening a server-sent-events chat completion
// stream and translating it into Deltas, accumulating partial tool-call
// argument fragments until the stream finishes (go-openai delivers tool
// call arguments split across multiple chunks by index).
func (m *OpenAIModel) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = m.defaultName
	}

	oreq := openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		oreq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, &errkind.ModelError{Class: classifyErr(err), Err: err}
	}

	out := make(chan Delta, 8)
	go func() {
		defer close(out)
		defer stream.Close()

		byIndex := map[int]*pendingToolCall{}
		var order []int

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- finalizeDelta(byIndex, order, "stop")
				return
			}
			if err != nil {
				select {
				case out <- Delta{Err: &errkind.ModelError{Class: classifyErr(err), Err: err}, Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				select {
				case out <- Delta{TextDelta: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				p, ok := byIndex[idx]
				if !ok {
					p = &pendingToolCall{}
					byIndex[idx] = p
					order = append(order, idx)
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				if tc.Function.Name != "" {
					p.name = tc.Function.Name
				}
				p.args += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				select {
				case out <- finalizeDelta(byIndex, order, string(choice.FinishReason)):
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out, nil
}

type pendingToolCall struct {
	id, name, args string
}

func finalizeDelta(byIndex map[int]*pendingToolCall, order []int, finishReason string) Delta {
	if len(order) == 0 {
		return Delta{Done: true, FinishReason: finishReason}
	}
	out := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		p := byIndex[idx]
		out = append(out, ToolCall{ID: p.id, Name: p.name, Arguments: p.args})
	}
	return Delta{ToolCalls: out, Done: true, FinishReason: finishReason}
}

func classifyErr(err error) errkind.ModelErrorClass {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return errkind.ModelErrorTransient
		}
		return errkind.ModelErrorPermanent
	}
	return errkind.ModelErrorTransient
}

var _ fmt.Stringer = (*OpenAIModel)(nil)

func (m *OpenAIModel) String() string { return "openai:" + m.defaultName }
