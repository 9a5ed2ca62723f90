package agent

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/troupehq/troupe/internal/model"
)

// Role-specific system prompts. Each tells the agent to report what it
// actually did and to close with its role's completion marker so the
// classifier has an explicit signal to find.
var llmSystemPrompts = map[model.AgentRole]string{
	model.RoleWriter: "You are a writing agent in a multi-agent workflow. " +
		"Carry out the instruction and respond with the produced text, " +
		"describing concretely what you wrote. When the work is done, end " +
		"your response with the exact phrase \"document complete\".",
	model.RoleImage: "You are an image-brief agent in a multi-agent workflow. " +
		"You cannot render pixels; instead produce a precise generation brief " +
		"(subject, composition, style, palette) for the instruction. When the " +
		"brief is done, end your response with the exact phrase " +
		"\"image generation complete\".",
}

// LLMExecutor backs the writer and image roles with a language model.
type LLMExecutor struct {
	model llms.Model
	role  model.AgentRole
}

func NewLLMExecutor(m llms.Model, role model.AgentRole) *LLMExecutor {
	return &LLMExecutor{model: m, role: role}
}

// NewLLMExecutorFromConfig builds an OpenAI-backed executor. The API key
// comes from OPENAI_API_KEY.
func NewLLMExecutorFromConfig(cfg model.LLMAgentConfig, role model.AgentRole) (*LLMExecutor, error) {
	token := os.Getenv("OPENAI_API_KEY")
	if token == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	m, err := openai.New(
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	return NewLLMExecutor(m, role), nil
}

func (e *LLMExecutor) Execute(ctx context.Context, req ExecRequest) ExecResult {
	messages := []llms.MessageContent{}
	if prompt, ok := llmSystemPrompts[e.role]; ok {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Instruction)},
	})

	resp, err := e.model.GenerateContent(ctx, messages)
	if err != nil {
		return ExecResult{
			Retryable: true,
			Err:       fmt.Errorf("generate content: %w", err),
		}
	}
	if len(resp.Choices) == 0 {
		return ExecResult{
			Retryable: true,
			Err:       fmt.Errorf("model returned no choices"),
		}
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return ExecResult{Retryable: true, Err: fmt.Errorf("model returned empty content")}
	}
	return ExecResult{Text: text}
}

func (e *LLMExecutor) Close() error {
	return nil
}
