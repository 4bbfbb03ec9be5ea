package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIGrader grades free-text answers through an OpenAI-compatible API.
type OpenAIGrader struct {
	api     *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIGrader(cfg OpenAIConfig) *OpenAIGrader {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIGrader{
		api:     openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
	}
}

func (g *OpenAIGrader) GradeTextAnswer(ctx context.Context, req GradeRequest) (*GradeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Answer},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("grading API returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	var result GradeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	return &result, nil
}

func buildSystemPrompt(req GradeRequest) string {
	var sb strings.Builder
	sb.WriteString("You are an exam grader. A student answered the following question:\n\n")
	sb.WriteString("QUESTION: " + req.Prompt + "\n\n")
	if req.Rubric != "" {
		sb.WriteString("GRADING RUBRIC:\n" + req.Rubric + "\n\n")
	}
	sb.WriteString("Evaluate the student's answer for correctness and completeness.\n")
	sb.WriteString("Respond ONLY with a JSON object with these fields:\n")
	sb.WriteString(`{"score_percent": <number 0 to 100>, "feedback": "<brief feedback>"}`)
	sb.WriteString("\n")
	return sb.String()
}
