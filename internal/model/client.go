// Package model talks to the local inference server and turns its responses
// into tool-call actions. The format-correction retry for malformed actions
// lives here, in the client layer; the agent loop above it never retries.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"patchpilot/internal/logging"
	"patchpilot/internal/tools"
	"patchpilot/internal/transcript"
)

// Client is the narrow seam between the deterministic pipeline and the
// non-deterministic model. Tests substitute a ScriptedClient.
type Client interface {
	RequestAction(ctx context.Context, history []transcript.Message) (tools.Call, error)
}

// ErrNoAction is returned when the model produced no usable tool call even
// after format-correction retries.
var ErrNoAction = errors.New("model produced no usable action")

// HTTPClient requests one action per call from an OpenAI-compatible chat
// completions endpoint.
type HTTPClient struct {
	BaseURL       string
	Model         string
	APIKey        string
	MaxTokens     int
	FormatRetries int
	HTTP          *http.Client
	Logger        *logging.Logger
}

func NewHTTPClient(baseURL, modelName, apiKey string, maxTokens, formatRetries int, logger *logging.Logger) *HTTPClient {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &HTTPClient{
		BaseURL:       baseURL,
		Model:         modelName,
		APIKey:        apiKey,
		MaxTokens:     maxTokens,
		FormatRetries: formatRetries,
		HTTP:          &http.Client{Timeout: 120 * time.Second},
		Logger:        logger,
	}
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	MaxTokens  int           `json:"max_tokens,omitempty"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// RequestAction sends the history and returns the first tool call from the
// response. A response with no decodable tool call is retried up to
// FormatRetries times with a corrective user message appended.
func (c *HTTPClient) RequestAction(ctx context.Context, history []transcript.Message) (tools.Call, error) {
	messages := toChatMessages(history)
	attempts := c.FormatRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		call, raw, err := c.requestOnce(ctx, messages)
		if err == nil {
			return call, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNoAction) {
			return tools.Call{}, err
		}
		c.Logger.Warn("model response carried no tool call", map[string]interface{}{
			"attempt": attempt + 1,
		})
		messages = append(messages,
			chatMessage{Role: "assistant", Content: raw},
			chatMessage{Role: "user", Content: "Respond with exactly one tool call from the declared tools. Do not answer in prose."},
		)
	}
	return tools.Call{}, lastErr
}

func (c *HTTPClient) requestOnce(ctx context.Context, messages []chatMessage) (tools.Call, string, error) {
	reqBody := chatRequest{
		Model:      c.Model,
		MaxTokens:  c.MaxTokens,
		Messages:   messages,
		Tools:      schemaAsChatTools(),
		ToolChoice: "required",
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return tools.Call{}, "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return tools.Call{}, "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(request)
	if err != nil {
		return tools.Call{}, "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return tools.Call{}, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return tools.Call{}, "", fmt.Errorf("inference server returned %d: %s", resp.StatusCode, truncateForLog(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tools.Call{}, "", fmt.Errorf("undecodable inference response: %w", err)
	}
	if parsed.Error != nil {
		return tools.Call{}, "", fmt.Errorf("inference error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return tools.Call{}, "", fmt.Errorf("%w: empty choices", ErrNoAction)
	}
	msg := parsed.Choices[0].Message
	if len(msg.ToolCalls) == 0 {
		return tools.Call{}, msg.Content, fmt.Errorf("%w: prose response", ErrNoAction)
	}
	tc := msg.ToolCalls[0]
	return tools.Call{
		ID:        tc.ID,
		Name:      tc.Function.Name,
		Arguments: json.RawMessage(tc.Function.Arguments),
	}, msg.Content, nil
}

func toChatMessages(history []transcript.Message) []chatMessage {
	out := make([]chatMessage, 0, len(history))
	for _, m := range history {
		cm := chatMessage{Role: string(m.Role), Content: m.Content}
		if m.ToolCall != nil {
			var tc chatToolCall
			tc.ID = m.ToolCall.ID
			tc.Type = "function"
			tc.Function.Name = m.ToolCall.Name
			tc.Function.Arguments = string(m.ToolCall.Arguments)
			cm.ToolCalls = []chatToolCall{tc}
		}
		if m.ToolResult != nil {
			cm.Role = "tool"
			cm.Content = m.ToolResult.Output
			if m.ToolCall != nil {
				cm.ToolCallID = m.ToolCall.ID
			}
		}
		out = append(out, cm)
	}
	return out
}

func schemaAsChatTools() []chatTool {
	specs := tools.Schema()
	out := make([]chatTool, 0, len(specs))
	for _, s := range specs {
		var ct chatTool
		ct.Type = "function"
		ct.Function.Name = s.Name
		ct.Function.Description = s.Description
		ct.Function.Parameters = s.Parameters
		out = append(out, ct)
	}
	return out
}

func truncateForLog(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
