package claude

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

const jsonOnlyInstruction = "Respond with valid JSON only. Do not wrap it in code fences."

type ClaudeProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          int             `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamDelta struct {
	Type  string       `json:"type"`
	Delta claudeDelta  `json:"delta,omitempty"`
	Error *claudeError `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &ClaudeProvider{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		httpClient: http.DefaultClient,
	}
}

func (p *ClaudeProvider) client() *http.Client {
	if p.httpClient != nil {
		return p.httpClient
	}
	return http.DefaultClient
}

func (p *ClaudeProvider) newHTTPRequest(ctx context.Context, requestID string, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if requestID != "" {
		httpReq.Header.Set(provider.RequestIDHeader, requestID)
	}
	return httpReq, nil
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newHTTPRequest(ctx, req.RequestID, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, fmt.Errorf("decode claude response: %w", err)
	}

	var parts []provider.Part
	for _, c := range claudeResp.Content {
		if c.Type == "text" {
			parts = append(parts, provider.Part{Text: c.Text})
		}
	}

	return &provider.Response{
		ID:           claudeResp.ID,
		Candidates:   []provider.Candidate{{Parts: parts, FinishReason: claudeResp.StopReason}},
		InputTokens:  claudeResp.Usage.InputTokens,
		OutputTokens: claudeResp.Usage.OutputTokens,
		Model:        claudeResp.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system []string
	var messages []claudeMessage

	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == provider.RoleModel || m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, claudeMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	// The messages API has no JSON response mode.
	if req.ResponseMIMEType == provider.MIMETypeJSON || req.ResponseSchema != nil {
		system = append(system, jsonOnlyInstruction)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return claudeRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        strings.Join(system, "\n\n"),
		Messages:      messages,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newHTTPRequest(ctx, req.RequestID, body)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := p.client().Do(httpReq)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			send(&provider.Chunk{Err: &provider.APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}})
			return
		}

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "content_block_delta":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err != nil {
					continue
				}
				if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
					if !send(&provider.Chunk{Delta: delta.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err == nil && delta.Delta.StopReason != "" {
					if !send(&provider.Chunk{FinishReason: delta.Delta.StopReason}) {
						return
					}
				}
			case "message_stop":
				send(&provider.Chunk{Done: true})
				return
			case "error":
				var delta claudeStreamDelta
				if err := json.Unmarshal([]byte(data), &delta); err == nil && delta.Error != nil {
					send(&provider.Chunk{Err: fmt.Errorf("claude stream error: %s: %s", delta.Error.Type, delta.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func (p *ClaudeProvider) Supports(model string) bool {
	return strings.HasPrefix(model, "claude-")
}
