package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"topP,omitempty"`
	TopK             int            `json:"topK,omitempty"`
	StopSequences    []string       `json:"stopSequences,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  geminiUsageMetadata   `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string) provider.Provider {
	return &GeminiProvider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
}

// modelPath turns "models/gemini-2.5-pro" or "gemini-2.5-pro" into the
// path segment used by the REST API.
func modelPath(model string) string {
	return "models/" + strings.TrimPrefix(model, "models/")
}

func (p *GeminiProvider) client() *http.Client {
	if p.httpClient != nil {
		return p.httpClient
	}
	return http.DefaultClient
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/%s:generateContent?key=%s", p.baseURL, modelPath(req.Model), p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set(provider.RequestIDHeader, req.RequestID)
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

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decode gemini response: %w", err)
	}

	return &provider.Response{
		Candidates:   mapCandidates(geminiResp),
		InputTokens:  geminiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		Model:        req.Model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

func mapCandidates(resp geminiResponse) []provider.Candidate {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return []provider.Candidate{{FinishReason: resp.PromptFeedback.BlockReason}}
		}
		return nil
	}
	out := make([]provider.Candidate, len(resp.Candidates))
	for i, c := range resp.Candidates {
		parts := make([]provider.Part, len(c.Content.Parts))
		for j, part := range c.Content.Parts {
			parts[j] = provider.Part{Text: part.Text}
		}
		out[i] = provider.Candidate{Parts: parts, FinishReason: c.FinishReason}
	}
	return out
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	var (
		contents []geminiContent
		system   []geminiPart
	)
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
			continue
		case provider.RoleModel, "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	out := geminiRequest{Contents: contents}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}

	cfg := generationConfig{
		MaxOutputTokens:  req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		StopSequences:    req.StopSequences,
		ResponseMIMEType: req.ResponseMIMEType,
		ResponseSchema:   req.ResponseSchema,
	}
	if cfg.MaxOutputTokens != 0 || cfg.Temperature != nil || cfg.TopP != nil || cfg.TopK != 0 ||
		len(cfg.StopSequences) > 0 || cfg.ResponseMIMEType != "" || cfg.ResponseSchema != nil {
		out.GenerationConfig = &cfg
	}
	return out
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, modelPath(req.Model), p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set(provider.RequestIDHeader, req.RequestID)
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
		for {
			line, err := reader.ReadString('\n')
			if err != nil && !(err == io.EOF && strings.TrimSpace(line) != "") {
				if err == io.EOF {
					send(&provider.Chunk{Done: true})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &geminiResp); err != nil {
				send(&provider.Chunk{Err: fmt.Errorf("decode gemini stream event: %w", err)})
				return
			}

			var text, finish string
			if cands := mapCandidates(geminiResp); len(cands) > 0 {
				for _, part := range cands[0].Parts {
					text += part.Text
				}
				finish = cands[0].FinishReason
			}
			if text == "" && finish == "" {
				continue
			}
			if !send(&provider.Chunk{Delta: text, FinishReason: finish}) {
				return
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Supports(model string) bool {
	return strings.HasPrefix(strings.TrimPrefix(model, "models/"), "gemini")
}
