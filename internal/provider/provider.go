package provider

import (
	"context"
	"strings"
)

// Roles understood by every adapter. Adapters translate RoleModel to their
// own assistant role name.
const (
	RoleUser   = "user"
	RoleModel  = "model"
	RoleSystem = "system"
)

// MIMETypeJSON switches adapters into their JSON response mode.
const MIMETypeJSON = "application/json"

type GenerationConfig struct {
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	TopK             int
	StopSequences    []string
	ResponseMIMEType string
	ResponseSchema   map[string]any
}

// Merge returns c with every unset field filled from fallback.
func (c GenerationConfig) Merge(fallback GenerationConfig) GenerationConfig {
	out := c
	if out.MaxTokens == 0 {
		out.MaxTokens = fallback.MaxTokens
	}
	if out.Temperature == nil {
		out.Temperature = fallback.Temperature
	}
	if out.TopP == nil {
		out.TopP = fallback.TopP
	}
	if out.TopK == 0 {
		out.TopK = fallback.TopK
	}
	if len(out.StopSequences) == 0 {
		out.StopSequences = fallback.StopSequences
	}
	if out.ResponseMIMEType == "" {
		out.ResponseMIMEType = fallback.ResponseMIMEType
	}
	if out.ResponseSchema == nil {
		out.ResponseSchema = fallback.ResponseSchema
	}
	return out
}

func Float(v float64) *float64 {
	return &v
}

type Request struct {
	Model    string
	Messages []Message
	GenerationConfig
	Stream bool
	// RequestID is forwarded to the vendor as X-Request-ID when set.
	RequestID string
}

// RequestIDHeader carries the inbound request id to the vendor APIs.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type Message struct {
	Role    string // "user", "model", "system"
	Content string
}

// Prompt is either plain text or a structured conversation.
type Prompt struct {
	Text     string
	Messages []Message
}

func TextPrompt(text string) Prompt {
	return Prompt{Text: text}
}

func (p Prompt) IsEmpty() bool {
	return strings.TrimSpace(p.Text) == "" && len(p.Messages) == 0
}

// ToMessages renders the prompt as a conversation. A text prompt becomes a
// single user turn.
func (p Prompt) ToMessages() []Message {
	if len(p.Messages) > 0 {
		out := make([]Message, len(p.Messages))
		copy(out, p.Messages)
		return out
	}
	return []Message{{Role: RoleUser, Content: p.Text}}
}

type Part struct {
	Text string
}

type Candidate struct {
	Parts        []Part
	FinishReason string
}

// Response carries a backend answer in whichever shape the adapter got it:
// a direct Text field, candidate parts, or both.
type Response struct {
	ID           string
	Text         string
	Candidates   []Candidate
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

func (r *Response) RawText() string {
	if r == nil {
		return ""
	}
	if strings.TrimSpace(r.Text) != "" {
		return r.Text
	}
	if len(r.Candidates) == 0 {
		return r.Text
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Parts {
		b.WriteString(part.Text)
	}
	if b.Len() == 0 {
		return r.Text
	}
	return b.String()
}

func (r *Response) TerminalReason() TerminalReason {
	if r == nil || len(r.Candidates) == 0 {
		return ReasonUnknown
	}
	return NormalizeFinishReason(r.Candidates[0].FinishReason)
}

// Chunk is one streamed event. FinishReason is set on the event that carries
// the backend's terminal reason, when the backend reports one.
type Chunk struct {
	Delta        string
	FinishReason string
	Done         bool
	Err          error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	Supports(model string) bool
}
