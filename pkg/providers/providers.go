package providers

import (
	"context"
	"errors"
	"fmt"
)

// Message is one chat turn in the wire format of the generator API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UsageInfo reports token accounting from the generator.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the generator's answer for one request.
type Response struct {
	Content      string
	FinishReason string
	Usage        *UsageInfo
}

// GenerateOptions carries the sampling parameters for one call.
type GenerateOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// ErrTimeout marks a generator call that exceeded its deadline.
var ErrTimeout = errors.New("providers: generator timed out")

// GeneratorError is a typed failure from the generator API.
type GeneratorError struct {
	Status  int
	Message string
}

func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator API request failed: status=%d error=%s", e.Status, e.Message)
}

// Generator produces text completions from composed chat context.
type Generator interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*Response, error)
}
