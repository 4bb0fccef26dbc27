// Package llm defines the narrow interfaces to the external generation and
// validation collaborators, plus a thin HTTP client speaking JSON to both.
// The engine treats these as opaque, possibly slow, possibly failing calls;
// everything semantic about what they produce lives on the other side.
package llm

import (
	"context"
	"encoding/json"
)

// GenerateRequest is the payload sent to the generation service for one
// stage call. PriorIssues carries the most recent QA issue list verbatim on
// fix-loop retries.
type GenerateRequest struct {
	ID          string          `json:"id"`
	Stage       string          `json:"stage"`
	Model       string          `json:"model,omitempty"`
	Instruction string          `json:"instruction"`
	Context     json.RawMessage `json:"context"`
	PriorIssues []string        `json:"prior_issues,omitempty"`
}

// Generator produces a stage's structured output.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (json.RawMessage, error)
}

// ValidateRequest is the payload sent to the validation service to judge a
// stage attempt's output against its source context.
type ValidateRequest struct {
	ID            string          `json:"id"`
	Stage         string          `json:"stage"`
	Model         string          `json:"model,omitempty"`
	Output        json.RawMessage `json:"output"`
	SourceContext json.RawMessage `json:"source_context"`
}

// Validator returns the raw judgment for a stage attempt. The QA gate, not
// the validator, is responsible for the strict parse into pass/issues.
// Implementations must be idempotent given identical input.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) (json.RawMessage, error)
}
