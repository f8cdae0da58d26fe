package entities

import "time"

// Template placeholders. Each must appear exactly once in a template.
const (
	PlaceholderDatabaseContext = "{{DATABASE_CONTEXT}}"
	PlaceholderDictationText   = "{{DICTATION_TEXT}}"
	PlaceholderWordLimit       = "{{WORD_LIMIT}}"
)

// DefaultTemplateType is the template type used for order validation.
const DefaultTemplateType = "default"

// PromptTemplate is a versioned LLM prompt. Only one template per type is
// active; the most recently created active row wins.
type PromptTemplate struct {
	ID              string    `json:"id" db:"id" yaml:"id"`
	Name            string    `json:"name" db:"name" yaml:"name"`
	Type            string    `json:"type" db:"type" yaml:"type"`
	Version         string    `json:"version" db:"version" yaml:"version"`
	ContentTemplate string    `json:"content_template" db:"content_template" yaml:"content_template"`
	WordLimit       *int      `json:"word_limit,omitempty" db:"word_limit" yaml:"word_limit"`
	Active          bool      `json:"active" db:"active" yaml:"active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at" yaml:"created_at"`
}

// LLMRequest is the provider-neutral request payload.
type LLMRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	UserMessage  string  `json:"user_message"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	// ResponseShapeHint tells providers that support it to emit JSON.
	ResponseShapeHint string `json:"response_shape_hint,omitempty"`
}

// ResponseShapeJSON asks for a JSON object response.
const ResponseShapeJSON = "json_object"

// LLMResponse is the provider-neutral response.
type LLMResponse struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Content  string        `json:"content"`
	Elapsed  time.Duration `json:"elapsed"`
	Attempts int           `json:"attempts"`
}
