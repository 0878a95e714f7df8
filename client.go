package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxErrorBodySize limits how much of an error response body is read (1MB)
const MaxErrorBodySize = 1 << 20

// ErrMissingCredential is returned when a backend has no API key configured
var ErrMissingCredential = errors.New("API key not configured")

// APIError is a non-200 response from a chat-completion endpoint
type APIError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Backend, e.StatusCode, e.Message)
}

// Class names the failure the way OpenAI-compatible SDKs do
func (e *APIError) Class() string {
	switch {
	case e.StatusCode == http.StatusBadRequest:
		return "BadRequestError"
	case e.StatusCode == http.StatusUnauthorized:
		return "AuthenticationError"
	case e.StatusCode == http.StatusForbidden:
		return "PermissionDeniedError"
	case e.StatusCode == http.StatusNotFound:
		return "NotFoundError"
	case e.StatusCode == http.StatusUnprocessableEntity:
		return "UnprocessableEntityError"
	case e.StatusCode == http.StatusTooManyRequests:
		return "RateLimitError"
	case e.StatusCode >= 500:
		return "InternalServerError"
	default:
		return "APIStatusError"
	}
}

// ModelClient performs chat-completion calls against one OpenAI-compatible
// endpoint. It keeps no state between calls and never retries.
type ModelClient struct {
	// Name is used in inline error replies, e.g. "Hermes"
	Name string
	// Route is the metrics/log label of this backend
	Route string
	// KeyEnv names the environment variable the key comes from
	KeyEnv string

	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// NewModelClient creates a client with the given request timeout
func NewModelClient(name, route, keyEnv, baseURL, apiKey, model string, timeout time.Duration) *ModelClient {
	return &ModelClient{
		Name:       name,
		Route:      route,
		KeyEnv:     keyEnv,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// NewPrimaryClient builds the primary backend from configuration
func NewPrimaryClient() *ModelClient {
	return NewModelClient("GPT", RoutePrimary, "OPENAI_API_KEY", PrimaryBaseURL, PrimaryAPIKey, PrimaryModel, ModelQueryTimeout)
}

// NewSecondaryClient builds the secondary (Hermes) backend from configuration
func NewSecondaryClient() *ModelClient {
	return NewModelClient("Hermes", RouteSecondary, "OPENROUTER_API_KEY", SecondaryBaseURL, SecondaryAPIKey, SecondaryModel, ModelQueryTimeout)
}

// NewJudgeClient builds the judge backend: the primary endpoint with the judge model
func NewJudgeClient() *ModelClient {
	return NewModelClient("Judge", RouteJudge, "OPENAI_API_KEY", PrimaryBaseURL, PrimaryAPIKey, JudgeModel, ModelQueryTimeout)
}

type chatCompletionRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	MaxTokens        int       `json:"max_tokens"`
	TopP             *float64  `json:"top_p,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Call sends messages to the endpoint and returns the first choice's text and
// the reported usage (nil when the backend reports none). Unset temperature
// and max_tokens fall back to the configured defaults.
func (c *ModelClient) Call(ctx context.Context, messages []Message, params ModelParams) (string, *Usage, error) {
	if c.APIKey == "" {
		return "", nil, fmt.Errorf("%w: %s not set", ErrMissingCredential, c.KeyEnv)
	}

	params = params.WithDefaults(DefaultTemperature, DefaultMaxTokens)
	payload := chatCompletionRequest{
		Model:            c.Model,
		Messages:         messages,
		Temperature:      *params.Temperature,
		MaxTokens:        *params.MaxTokens,
		TopP:             params.TopP,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
	}

	start := time.Now()
	text, usage, err := c.do(ctx, payload)
	elapsed := time.Since(start)
	BackendLatency.WithLabelValues(c.Route).Observe(elapsed.Seconds())

	if err != nil {
		BackendCalls.WithLabelValues(c.Route, "error").Inc()
		log.Warn().Err(err).Str("backend", c.Route).Str("model", c.Model).Dur("duration", elapsed).Msg("chat completion failed")
		return "", nil, err
	}

	BackendCalls.WithLabelValues(c.Route, "ok").Inc()
	log.Debug().Str("backend", c.Route).Str("model", c.Model).Dur("duration", elapsed).Msg("chat completion ok")
	return text, usage, nil
}

func (c *ModelClient) do(ctx context.Context, payload chatCompletionRequest) (string, *Usage, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return "", nil, &APIError{
			Backend:    c.Name,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(bodyBytes),
		}
	}

	var apiResponse chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResponse); err != nil {
		return "", nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", nil, fmt.Errorf("no choices in response")
	}

	var text string
	if content := apiResponse.Choices[0].Message.Content; content != nil {
		text = *content
	}

	var usage *Usage
	if apiResponse.Usage != nil {
		usage = &Usage{
			PromptTokens:     apiResponse.Usage.PromptTokens,
			CompletionTokens: apiResponse.Usage.CompletionTokens,
			TotalTokens:      apiResponse.Usage.TotalTokens,
		}
	}
	return text, usage, nil
}

// CallSafe is Call with every failure converted into an inline reply text and
// a usage carrying the error message. It never returns an error.
func (c *ModelClient) CallSafe(ctx context.Context, messages []Message, params ModelParams) (string, *Usage) {
	text, usage, err := c.Call(ctx, messages, params)
	if err != nil {
		return inlineError(c.Name, err), &Usage{Error: failureMessage(err)}
	}
	return text, usage
}

// inlineError renders a failure as reply text, e.g.
// "[Hermes BadRequestError: invalid model]"
func inlineError(name string, err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrMissingCredential):
		return fmt.Sprintf("[%s: %s]", name, failureMessage(err))
	case errors.As(err, &apiErr):
		return fmt.Sprintf("[%s %s: %s]", name, apiErr.Class(), apiErr.Message)
	default:
		return fmt.Sprintf("[%s Error: %s]", name, err.Error())
	}
}

// failureMessage is the bare message of a failure, without the backend prefix
func failureMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if errors.Is(err, ErrMissingCredential) {
		return strings.TrimPrefix(err.Error(), ErrMissingCredential.Error()+": ")
	}
	return err.Error()
}

// errorMessage extracts {"error":{"message":...}} or falls back to the raw body
func errorMessage(body []byte) string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response body"
	}
	return msg
}
