package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"

	"github.com/aristath/debai/internal/model"
)

// DefaultOpenAIBaseURL is the OpenAI-compatible endpoint of Docker Model Runner.
const DefaultOpenAIBaseURL = "http://localhost:12434/engines/v1"

// OpenAIAdapter implements the Backend interface against any
// OpenAI-compatible HTTP endpoint (Docker Model Runner, llama.cpp, Ollama).
type OpenAIAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAIAdapter creates a new HTTP adapter.
func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAIAdapter{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Backend.
func (a *OpenAIAdapter) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type modelEntry struct {
	ID string `json:"id"`
}

type modelsResponse struct {
	Data []modelEntry `json:"data"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Ensure checks the model is listed by the endpoint.
func (a *OpenAIAdapter) Ensure(ctx context.Context, modelID string) error {
	var resp modelsResponse
	if err := a.do(ctx, modelID, http.MethodGet, "/models", nil, &resp); err != nil {
		return err
	}
	if !slices.ContainsFunc(resp.Data, func(m modelEntry) bool { return m.ID == modelID }) {
		return newError(KindModelNotLoaded, a.Name(), modelID, fmt.Errorf("model is not served by %s", a.baseURL))
	}
	return nil
}

// Generate sends prompt as a single user message.
func (a *OpenAIAdapter) Generate(ctx context.Context, modelID, prompt string, opts Options) (string, error) {
	return a.Chat(ctx, modelID, []model.Message{{Role: model.RoleUser, Content: prompt}}, opts)
}

// Chat implements Backend.
func (a *OpenAIAdapter) Chat(ctx context.Context, modelID string, messages []model.Message, opts Options) (string, error) {
	opts = opts.withDefaults()
	req := chatRequest{
		Model:       modelID,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Stop:        opts.Stop,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	var resp chatResponse
	if err := a.do(ctx, modelID, http.MethodPost, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s backend returned no choices for model %q", a.Name(), modelID)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (a *OpenAIAdapter) do(ctx context.Context, modelID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return a.classify(ctx, modelID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return a.classify(ctx, modelID, err)
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		err := fmt.Errorf("http %d: %s", resp.StatusCode, msg)
		switch {
		case resp.StatusCode == http.StatusNotFound || apiErr.Error.Code == "model_not_found":
			return newError(KindModelNotLoaded, a.Name(), modelID, err)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return newError(KindUnreachable, a.Name(), modelID, err)
		default:
			return fmt.Errorf("%s backend rejected request: %w", a.Name(), err)
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}

func (a *OpenAIAdapter) classify(ctx context.Context, modelID string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindTimeout, a.Name(), modelID, err)
	default:
		return newError(KindUnreachable, a.Name(), modelID, err)
	}
}
