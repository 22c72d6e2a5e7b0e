package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/MimeLyc/subtitle-orchestrator/internal/engine"
)

// Client is the model-call primitive used by the batch translator.
// Thread-safe for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new LLM client with the given configuration
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, engine.WrapError(err, engine.ErrConfiguration, "invalid LLM configuration")
	}

	client := &Client{
		config:  config,
		baseURL: config.APIURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}

	return client, nil
}

// ChatCompletion creates a chat completion request to the configured LLM API
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, systemPrompt string) (*ChatResponse, error) {
	if systemPrompt != "" {
		systemMessage := Message{
			Role:    "system",
			Content: systemPrompt,
		}
		messages = append([]Message{systemMessage}, messages...)
	}

	request := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	response, err := c.makeRequest(ctx, http.MethodPost, "/chat/completions", request)
	if err != nil {
		return nil, err
	}

	return response, nil
}

// SimpleChat sends one user prompt and returns the assistant's content.
func (c *Client) SimpleChat(ctx context.Context, prompt string, systemPrompt string) (string, error) {
	messages := []Message{
		{Role: "user", Content: prompt},
	}

	response, err := c.ChatCompletion(ctx, messages, systemPrompt)
	if err != nil {
		return "", err
	}

	if len(response.Choices) == 0 {
		return "", engine.NewError(engine.ErrNetwork, "no choices in response")
	}

	return response.Choices[0].Message.Content, nil
}

// makeRequest makes a raw HTTP request to the configured LLM API
func (c *Client) makeRequest(ctx context.Context, method, path string, payload interface{}) (*ChatResponse, error) {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, engine.WrapError(err, engine.ErrCancelled, "request cancelled")
		}
		if os.IsTimeout(err) {
			return nil, engine.WrapError(err, engine.ErrTimeout, "request timed out")
		}
		return nil, engine.WrapError(err, engine.ErrNetwork, "request failed")
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.WrapError(err, engine.ErrNetwork, "failed to read response body")
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(responseBody, &chatResponse); err != nil {
		return nil, engine.WrapError(err, engine.ErrParse, "failed to parse response")
	}

	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return &chatResponse, engine.WrapError(chatResponse.Error, engine.ErrNetwork, "API error")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &chatResponse, engine.NewError(engine.ErrNetwork,
			fmt.Sprintf("API request failed with status %d", resp.StatusCode)).
			WithContext("body", string(responseBody))
	}

	return &chatResponse, nil
}
