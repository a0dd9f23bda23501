// Package openaicompat adapts any endpoint speaking the OpenAI chat API to
// the backend.Client interface. That covers hosted OpenAI as well as the
// local runtimes the lightweight tier typically runs on (Ollama, vLLM,
// llama.cpp all expose this protocol).
package openaicompat

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Config holds the endpoint descriptor for an OpenAI-compatible backend.
type Config struct {
	Name      string        `yaml:"name"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Client calls an OpenAI-compatible chat completion endpoint.
type Client struct {
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// New creates a client for the configured endpoint. Local runtimes usually
// accept any API key; hosted OpenAI requires a real one.
func New(config *Config, logger *logrus.Logger) *Client {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "unused" // local runtimes ignore the key but the SDK requires one
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (c *Client) Name() string {
	return c.config.Name
}

// Generate sends the prompt as a single-turn chat completion.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if c.config.MaxTokens > 0 {
		req.MaxTokens = c.config.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.WithError(err).WithField("backend", c.config.Name).Debug("chat completion failed")
		return "", fmt.Errorf("backend %s: %w", c.config.Name, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("backend %s returned no choices", c.config.Name)
	}

	return resp.Choices[0].Message.Content, nil
}

// Ping lists models, which every OpenAI-compatible runtime serves cheaply.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("backend %s ping failed: %w", c.config.Name, err)
	}
	return nil
}
