// Package anthropicbe adapts the Anthropic Messages API to the
// backend.Client interface. It is the usual choice for a paid heavyweight
// backend when no local heavyweight model is provisioned.
package anthropicbe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
)

// Config holds the endpoint descriptor for an Anthropic backend.
type Config struct {
	Name      string        `yaml:"name"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Client calls the Anthropic Messages API.
type Client struct {
	client *anthropic.Client
	config *Config
	logger *logrus.Logger
}

func New(config *Config, logger *logrus.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	}

	client := anthropic.NewClient(opts...)

	return &Client{
		client: &client,
		config: config,
		logger: logger,
	}
}

func (c *Client) Name() string {
	return c.config.Name
}

// Generate sends the prompt as a single user message and concatenates the
// text blocks of the reply.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	maxTokens := int64(c.config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(c.config.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		c.logger.WithError(err).WithField("backend", c.config.Name).Debug("message request failed")
		return "", fmt.Errorf("backend %s: %w", c.config.Name, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return text.String(), nil
}

// Ping issues a one-token request against the configured model.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(c.config.Model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("backend %s ping failed: %w", c.config.Name, err)
	}
	return nil
}
