// Package recommend generates remediation guidance for new incidents. It is
// strictly best effort: callers log failures and continue, and no resolution
// decision ever depends on its output.
package recommend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/incidentstack/responder/internal/models"
)

// Generator produces remediation guidance for an incident record.
type Generator interface {
	Recommend(ctx context.Context, rec models.IncidentRecord, runbooks []models.RunbookMatch) (string, error)
}

// Noop returns no guidance. Used when generation is disabled.
type Noop struct{}

// Recommend returns an empty string.
func (Noop) Recommend(context.Context, models.IncidentRecord, []models.RunbookMatch) (string, error) {
	return "", nil
}

// ClaudeGenerator calls the Anthropic Messages API.
type ClaudeGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewClaudeGenerator builds a generator. The API key is read from the
// environment by the SDK when apiKey is empty.
func NewClaudeGenerator(apiKey, model string, maxTokens int, timeout time.Duration) *ClaudeGenerator {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if maxTokens <= 0 {
		maxTokens = 500
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ClaudeGenerator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		timeout:   timeout,
	}
}

// Recommend asks the model for short remediation steps grounded in the
// matched runbooks.
func (g *ClaudeGenerator) Recommend(ctx context.Context, rec models.IncidentRecord, runbooks []models.RunbookMatch) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(rec, runbooks))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("generate recommendations: %w", err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func buildPrompt(rec models.IncidentRecord, runbooks []models.RunbookMatch) string {
	var sb strings.Builder
	sb.WriteString("You are an SRE assistant. Suggest concise remediation steps for this incident.\n\n")
	fmt.Fprintf(&sb, "Service: %s\nSeverity: %s\nError: %s\n", rec.Service, rec.Severity, rec.Text)
	if rec.RegressionOf != "" {
		fmt.Fprintf(&sb, "This is a regression of previously resolved incident %s.\n", rec.RegressionOf)
	}
	if len(runbooks) > 0 {
		sb.WriteString("\nMatched runbooks:\n")
		for _, rb := range runbooks {
			fmt.Fprintf(&sb, "- %s (similarity %.2f)\n", rb.Title, rb.Score)
		}
	}
	sb.WriteString("\nReply with at most five numbered steps.")
	return sb.String()
}
