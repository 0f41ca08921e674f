package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/obra-dev/obra/internal/config"
)

// Anthropic calls the Anthropic API directly, or through AWS Bedrock
// when configured. Intended for teams that want hosted scoring instead
// of a local model.
type Anthropic struct {
	inner   anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

// NewAnthropic creates the hosted gateway. Without Bedrock the API key
// comes from config or the ANTHROPIC_API_KEY environment variable.
func NewAnthropic(cfg config.LLMConfig) (*Anthropic, error) {
	var opts []option.RequestOption

	if cfg.UseBedrock {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaude3_5Haiku20241022
	}
	if cfg.UseBedrock {
		model = translateModelForBedrock(model)
	}

	timeout := cfg.ScoringTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Anthropic{
		inner:   anthropic.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}, nil
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	if strings.HasPrefix(string(model), "us.anthropic") {
		return model
	}
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219: "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// Name implements Gateway.
func (a *Anthropic) Name() string { return "anthropic" }

// Send implements Gateway.
func (a *Anthropic) Send(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	start := time.Now()
	resp, err := a.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic call: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(variant.Text)
		}
	}
	if strings.TrimSpace(content.String()) == "" {
		return nil, ErrEmptyResponse
	}

	debugLog("anthropic call model=%s in=%d out=%d dur=%s",
		a.model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start))

	return &Response{
		Content:      content.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Duration:     time.Since(start),
	}, nil
}

// Available implements Gateway. Bedrock availability depends on AWS
// credentials that only surface at call time, so the probe checks the
// client was constructed and defers real failures to Send.
func (a *Anthropic) Available(_ context.Context) error {
	return nil
}
