package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/valet/internal/agent"
	"github.com/haasonsaas/valet/internal/agent/toolconv"
	"github.com/haasonsaas/valet/pkg/models"
)

const (
	defaultBedrockModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	defaultBedrockRegion = "us-east-1"
)

// BedrockConfig configures the AWS Bedrock Converse backend. Empty
// credential fields fall back to the default AWS chain (env, profile,
// instance role).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// BedrockProvider speaks the Bedrock Converse streaming protocol.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
	base         baseProvider
}

// NewBedrockProvider builds a Bedrock provider from the AWS config chain.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
		base:         newBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string { return "bedrock" }

// Complete streams one Converse call and returns the accumulated result.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	nameMap, err := buildToolNameMap("bedrock", model, req.Tools)
	if err != nil {
		return nil, err
	}

	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, agent.NewProviderError("bedrock", model, err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if system := collectSystemText(req.System, req.Messages); system != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if req.MaxTokens > 0 && req.MaxTokens <= 1<<31-1 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		defs := make([]models.ToolDefinition, len(req.Tools))
		copy(defs, req.Tools)
		for i := range defs {
			defs[i].Name = sanitizeToolName(defs[i].Name)
		}
		input.ToolConfig = toolconv.ToBedrockTools(defs)
	}

	var completion *agent.Completion
	err = p.base.retry(ctx, p.isRetryable, func() error {
		stream, err := p.client.ConverseStream(ctx, input)
		if err != nil {
			return p.wrapError(err, model)
		}
		c, err := p.drainStream(ctx, stream, nameMap)
		if err != nil {
			return p.wrapError(err, model)
		}
		completion = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// drainStream consumes the event channel until it closes. Usage metadata
// arrives after messageStop, so the loop runs to channel close rather than
// returning at the stop event.
func (p *BedrockProvider) drainStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, nameMap map[string]string) (*agent.Completion, error) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var (
		text         strings.Builder
		calls        []models.ToolCall
		currentCall  *models.ToolCall
		inputBuilder strings.Builder
		usage        agent.TokenUsage
	)

	finalize := func() {
		if currentCall == nil || currentCall.ID == "" {
			currentCall = nil
			return
		}
		input := inputBuilder.String()
		if input == "" {
			input = "{}"
		}
		currentCall.Arguments = json.RawMessage(input)
		calls = append(calls, *currentCall)
		currentCall = nil
		inputBuilder.Reset()
	}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-events:
			if !ok {
				finalize()
				if err := eventStream.Err(); err != nil {
					return nil, err
				}
				return &agent.Completion{Text: text.String(), ToolCalls: calls, Usage: usage}, nil
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: restoreToolName(nameMap, aws.ToString(toolUse.Value.Name)),
					}
					inputBuilder.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					text.WriteString(delta.Value)
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						inputBuilder.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				finalize()

			case *types.ConverseStreamOutputMemberMessageStop:
				finalize()

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}
	}
}

// convertBedrockMessages renders history as Converse messages. Converse
// follows the Anthropic turn shape, so consecutive tool results collapse
// into one user message of toolResult blocks.
func convertBedrockMessages(messages []*models.Message) ([]types.Message, error) {
	var result []types.Message
	var pendingResults []types.ContentBlock

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: pendingResults,
			})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			block := types.ToolResultBlock{
				ToolUseId: aws.String(msg.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: msg.Content},
				},
			}
			if msg.IsToolError() {
				block.Status = types.ToolResultStatusError
			}
			pendingResults = append(pendingResults, &types.ContentBlockMemberToolResult{Value: block})
			continue
		}
		flushResults()

		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(sanitizeToolName(tc.Name)),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	flushResults()
	return result, nil
}

func (p *BedrockProvider) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) {
		return pe.Reason.IsRetryable()
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "TooManyRequestsException") ||
		strings.Contains(errMsg, "ServiceUnavailableException") {
		return true
	}
	return agent.ClassifyError(err).IsRetryable()
}

func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *agent.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return agent.NewProviderError("bedrock", model, err)
}
