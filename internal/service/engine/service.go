package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"fleetdiag/internal/config"
	"fleetdiag/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"google.golang.org/genai"
)

// StartResult is what the engine hands back when it accepts a new session.
type StartResult struct {
	ExternalID string
	Greeting   string
	Plan       models.DiagnosticPlan
}

// ExchangeResult carries one assistant turn. HasCaptured reports whether the
// engine emitted a structured-data snapshot alongside the reply; when it did,
// Captured is the full replacement aggregate, not a delta.
type ExchangeResult struct {
	Reply       string
	Captured    models.CapturedData
	HasCaptured bool
}

// Service drives the diagnostic conversation through a tool-calling chat
// model. One Service is shared across sessions; per-session transcripts are
// passed in by the caller on every exchange.
type Service struct {
	chatModel model.ToolCallingChatModel
	cfg       *config.Config
	tools     []tool.BaseTool
	agent     *react.Agent
	mu        sync.RWMutex
}

// NewService builds the engine for the given provider. Supported providers
// are openai, gemini and claude.
func NewService(provider, modelType, token string, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if token == "" {
		token = provCfg.APIKey
	}
	if modelType == "" {
		modelType = provCfg.Model
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(context.Background(), &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  token})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey: token,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(context.Background(), &gemini.Config{
			Client: client,
			Model:  modelType,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(context.Background(), &claude.Config{
			APIKey:    token,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}

	tools := InitToolsChain()
	var reactAgent *react.Agent
	if len(tools) > 0 {
		reactAgent, err = react.NewAgent(context.Background(), &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		tools:     tools,
		agent:     reactAgent,
	}, nil
}

// StartSession asks the engine for a greeting and a step plan derived from
// the work order's truck, complaint and fault codes.
func (s *Service) StartSession(ctx context.Context, truck *models.Truck, project *models.Project) (*StartResult, error) {
	if truck == nil || project == nil {
		return nil, errors.New("truck and project are required")
	}
	if len(project.FaultCodes) == 0 {
		return nil, errors.New("project has no fault codes")
	}

	messages := []*schema.Message{
		{Role: schema.System, Content: startSystemPrompt},
		{Role: schema.User, Content: formatStartRequest(truck, project)},
	}
	reply, err := s.generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("engine start: %w", err)
	}

	greeting, plan, err := parseStartReply(reply)
	if err != nil {
		return nil, fmt.Errorf("parse start reply: %w", err)
	}
	return &StartResult{
		ExternalID: uuid.NewString(),
		Greeting:   greeting,
		Plan:       plan,
	}, nil
}

// Exchange sends the user's message with the full transcript and returns the
// assistant reply plus the replacement captured-data snapshot when present.
func (s *Service) Exchange(ctx context.Context, session *models.Session, history []*models.Message, userContent string) (*ExchangeResult, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	userContent = strings.TrimSpace(userContent)
	if userContent == "" {
		return nil, errors.New("message cannot be empty")
	}

	messages := make([]*schema.Message, 0, len(history)+2)
	messages = append(messages, &schema.Message{
		Role:    schema.System,
		Content: formatExchangeSystemPrompt(session),
	})
	for _, msg := range history {
		if msg == nil || msg.Status == models.MessageFailed {
			continue
		}
		messages = append(messages, &schema.Message{
			Role:    convertRole(msg.Role),
			Content: msg.Content,
		})
	}
	messages = append(messages, &schema.Message{Role: schema.User, Content: userContent})

	reply, err := s.generate(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("engine exchange: %w", err)
	}

	text, captured, hasCaptured := parseCapturedReply(reply)
	if text == "" {
		return nil, errors.New("engine returned empty reply")
	}
	return &ExchangeResult{Reply: text, Captured: captured, HasCaptured: hasCaptured}, nil
}

func (s *Service) generate(ctx context.Context, messages []*schema.Message) (string, error) {
	var (
		streamReader *schema.StreamReader[*schema.Message]
		err          error
	)
	if s.agent != nil {
		streamReader, err = s.agent.Stream(ctx, messages)
	} else {
		streamReader, err = s.chatModel.Stream(ctx, messages)
	}
	if err != nil {
		return "", err
	}
	var fullContent strings.Builder
	for {
		chunk, err := streamReader.Recv()
		if err != nil {
			// flow finished
			break
		}
		fullContent.WriteString(chunk.Content)
	}
	reply := strings.TrimSpace(fullContent.String())
	if reply == "" {
		log.Printf("engine produced empty stream")
	}
	return reply, nil
}

func convertRole(role models.MessageRole) schema.RoleType {
	switch role {
	case models.MessageRoleUser:
		return schema.User
	case models.MessageRoleAssistant:
		return schema.Assistant
	case models.MessageRoleSystem:
		return schema.System
	default:
		return schema.User
	}
}
