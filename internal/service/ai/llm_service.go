package ai

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/tiktoken-go/tokenizer"

	"github.com/uzdabrazor/chatparty/internal/config"
	"github.com/uzdabrazor/chatparty/internal/model/chat"
	"github.com/uzdabrazor/chatparty/internal/service/driver"
)

// Service is the completion collaborator adapter: it owns the prompt chain
// and exposes an opaque fragment stream to the conversation driver.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AssistantConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
	enc       tokenizer.Codec
}

// NewService builds the chat model and prompt chain.
func NewService(ctx context.Context, aiCfg config.AIConfig, assistantCfg config.AssistantConfig) (*Service, error) {
	chatModel, err := aiCfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// Token counting falls back to a rough estimate.
		log.Printf("[ai] tokenizer unavailable, using length estimate: %v", err)
		enc = nil
	}

	return &Service{
		chatModel: chatModel,
		cfg:       assistantCfg,
		chain:     runnable,
		enc:       enc,
	}, nil
}

// Complete satisfies the driver's Completer seam.
func (s *Service) Complete(ctx context.Context, history []chat.Message, query string, snippets []string) (driver.CompletionStream, error) {
	system := buildSystemPrompt(s.cfg.SystemPrompt, snippets)
	budget := s.cfg.ContextTokens - s.countTokens(system) - s.countTokens(query) - reserveTokens

	input := map[string]any{
		"system":  system,
		"history": s.historyMessages(history, budget),
		"query":   query,
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream completion: %w", err)
	}
	return &completionStream{inner: stream}, nil
}

// historyMessages converts trimmed transcript messages into model messages.
func (s *Service) historyMessages(messages []chat.Message, budget int) []*schema.Message {
	trimmed := trimToBudget(messages, budget, s.countTokens)
	if len(trimmed) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(trimmed))
	for _, msg := range trimmed {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}

// completionStream adapts the eino stream to the driver's fragment stream.
type completionStream struct {
	inner *schema.StreamReader[*schema.Message]
}

// Recv returns the next non-empty fragment, passing io.EOF through at the
// end of the reply.
func (cs *completionStream) Recv() (string, error) {
	for {
		msg, err := cs.inner.Recv()
		if err != nil {
			return "", err
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return msg.Content, nil
	}
}

func (cs *completionStream) Close() {
	cs.inner.Close()
}
