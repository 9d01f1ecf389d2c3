package ai

import (
	"fmt"
	"strings"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
)

// reserveTokens is headroom left for the model's own reply.
const reserveTokens = 500

const defaultSystemPrompt = "You are a sharp, direct chat assistant in a " +
	"multi-user room. If CONTEXT is provided, use it to answer with " +
	"precision and quote relevant snippets when they matter, but don't dump " +
	"everything. If there's no context or it doesn't have the answer, rely " +
	"on your own knowledge. Keep responses tight; skip filler and excessive " +
	"politeness."

// buildSystemPrompt appends ranked lookup snippets as a CONTEXT block.
func buildSystemPrompt(override string, snippets []string) string {
	base := override
	if base == "" {
		base = defaultSystemPrompt
	}
	if len(snippets) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nCONTEXT:\n")
	for i, snippet := range snippets {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, snippet)
	}
	return b.String()
}

// countTokens counts prompt tokens, estimating when no tokenizer is
// available.
func (s *Service) countTokens(text string) int {
	if s.enc != nil {
		if n, err := s.enc.Count(text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// trimToBudget keeps as many of the newest messages as fit the token
// budget, preserving order. The newest messages win because they carry the
// live conversation.
func trimToBudget(messages []chat.Message, budget int, count func(string) int) []chat.Message {
	if budget <= 0 || len(messages) == 0 {
		return nil
	}

	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := count(messages[i].Content)
		if used+tokens > budget {
			break
		}
		used += tokens
		start = i
	}
	return messages[start:]
}
