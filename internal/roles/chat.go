package roles

import (
	"context"

	"github.com/kilnworks/kiln/internal/memory"
	"github.com/kilnworks/kiln/pkg/models"
)

// Per-file cap for the chat context block and the stored assistant turn.
const (
	chatFileChars      = 6000
	chatAssistantChars = 3000
)

// Chat is the read-only conversational persona. It keeps a bounded
// history in memory; nothing it says is ever applied to the workspace.
type Chat struct {
	caller *caller
	mem    *memory.Store
}

// Respond answers one message with full project context. The stored
// history holds the bare user message, not the context-laden prompt, so
// old turns stay small.
func (c *Chat) Respond(ctx context.Context, message string, class models.Classification, onToken func(string)) (string, error) {
	prompt := chatContextPrompt(
		c.mem.ProjectSummary(),
		WorkspaceBlock(c.mem.Files(), chatFileChars),
		message,
	)

	history := c.mem.History(models.RoleChat)
	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{Role: "system", Content: chatSystem})
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: "user", Content: prompt})

	raw, err := c.caller.chat(ctx, models.RoleChat, class, messages, onToken)
	if err != nil {
		return "", err
	}
	c.mem.AppendHistory(models.RoleChat, models.ChatMessage{Role: "user", Content: message})
	c.mem.AppendHistory(models.RoleChat, models.ChatMessage{Role: "assistant", Content: clip(raw, chatAssistantChars)})
	return raw, nil
}
