package main

import (
	"fmt"
	"strings"
	"time"
)

// NoReplyPlaceholder is stored when the user-facing reply came back empty
const NoReplyPlaceholder = "（返答なし）"

// promptPreviewRunes is how much of each message the preview keeps
const promptPreviewRunes = 200

// ConversationBuilder assembles the message list sent to a backend
type ConversationBuilder struct {
	SystemPrompt string
	StyleHint    string
}

// NewConversationBuilder takes the system prompt and style hint from a persona
func NewConversationBuilder(p *Persona) ConversationBuilder {
	return ConversationBuilder{SystemPrompt: p.SystemPrompt, StyleHint: p.StyleHint}
}

// Build returns the system message followed by history, unmodified and in order
func (b ConversationBuilder) Build(history []Message) []Message {
	return BuildMessages(b.SystemPrompt, b.StyleHint, history)
}

// BuildMessages joins the persona prompt and style hint with a blank line into
// one leading system message and appends history. Windowing is the caller's job.
func BuildMessages(systemPrompt, styleHint string, history []Message) []Message {
	system := systemPrompt
	if styleHint != "" {
		system += "\n\n" + styleHint
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: system})
	messages = append(messages, history...)
	return messages
}

// PromptPreview renders messages as "[role] content" (each cut to 200 runes)
// separated by blank lines
func PromptPreview(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, truncateRunes(m.Content, promptPreviewRunes)))
	}
	return strings.Join(parts, "\n\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// NewConversation creates a conversation holding only the persona's system message
func NewConversation(id string, p *Persona) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Title:     DefaultTitle,
		PersonaID: p.ID,
		Messages:  []Message{{Role: RoleSystem, Content: p.SystemPrompt}},
		Turns:     []Turn{},
	}
}

// History returns the non-system messages, oldest first
func (c *Conversation) History() []Message {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		return c.Messages[1:]
	}
	return c.Messages
}

// Window returns at most the last n history messages; n <= 0 means all
func (c *Conversation) Window(n int) []Message {
	return lastMessages(c.History(), n)
}

func lastMessages(messages []Message, n int) []Message {
	if n <= 0 || len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// Append adds a message to the end of the conversation
func (c *Conversation) Append(m Message) {
	c.Messages = append(c.Messages, m)
}

// Reset clears every turn and message except the leading system message
func (c *Conversation) Reset() {
	if len(c.Messages) > 0 && c.Messages[0].Role == RoleSystem {
		c.Messages = c.Messages[:1:1]
	} else {
		c.Messages = []Message{}
	}
	c.Turns = []Turn{}
	c.Title = DefaultTitle
	c.LastMeta = nil
}
