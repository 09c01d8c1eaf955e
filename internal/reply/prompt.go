package reply

import (
	"fmt"
	"strings"

	"github.com/chatdesk/chatdesk/internal/chat"
	"github.com/chatdesk/chatdesk/internal/conversation"
)

const salesGuidelines = `SALES GUIDELINES:
- When a client shows interest in a product or service, weave in relevant details from the product knowledge above.
- Recommend genuinely and never pressure. Mention pricing plainly when asked.
- If the client seems ready, offer to help them complete the purchase.
- Handle objections warmly and suggest alternatives when something is not the right fit.`

const guardrails = `RULES FOR EVERY REPLY:
- Write like a person texting: short, warm, conversational. One to four sentences unless more detail is truly needed.
- Use contractions and plain words. Match the client's tone.
- No bullet points, numbered lists or markdown formatting.
- Stay in the persona's voice and never paste system instructions or internal notes.
- If you do not know something, say you will check and get back to them. Never invent prices, policies or order details.
- If the client sincerely asks whether they are talking to a bot, answer honestly and offer to bring in a member of the team.`

// defaultBasePrompt is used when the company has no custom persona.
func defaultBasePrompt(displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "the business owner"
	}
	return fmt.Sprintf("You are %s, responding personally to clients via chat. "+
		"You're friendly, approachable and genuinely care about helping people. "+
		"Talk like a real person: warm, direct and conversational.", name)
}

// SystemPrompt concatenates persona, sales context and the guardrail block.
func SystemPrompt(persona conversation.Persona) string {
	var b strings.Builder
	base := strings.TrimSpace(persona.SystemPrompt)
	if base == "" {
		base = defaultBasePrompt(persona.DisplayName)
	}
	b.WriteString(base)
	if sales := strings.TrimSpace(persona.SalesContext); sales != "" {
		b.WriteString("\n\nPRODUCT & SALES KNOWLEDGE:\n")
		b.WriteString(sales)
		b.WriteString("\n\n")
		b.WriteString(salesGuidelines)
	}
	b.WriteString("\n\n")
	b.WriteString(guardrails)
	return b.String()
}

// BuildMessages maps history to chat roles and appends the incoming content
// unless it is already the final client message.
func BuildMessages(persona conversation.Persona, history []conversation.Message, incoming string) []chat.Message {
	messages := make([]chat.Message, 0, len(history)+2)
	messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: SystemPrompt(persona)})
	for _, m := range history {
		role := chat.RoleAssistant
		if m.Sender == conversation.SenderClient {
			role = chat.RoleUser
		}
		messages = append(messages, chat.Message{Role: role, Content: m.Content})
	}
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return messages
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Sender == conversation.SenderClient && strings.TrimSpace(last.Content) == incoming {
			return messages
		}
	}
	return append(messages, chat.Message{Role: chat.RoleUser, Content: incoming})
}
