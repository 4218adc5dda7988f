package context

// Roles used in a completion exchange.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// Message is a model-agnostic chat message used across the relay.
type Message struct {
	Role    string
	Content string
}
