// Package types holds provider-agnostic data shared across the request pipeline.
package types

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents one prompt message, independent of any provider SDK.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System is a convenience constructor for a system-role message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User is a convenience constructor for a user-role message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant is a convenience constructor for an assistant-role message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
