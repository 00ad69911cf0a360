package prompt

// Role is the speaker of a rendered message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged message produced by Render
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
