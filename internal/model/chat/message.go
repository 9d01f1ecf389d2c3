package chat

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message sources.
const (
	SourceWeb      = "web"
	SourceExternal = "external"
)

// Message is one immutable entry of the in-memory transcript. IDs are
// monotonic per process and double as the streaming-turn message id.
type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
