package memory

// Message is one conversation turn handed to Add.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Memory lifecycle events reported by Add.
const (
	EventAdd    = "add"
	EventUpdate = "update"
)

// AddRequest carries a conversation plus the partition it belongs to.
type AddRequest struct {
	Messages []Message              `json:"messages"`
	UserID   string                 `json:"userId,omitempty"`
	AgentID  string                 `json:"agentId,omitempty"`
	RunID    string                 `json:"runId,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// MemoryResult describes what happened to one extracted fact.
type MemoryResult struct {
	ID     string `json:"id"`
	Memory string `json:"memory"`
	Event  string `json:"event"`
}

type AddResponse struct {
	Results []MemoryResult `json:"results"`
}

// SearchRequest is a semantic query over stored memories.
type SearchRequest struct {
	Query  string `json:"query"`
	UserID string `json:"userId,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}
