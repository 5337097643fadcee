package foundry

import "strings"

// VectorStore is the remote knowledge store documents are indexed into.
type VectorStore struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     string          `json:"status,omitempty"`
	FileCounts *VectorFileStat `json:"file_counts,omitempty"`
	CreatedAt  int64           `json:"created_at,omitempty"`
}

// VectorFileStat summarises indexing progress of a vector store.
type VectorFileStat struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// File is an uploaded document.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

// VectorStoreFile links an uploaded file to a vector store.
type VectorStoreFile struct {
	ID            string `json:"id"`
	VectorStoreID string `json:"vector_store_id"`
	Status        string `json:"status,omitempty"`
}

// Tool types understood by the service.
const (
	ToolFileSearch = "file_search"
)

// Tool enables a capability on an agent.
type Tool struct {
	Type string `json:"type"`
}

// ToolResources binds tools to concrete resources.
type ToolResources struct {
	FileSearch *FileSearchResource `json:"file_search,omitempty"`
}

// FileSearchResource names the vector stores searched by the file_search tool.
type FileSearchResource struct {
	VectorStoreIDs []string `json:"vector_store_ids"`
}

// AgentRequest is the payload of a create-agent call.
type AgentRequest struct {
	Model         string         `json:"model"`
	Name          string         `json:"name,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolResources *ToolResources `json:"tool_resources,omitempty"`
}

// Agent is a remote conversational entity.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Tools        []Tool `json:"tools,omitempty"`
}

// HasTool reports whether the agent was created with the given tool type.
func (a Agent) HasTool(kind string) bool {
	for _, t := range a.Tools {
		if t.Type == kind {
			return true
		}
	}
	return false
}

// Thread is a remote conversation container.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a thread.
type Message struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id,omitempty"`
	RunID     string        `json:"run_id,omitempty"`
	Role      string        `json:"role"`
	Content   []ContentPart `json:"content"`
	CreatedAt int64         `json:"created_at,omitempty"`
}

// Text concatenates the message's text fragments in order.
func (m Message) Text() string {
	var b strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText && part.Text != nil {
			b.WriteString(part.Text.Value)
		}
	}
	return b.String()
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunCancelling     RunStatus = "cancelling"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Pending reports whether the run is still being worked on by the service.
// Everything else, including requires_action (no client-side tools exist), ends polling.
func (s RunStatus) Pending() bool {
	switch s {
	case RunQueued, RunInProgress, RunCancelling:
		return true
	}
	return false
}

// Run is one asynchronous execution of an agent over a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	AgentID   string    `json:"assistant_id,omitempty"`
	Status    RunStatus `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// RunError is the service-side explanation of a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListOptions controls message listing.
type ListOptions struct {
	Order string // "asc" or "desc"
	After string
	Limit int
	RunID string
}

// MessagePage is one page of a message listing.
type MessagePage struct {
	Data    []Message `json:"data"`
	FirstID string    `json:"first_id,omitempty"`
	LastID  string    `json:"last_id,omitempty"`
	HasMore bool      `json:"has_more"`
}

type deletionStatus struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}
