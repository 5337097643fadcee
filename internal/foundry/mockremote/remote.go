package mockremote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"kbagent/internal/foundry"
)

// Call is one recorded remote operation.
type Call struct {
	Op  string
	Arg string
}

// Remote is a deterministic in-memory stand-in for the agents service, used
// for tests and offline runs. Replies echo the last user message.
type Remote struct {
	mu sync.Mutex

	prefix string
	seq    int
	calls  []Call

	// Statuses is the sequence GetRun walks through for every run; the last
	// entry repeats. Defaults to in_progress then completed.
	Statuses []foundry.RunStatus
	// RunError is attached to runs that end failed.
	RunError *foundry.RunError
	// RejectFileSearch makes agent creation with tools fail with a 400.
	RejectFileSearch bool
	// DropTools creates agents without the requested tools, like a deployment
	// that silently ignores them.
	DropTools bool
	// Reply overrides the assistant content produced by completed runs.
	Reply func(userText string) []foundry.ContentPart
	// PageSize bounds ListMessages pages.
	PageSize int

	failures map[string]error
	files    map[string]string
	agents   []foundry.AgentRequest
	threads  map[string][]foundry.Message
	runs     map[string]*runState
	closed   bool
}

type runState struct {
	run   foundry.Run
	polls int
}

// New returns a mock remote with default behaviour.
func New() *Remote {
	return &Remote{
		prefix:   "MOCK",
		Statuses: []foundry.RunStatus{foundry.RunInProgress, foundry.RunCompleted},
		PageSize: 20,
		failures: make(map[string]error),
		files:    make(map[string]string),
		threads:  make(map[string][]foundry.Message),
		runs:     make(map[string]*runState),
	}
}

// FailOn makes every call of op return err until cleared with a nil err.
func (r *Remote) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// Calls returns a copy of the recorded operations.
func (r *Remote) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many times op was invoked.
func (r *Remote) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Uploaded lists the uploaded file names in order.
func (r *Remote) Uploaded() []string {
	var names []string
	for _, c := range r.Calls() {
		if c.Op == "UploadFile" {
			names = append(names, c.Arg)
		}
	}
	return names
}

// AgentRequests returns the create-agent payloads in order.
func (r *Remote) AgentRequests() []foundry.AgentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]foundry.AgentRequest(nil), r.agents...)
}

// Closed reports whether Close was called.
func (r *Remote) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Remote) record(op, arg string) error {
	r.calls = append(r.calls, Call{Op: op, Arg: arg})
	return r.failures[op]
}

func (r *Remote) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s_%d", prefix, r.seq)
}

func (r *Remote) CreateVectorStore(_ context.Context, name string) (foundry.VectorStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateVectorStore", name); err != nil {
		return foundry.VectorStore{}, err
	}
	return foundry.VectorStore{ID: r.nextID("vs"), Name: name, Status: "completed"}, nil
}

func (r *Remote) DeleteVectorStore(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record("DeleteVectorStore", id)
}

func (r *Remote) UploadFile(_ context.Context, filename string, content io.Reader) (foundry.File, error) {
	data, readErr := io.ReadAll(content)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("UploadFile", filename); err != nil {
		return foundry.File{}, err
	}
	if readErr != nil {
		return foundry.File{}, readErr
	}
	id := r.nextID("file")
	r.files[id] = filename
	return foundry.File{ID: id, Filename: filename, Bytes: int64(len(data)), Purpose: foundry.FilePurpose}, nil
}

func (r *Remote) DeleteFile(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("DeleteFile", id); err != nil {
		return err
	}
	delete(r.files, id)
	return nil
}

func (r *Remote) AttachFile(_ context.Context, vectorStoreID, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record("AttachFile", vectorStoreID+"/"+fileID)
}

func (r *Remote) CreateAgent(_ context.Context, req foundry.AgentRequest) (foundry.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateAgent", req.Name); err != nil {
		return foundry.Agent{}, err
	}
	r.agents = append(r.agents, req)
	if r.RejectFileSearch && len(req.Tools) > 0 {
		return foundry.Agent{}, &foundry.APIError{
			Type:       foundry.ErrorTypeBadRequest,
			Operation:  "create agent",
			StatusCode: 400,
			Code:       "invalid_tool",
			Message:    "file_search is not supported for this deployment",
		}
	}
	agent := foundry.Agent{ID: r.nextID("asst"), Name: req.Name, Model: req.Model, Instructions: req.Instructions, Tools: req.Tools}
	if r.DropTools {
		agent.Tools = nil
	}
	return agent, nil
}

func (r *Remote) DeleteAgent(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record("DeleteAgent", id)
}

func (r *Remote) CreateThread(_ context.Context) (foundry.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateThread", ""); err != nil {
		return foundry.Thread{}, err
	}
	id := r.nextID("thread")
	r.threads[id] = nil
	return foundry.Thread{ID: id}, nil
}

func (r *Remote) DeleteThread(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("DeleteThread", id); err != nil {
		return err
	}
	delete(r.threads, id)
	return nil
}

func (r *Remote) CreateMessage(_ context.Context, threadID, role, content string) (foundry.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateMessage", content); err != nil {
		return foundry.Message{}, err
	}
	msg := foundry.Message{
		ID:       r.nextID("msg"),
		ThreadID: threadID,
		Role:     role,
		Content:  []foundry.ContentPart{foundry.NewTextPart(content)},
	}
	r.threads[threadID] = append(r.threads[threadID], msg)
	return msg, nil
}

func (r *Remote) CreateRun(_ context.Context, threadID, agentID string) (foundry.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CreateRun", agentID); err != nil {
		return foundry.Run{}, err
	}
	run := foundry.Run{ID: r.nextID("run"), ThreadID: threadID, AgentID: agentID, Status: foundry.RunQueued}
	r.runs[run.ID] = &runState{run: run}
	return run, nil
}

func (r *Remote) GetRun(_ context.Context, threadID, runID string) (foundry.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("GetRun", runID); err != nil {
		return foundry.Run{}, err
	}
	st, ok := r.runs[runID]
	if !ok {
		return foundry.Run{}, &foundry.APIError{Type: foundry.ErrorTypeNotFound, Operation: "get run", StatusCode: 404, Message: "run not found"}
	}
	if !st.run.Status.Pending() {
		return st.run, nil
	}
	status := foundry.RunCompleted
	if len(r.Statuses) > 0 {
		idx := st.polls
		if idx >= len(r.Statuses) {
			idx = len(r.Statuses) - 1
		}
		status = r.Statuses[idx]
	}
	st.polls++
	st.run.Status = status
	switch status {
	case foundry.RunCompleted:
		r.appendReply(threadID, runID)
	case foundry.RunFailed:
		st.run.LastError = r.RunError
	}
	return st.run, nil
}

func (r *Remote) appendReply(threadID, runID string) {
	msgs := r.threads[threadID]
	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == foundry.RoleUser {
			last = strings.TrimSpace(msgs[i].Text())
			break
		}
	}
	var content []foundry.ContentPart
	if r.Reply != nil {
		content = r.Reply(last)
	} else if last == "" {
		content = []foundry.ContentPart{foundry.NewTextPart(r.prefix + " RESPONSE")}
	} else {
		content = []foundry.ContentPart{foundry.NewTextPart(fmt.Sprintf("%s RESPONSE: %s", r.prefix, last))}
	}
	if content == nil {
		return
	}
	r.threads[threadID] = append(msgs, foundry.Message{
		ID:       r.nextID("msg"),
		ThreadID: threadID,
		RunID:    runID,
		Role:     foundry.RoleAssistant,
		Content:  content,
	})
}

func (r *Remote) CancelRun(_ context.Context, _ string, runID string) (foundry.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("CancelRun", runID); err != nil {
		return foundry.Run{}, err
	}
	st, ok := r.runs[runID]
	if !ok {
		return foundry.Run{}, &foundry.APIError{Type: foundry.ErrorTypeNotFound, Operation: "cancel run", StatusCode: 404, Message: "run not found"}
	}
	st.run.Status = foundry.RunCancelled
	return st.run, nil
}

// ListMessages pages through the thread using the after cursor.
func (r *Remote) ListMessages(_ context.Context, threadID string, opts foundry.ListOptions) (foundry.MessagePage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("ListMessages", opts.After); err != nil {
		return foundry.MessagePage{}, err
	}
	msgs := append([]foundry.Message(nil), r.threads[threadID]...)
	if opts.Order != "asc" {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if opts.RunID != "" {
		filtered := msgs[:0]
		for _, m := range msgs {
			if m.RunID == opts.RunID {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	start := 0
	if opts.After != "" {
		for i, m := range msgs {
			if m.ID == opts.After {
				start = i + 1
				break
			}
		}
	}
	size := opts.Limit
	if size <= 0 {
		size = r.PageSize
	}
	if size <= 0 {
		size = 20
	}
	end := start + size
	if end > len(msgs) {
		end = len(msgs)
	}
	page := foundry.MessagePage{Data: msgs[start:end], HasMore: end < len(msgs)}
	if len(page.Data) > 0 {
		page.FirstID = page.Data[0].ID
		page.LastID = page.Data[len(page.Data)-1].ID
	}
	return page, nil
}

// Close marks the remote as closed.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.record("Close", "")
}
