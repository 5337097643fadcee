package session

import "sync"

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// KnowledgeStore is the remote vector store and the documents uploaded into it.
type KnowledgeStore struct {
	ID        string
	FileIDs   []string
	Documents []string
}

// Agent is the remote agent created for this session.
type Agent struct {
	ID              string
	Model           string
	Instructions    string
	KnowledgeSearch bool
	StoreID         string
}

// Session holds the remote handles of one connection. Only the controller
// mutates it; the executor reads it.
type Session struct {
	mu sync.Mutex

	state        State
	remote       Remote
	store        *KnowledgeStore
	agent        *Agent
	threadID     string
	instructions string
	turning      bool
}

// New returns a disconnected session.
func New() *Session {
	return &Session{}
}

// Snapshot is a read-only copy of the session for display.
type Snapshot struct {
	State              State
	AgentID            string
	ThreadID           string
	StoreID            string
	Documents          []string
	KnowledgeSearch    bool
	InstructionsSource string
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot copies the session handles.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:              s.state,
		ThreadID:           s.threadID,
		InstructionsSource: s.instructions,
	}
	if s.agent != nil {
		snap.AgentID = s.agent.ID
		snap.KnowledgeSearch = s.agent.KnowledgeSearch
	}
	if s.store != nil {
		snap.StoreID = s.store.ID
		snap.Documents = append([]string(nil), s.store.Documents...)
	}
	return snap
}

// beginTurn marks a turn in flight and returns the handles it needs.
func (s *Session) beginTurn() (Remote, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state != Connected:
		if s.state == Connecting || s.state == Disconnecting {
			return nil, "", "", ErrBusy
		}
		return nil, "", "", ErrNotConnected
	case s.turning:
		return nil, "", "", ErrBusy
	case s.agent == nil || s.threadID == "" || s.remote == nil:
		return nil, "", "", ErrNotConnected
	}
	s.turning = true
	return s.remote, s.agent.ID, s.threadID, nil
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.turning = false
	s.mu.Unlock()
}

// transition moves from one state to another, failing when the session is
// somewhere else.
func (s *Session) transition(from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		switch {
		case s.state == Connecting || s.state == Disconnecting || s.turning:
			return ErrBusy
		case s.state == Connected:
			return ErrAlreadyConnected
		default:
			return ErrNotConnected
		}
	}
	if s.turning {
		return ErrBusy
	}
	s.state = to
	return nil
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Disconnected
	s.remote = nil
	s.store = nil
	s.agent = nil
	s.threadID = ""
	s.instructions = ""
}
